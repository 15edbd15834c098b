// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/chargescope/internal/config"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

var (
	simCount     int
	simIdle      int
	simInterval  time.Duration
	simChemistry uint8
	simMode      uint8
	simCurrent   int
	simExtEvery  int
	simCorrupt   int
	simNoise     int
	simSeed      uint64
	simToStdout  bool
	simTimeScale int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Emit synthetic charger frames for bench testing",
	Long: `Generate a synthetic charge on every channel of the device and send it as
stream frames or fixed reports.

Each channel idles in standby, then charges for --count records, then returns
to standby. Extended (resistance) records, corrupted frames and line noise can
be mixed in to exercise the receiving side.

Output goes to the configured connection (--port or --url), or to stdout with
--stdout or when no connection is configured. Pipe stdout into a pty or
socat to feed another chargescope instance.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	flags := simulateCmd.Flags()
	flags.IntVar(&simCount, "count", 60, "Charging records per channel")
	flags.IntVar(&simIdle, "idle", 3, "Standby records before and after the charge")
	flags.DurationVar(&simInterval, "interval", time.Second, "Time between records")
	flags.Uint8Var(&simChemistry, "chemistry", 1, "Chemistry code")
	flags.Uint8Var(&simMode, "mode", 1, "Executing mode code")
	flags.IntVar(&simCurrent, "current", 1500, "Charge current (mA)")
	flags.IntVar(&simExtEvery, "ext-every", 10, "Emit an extended record every N records (0 disables)")
	flags.IntVar(&simCorrupt, "corrupt-every", 0, "Corrupt every Nth frame (0 disables)")
	flags.IntVar(&simNoise, "noise", 0, "Random bytes inserted between stream frames")
	flags.Uint64Var(&simSeed, "seed", 1, "Random seed")
	flags.BoolVar(&simToStdout, "stdout", false, "Write to stdout instead of the connection")
	flags.IntVar(&simTimeScale, "time-scale", 1, "Device time elapsed per wall-clock interval, as a multiple")
}

// frameWriter sends one encoded record
type frameWriter func(ch int, record []byte) error

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewPCG(simSeed, simSeed^0x9E3779B97F4A7C15))

	if simToStdout || (cfg.Transport.Port == "" && cfg.Transport.URL == "") {
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		report := cfg.Transport.Kind == config.TransportReport
		return simulate(ctx, newFrameWriter(rng, report, func(data []byte) error {
			if _, err := out.Write(data); err != nil {
				return err
			}
			return out.Flush()
		}))
	}

	conn, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("Simulating %s on %s", desc.Name, conn.Info())

	return simulate(ctx, newFrameWriter(rng, conn.IsReport(), conn.Send))
}

// newFrameWriter frames records as reports or stream frames, applies the
// configured corruption and hands the bytes to send
func newFrameWriter(rng *rand.Rand, report bool, send func([]byte) error) frameWriter {
	return func(ch int, record []byte) error {
		var data []byte
		if report {
			r, err := telemetry.EncodeReport(desc, record)
			if err != nil {
				return err
			}
			data = r
		} else {
			data = noise(rng, telemetry.EncodeStreamFrame(desc, ch, record))
		}
		return send(corrupt(rng, data))
	}
}

var frameCount int

// corrupt flips one bit of every --corrupt-every frame
func corrupt(rng *rand.Rand, data []byte) []byte {
	frameCount++
	if simCorrupt <= 0 || frameCount%simCorrupt != 0 || len(data) < 2 {
		return data
	}
	out := append([]byte(nil), data...)
	i := 1 + rng.IntN(len(out)-1)
	out[i] ^= 1 << rng.IntN(7)
	return out
}

// noise prepends --noise random bytes that never contain a start marker
func noise(rng *rand.Rand, frame []byte) []byte {
	if simNoise <= 0 {
		return frame
	}
	out := make([]byte, 0, simNoise+len(frame))
	for range simNoise {
		b := byte(rng.IntN(256))
		if b == telemetry.StartMarker {
			b = '#'
		}
		out = append(out, b)
	}
	return append(out, frame...)
}

// stepMs is the device time between two records
func stepMs() int64 {
	return simInterval.Milliseconds() * int64(max(simTimeScale, 1))
}

type simChannel struct {
	ch       uint8
	ts       uint32
	capacity float64 // mAh
}

func simulate(ctx context.Context, write frameWriter) error {
	channels := make([]*simChannel, desc.Channels)
	for i := range channels {
		channels[i] = &simChannel{ch: uint8(i + 1)}
	}

	total := simIdle + simCount + simIdle
	ticker := time.NewTicker(simInterval)
	defer ticker.Stop()

	for i := 0; i < total; i++ {
		for _, c := range channels {
			mode := simMode
			if i < simIdle || i >= simIdle+simCount {
				mode = 0
			}
			progress := 0.0
			if simCount > 0 && mode != 0 {
				progress = float64(i-simIdle) / float64(simCount)
			}

			rec := c.normal(mode, progress)
			if err := write(int(c.ch), telemetry.EncodeRecord(desc, rec)); err != nil {
				return fmt.Errorf("write ch%d: %w", c.ch, err)
			}

			if simExtEvery > 0 && mode != 0 && (i-simIdle)%simExtEvery == simExtEvery-1 {
				if err := write(int(c.ch), telemetry.EncodeRecord(desc, c.extended(rec))); err != nil {
					return fmt.Errorf("write ch%d: %w", c.ch, err)
				}
			}

			c.ts += uint32(stepMs())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// normal builds a measurement for a charge at progress 0..1
func (c *simChannel) normal(mode uint8, progress float64) telemetry.Record {
	current := 0
	if mode != 0 {
		current = simCurrent
		c.capacity += float64(current) * float64(stepMs()) / telemetry.MillisPerHour
	}

	cells := make([]uint16, desc.CellCount)
	var pack uint16
	for i := range cells {
		cells[i] = uint16(3600 + 500*progress + float64(i%3))
		pack += cells[i]
	}

	return telemetry.Record{
		Subtype:      telemetry.SubtypeNormal,
		Channel:      c.ch,
		Timestamp:    c.ts,
		Mode:         mode,
		Chemistry:    simChemistry,
		Cycle:        1,
		Current:      int16(current),
		InputVoltage: 12000,
		Voltage:      pack,
		Capacity:     uint32(c.capacity),
		InternalTemp: int16(300 + 50*progress),
		ExternalTemp: int16(250 + 30*progress),
		Cells:        cells,
	}
}

// extended builds the resistance record following a measurement
func (c *simChannel) extended(normal telemetry.Record) telemetry.Record {
	rec := normal
	rec.Subtype = telemetry.SubtypeExtended
	rec.PackResistance = uint16(120 + desc.CellCount*15)
	if desc.Chemistry(simChemistry).CellResistance {
		rec.CellResistance = make([]uint16, desc.CellCount)
		for i := range rec.CellResistance {
			rec.CellResistance[i] = uint16(150 + i*3)
		}
	}
	return rec
}
