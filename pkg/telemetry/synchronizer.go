// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// SyncState is the frame synchronizer state
type SyncState int

// Synchronizer states
const (
	Seeking SyncState = iota // hunting for a start marker
	InSync                   // aligned on frame boundaries
)

func (s SyncState) String() string {
	if s == InSync {
		return "in-sync"
	}
	return "seeking"
}

const readChunk = 256

var endMarker = []byte{CR, LF}

// SyncConfig configures a Synchronizer
type SyncConfig struct {
	Descriptor *Descriptor
	// FrameTimeout bounds ReadFrame. Zero returns on the first read that
	// times out without completing a frame.
	FrameTimeout time.Duration
	Now          func() time.Time
}

// Synchronizer recovers stream frames from a byte-oriented transport.
//
// The reader must honour a per-read timeout: a read that returns 0, nil or
// an error satisfying IsTimeout is treated as "no data yet". Any other error,
// io.EOF included, ends the stream.
type Synchronizer struct {
	r       io.Reader
	cfg     SyncConfig
	stats   *Statistics
	state   atomic.Int32 // SyncState, readable from any goroutine
	buf     []byte
	scratch []byte
	closed  error
}

// NewSynchronizer creates a synchronizer reading from r. stats may be nil.
func NewSynchronizer(r io.Reader, cfg SyncConfig, stats *Statistics) *Synchronizer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	maxFrame := cfg.Descriptor.MaxFrameLength()
	return &Synchronizer{
		r:       r,
		cfg:     cfg,
		stats:   stats,
		buf:     make([]byte, 0, maxFrame+readChunk),
		scratch: make([]byte, readChunk),
	}
}

// State returns the current synchronizer state. Safe for concurrent use.
func (s *Synchronizer) State() SyncState {
	return SyncState(s.state.Load())
}

// Buffered returns the number of bytes held but not yet framed
func (s *Synchronizer) Buffered() int {
	return len(s.buf)
}

// ReadFrame returns the next checksum-valid frame.
//
// Corrupted frames are counted and dropped. ReadFrame fails with
// ErrTransportTimeout when no valid frame completes within FrameTimeout and
// with ErrTransportDisconnected when the reader ends.
func (s *Synchronizer) ReadFrame(ctx context.Context) (Frame, error) {
	deadline := s.cfg.Now().Add(s.cfg.FrameTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		f, ok, err := s.extract()
		if err != nil {
			s.stats.Record(err)
			s.lose()
			continue
		}
		if ok {
			s.state.Store(int32(InSync))
			s.stats.Record(nil)
			return f, nil
		}

		if s.closed != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrTransportDisconnected, s.closed)
		}

		n, rerr := s.r.Read(s.scratch)
		if n > 0 {
			s.buf = append(s.buf, s.scratch[:n]...)
		}
		timedOut := false
		switch {
		case rerr == nil && n == 0, IsTimeout(rerr):
			timedOut = true
		case rerr != nil:
			s.closed = rerr
			continue
		}

		if timedOut {
			// A frame interrupted by silence is not trusted
			s.discard(len(s.buf))
			s.lose()
		}

		if (timedOut || s.cfg.FrameTimeout > 0) && !s.cfg.Now().Before(deadline) {
			s.stats.Record(ErrTransportTimeout)
			return Frame{}, ErrTransportTimeout
		}
	}
}

// lose drops synchronization after a bad frame or a timeout
func (s *Synchronizer) lose() {
	if s.State() == InSync {
		s.state.Store(int32(Seeking))
		s.stats.addResync()
	}
}

// discard drops n leading buffered bytes and counts them as skipped
func (s *Synchronizer) discard(n int) {
	s.stats.addSkipped(n)
	s.consume(n)
}

func (s *Synchronizer) consume(n int) {
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
}

// extract takes at most one frame from the buffer. It returns ok == false
// with a nil error when more bytes are needed.
func (s *Synchronizer) extract() (Frame, bool, error) {
	desc := s.cfg.Descriptor
	maxFrame := desc.MaxFrameLength()

	for len(s.buf) > 0 {
		i := bytes.IndexByte(s.buf, StartMarker)
		if i != 0 {
			s.lose()
			if i < 0 {
				s.discard(len(s.buf))
				return Frame{}, false, nil
			}
			s.discard(i)
		}

		if len(s.buf) < 1+maxChannelDigits {
			return Frame{}, false, nil
		}
		ch, ok := parseChannel(s.buf[1 : 1+maxChannelDigits])
		if !ok || !desc.ValidChannel(ch) {
			s.lose()
			s.discard(1)
			continue
		}

		window := s.buf[:min(len(s.buf), maxFrame)]
		end := bytes.Index(window, endMarker)
		next := bytes.IndexByte(window[1:], StartMarker)
		if next >= 0 && (end < 0 || next+1 < end) {
			// Truncated frame followed by a new start marker
			s.discard(next + 1)
			return Frame{}, false, fmt.Errorf("%w: truncated frame", ErrMalformedFrame)
		}
		if end < 0 {
			if len(s.buf) >= maxFrame {
				s.discard(1)
				return Frame{}, false, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, maxFrame)
			}
			return Frame{}, false, nil
		}

		f, err := s.parse(s.buf[:end+len(endMarker)], ch)
		s.consume(end + len(endMarker))
		if err != nil {
			return Frame{}, false, err
		}
		return f, true, nil
	}
	return Frame{}, false, nil
}

// parse validates one delimited frame: '$' CC HEX KK CR LF
func (s *Synchronizer) parse(raw []byte, ch int) (Frame, error) {
	alg := s.cfg.Descriptor.Checksum
	body := raw[1 : len(raw)-len(endMarker)]

	hw := alg.HexWidth()
	if len(body) < maxChannelDigits+2*HeaderSize+hw {
		return Frame{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedFrame, len(raw))
	}
	payload, tag := body[:len(body)-hw], body[len(body)-hw:]
	digits := payload[maxChannelDigits:]
	if len(digits)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: odd hex length %d", ErrMalformedFrame, len(digits))
	}
	if !alg.ValidateHex(payload, tag) {
		return Frame{}, fmt.Errorf("%w: %s over %d bytes", ErrChecksumMismatch, alg, len(payload))
	}

	record := make([]byte, len(digits)/2)
	if _, err := hex.Decode(record, digits); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	return Frame{
		Kind:     KindStream,
		Channel:  ch,
		Raw:      bytes.Clone(raw),
		Record:   record,
		Received: s.cfg.Now(),
	}, nil
}

func parseChannel(b []byte) (int, bool) {
	ch := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		ch = ch*10 + int(c-'0')
	}
	return ch, true
}
