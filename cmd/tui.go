// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// sessionItem is a finalized session in the session list
type sessionItem struct {
	s *session.Session
}

func (i sessionItem) Title() string {
	return fmt.Sprintf("ch%d %s", i.s.Channel, i.s.Created.Format("15:04:05"))
}

func (i sessionItem) Description() string {
	_, reason := i.s.Finalized()
	return fmt.Sprintf("%d pts, %s, %s", i.s.Len(), telemetry.FormatDuration(uint64(i.s.Duration().Milliseconds())), reason)
}

func (i sessionItem) FilterValue() string { return i.s.ID.String() }

// TUI model
type model struct {
	connInfo string
	desc     *telemetry.Descriptor
	stats    *telemetry.Statistics
	reg      *session.Registry
	// syncState is nil for report transports, which never lose sync
	syncState func() telemetry.SyncState

	showAll       bool
	spinner       spinner.Model
	sessions      list.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	lastPoint     map[uint8]telemetry.Point
	workerErr     error
	workerDone    bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type pointMsg struct {
	point     telemetry.Point
	anomalies []telemetry.ValidationError
}
type eventMsg session.Event
type workerDoneMsg struct {
	err error
}

func initialModel(connInfo string, d *telemetry.Descriptor, stats *telemetry.Statistics, reg *session.Registry, syncState func() telemetry.SyncState, showAll bool) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	sessions := list.New([]list.Item{}, delegate, 40, 10)
	sessions.Title = "Finished Sessions"
	sessions.SetShowStatusBar(false)
	sessions.SetShowHelp(false)
	sessions.SetFilteringEnabled(false)

	return model{
		connInfo:      connInfo,
		desc:          d,
		stats:         stats,
		reg:           reg,
		syncState:     syncState,
		showAll:       showAll,
		spinner:       sp,
		sessions:      sessions,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		lastPoint:     make(map[uint8]telemetry.Point),
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.sessions, cmd = m.sessions.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sessions.SetSize(max(msg.Width/2-4, 30), 10)

	case tickMsg:
		// Redraw with fresh statistics
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case pointMsg:
		m.lastPoint[msg.point.Channel] = msg.point
		for _, a := range msg.anomalies {
			m.addLogEntry(fmt.Sprintf("ch%d %s: %s", msg.point.Channel, a.Type, a.Message), true)
		}
		if m.showAll && len(msg.anomalies) == 0 {
			m.addLogEntry(fmt.Sprintf("ch%d %s %.3f V %d mA", msg.point.Channel,
				telemetry.FormatSubtype(msg.point.Subtype), float64(msg.point.Voltage)/1000, msg.point.Current), false)
		}

	case eventMsg:
		e := session.Event(msg)
		m.addLogEntry(e.String(), e.Err != nil)
		if e.Type == session.EventSessionFinalized && e.Session != nil {
			cmd := m.sessions.InsertItem(0, sessionItem{s: e.Session})
			return m, cmd
		}

	case workerDoneMsg:
		m.workerDone = true
		m.workerErr = msg.err
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Acquisition stopped: %v", msg.err), true)
		} else {
			m.addLogEntry("Acquisition stopped", false)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("CHARGESCOPE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Device: %s | Press 'q' to quit", m.connInfo, m.desc.Name)))
	s.WriteString("\n\n")

	s.WriteString(m.viewSync())
	s.WriteString("\n\n")
	s.WriteString(boxStyle.Render(m.viewStats()))
	s.WriteString("\n")

	channels := boxStyle.Render(m.viewChannels())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, channels, " ", m.sessions.View()))
	s.WriteString("\n\n")

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.viewLog()))

	return s.String()
}

func (m model) viewSync() string {
	switch {
	case m.workerDone && m.workerErr != nil:
		return errorStyle.Render("✗ " + m.workerErr.Error())
	case m.workerDone:
		return headerStyle.Render("Stopped")
	case m.syncState == nil:
		return statsValueStyle.Render("✓ Report transport")
	case m.syncState() == telemetry.InSync:
		out := statsValueStyle.Render("✓ Synchronized")
		if skipped := m.stats.SkippedBytes.Load(); skipped > 0 {
			out += headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", skipped))
		}
		return out
	default:
		return m.spinner.View() + warningStyle.Render(" Waiting for synchronization...")
	}
}

func (m model) viewStats() string {
	snap := m.stats.Snapshot()
	errCount := snap.ChecksumErrors + snap.Malformed
	var validPercent, errorPercent float64
	if snap.Frames > 0 {
		validPercent = float64(snap.Valid) * 100.0 / float64(snap.Frames)
		errorPercent = float64(errCount) * 100.0 / float64(snap.Frames)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.Frames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", snap.Valid, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errCount, errorPercent)),
	))

	if snap.ChecksumErrors > 0 || snap.Malformed > 0 {
		b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", snap.ChecksumErrors)),
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", snap.Malformed)),
			statsLabelStyle.Render("Resyncs:"), warningStyle.Render(fmt.Sprintf("%d", snap.Resyncs)),
		))
	}

	if snap.Anomalies > 0 || snap.UnknownSubtypes > 0 {
		b.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", snap.Anomalies)),
			statsLabelStyle.Render("Unknown Types:"), warningStyle.Render(fmt.Sprintf("%d", snap.UnknownSubtypes)),
		))
	}

	errRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
	if snap.ErrorRate > 0 {
		errRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", snap.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), errRate,
		statsLabelStyle.Render("Timeouts:"), warningStyle.Render(fmt.Sprintf("%d", snap.Timeouts)),
	))
	return b.String()
}

func (m model) viewChannels() string {
	var b strings.Builder
	chs := m.reg.Channels()
	if len(chs) == 0 {
		return headerStyle.Render("(no channels)")
	}

	for i, ch := range chs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render(fmt.Sprintf("Channel %d:", ch)),
			statsValueStyle.Render(m.reg.State(ch).String()),
		))

		if snap, ok := m.reg.Current(ch); ok {
			var dur time.Duration
			if n := len(snap.Points); n > 1 {
				dur = time.Duration(snap.Points[n-1].Time-snap.Points[0].Time) * time.Millisecond
			}
			b.WriteString(fmt.Sprintf("  %s %s %s cycle %d, %d pts, %s\n",
				headerStyle.Render("session:"),
				m.desc.Mode(snap.Signature.Mode).Name,
				m.desc.Chemistry(snap.Signature.Chemistry).Name,
				snap.Signature.Cycle, len(snap.Points),
				telemetry.FormatDuration(uint64(dur.Milliseconds())),
			))
		}

		if p, ok := m.lastPoint[ch]; ok {
			b.WriteString(fmt.Sprintf("  %.3f V  %d mA  %d mAh  %.3f Wh\n",
				float64(p.Voltage)/1000, p.Current, p.Capacity, p.Energy))
			b.WriteString("  " + telemetry.FormatCells(p.Cells))
			b.WriteString(fmt.Sprintf(" (balance %d mV)\n", p.Balance))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) viewLog() string {
	// Reserve space for header, statistics and channels
	logHeight := m.height - 24
	if logHeight < 5 {
		logHeight = 5
	}

	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	var b strings.Builder
	for i := startIdx; i < len(m.eventLog); i++ {
		entry := m.eventLog[i]
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			b.WriteString(fmt.Sprintf("%s %s\n",
				headerStyle.Render(timestamp),
				errorStyle.Render("✗ "+entry.message),
			))
		} else {
			b.WriteString(fmt.Sprintf("%s %s\n",
				headerStyle.Render(timestamp),
				warningStyle.Render("ℹ "+entry.message),
			))
		}
	}
	return b.String()
}
