// Package monitorui is a read-only terminal dashboard over a running
// (or just-finished) engine's health snapshot (spec §4.8 C9, B.4).
// It never mutates state: no sync/restore/verify action can be
// triggered from here, only observed.
package monitorui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/cloudsync/cloudsync/pkg/monitor"
)

// DefaultRefresh is how often the dashboard re-polls the monitor when
// no explicit interval is given.
const DefaultRefresh = 5 * time.Second

type snapshotMsg struct {
	snap monitor.Snapshot
	err  error
}

type tickMsg time.Time

// Model is a bubbletea.Model wrapping a *monitor.Monitor. It owns no
// write path: Update only ever reacts to window size, key navigation,
// and the periodic snapshot refresh.
type Model struct {
	mon     *monitor.Monitor
	refresh time.Duration

	table table.Model
	snap  monitor.Snapshot
	err   error
	ready bool
}

// New builds a dashboard model over mon, refreshing every interval.
// A zero interval falls back to DefaultRefresh.
func New(mon *monitor.Monitor, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	columns := []table.Column{
		{Title: "Source", Width: 28},
		{Title: "Last Run", Width: 12},
		{Title: "Incr", Width: 5},
		{Title: "Full Age", Width: 12},
		{Title: "Size", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return Model{mon: mon, refresh: interval, table: t}
}

// Init kicks off the first snapshot fetch and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshot(m.mon), tick(m.refresh))
}

func fetchSnapshot(mon *monitor.Monitor) tea.Cmd {
	return func() tea.Msg {
		snap, err := mon.Snapshot(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles window resize, quit/refresh keys, row navigation
// (delegated to the embedded table), and snapshot refresh ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		m.table.SetWidth(msg.Width)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.mon)
		}

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.table.SetRows(rowsFor(msg.snap))
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchSnapshot(m.mon), tick(m.refresh))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func rowsFor(snap monitor.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Sources))
	for _, s := range snap.Sources {
		rows = append(rows, table.Row{
			s.SourceKey,
			s.LastOutcomeHuman,
			fmt.Sprintf("%d", s.IncrementalCount),
			s.LastFullAgeHuman,
			s.CumulativeHuman,
		})
	}
	return rows
}

// View renders the header, the source table, and a footer hint line.
func (m Model) View() string {
	if !m.ready {
		return "initializing...\n"
	}
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("snapshot error: %v\n", m.err))
	}

	header := headerStyle.Render(fmt.Sprintf(
		" cloudsync status — %d sources, %d with errors, %s stored ",
		m.snap.TotalSources, m.snap.SourcesWithErrors, m.snap.TotalBytesHuman,
	))

	liveness := fmt.Sprintf("supervisor running: %v (heartbeat %s)", m.snap.SupervisorRunning, m.snap.LastHeartbeatHuman)
	if !m.snap.SupervisorRunning {
		liveness = staleStyle.Render(liveness)
	}

	footer := subtleStyle.Render("↑↓: navigate  r: refresh  q: quit")

	return header + "\n\n" + liveness + "\n\n" + m.table.View() + "\n\n" + footer + "\n"
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(mon *monitor.Monitor, interval time.Duration) error {
	p := tea.NewProgram(New(mon, interval))
	_, err := p.Run()
	return err
}
