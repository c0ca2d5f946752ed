package monitorui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cloudsync/cloudsync/pkg/monitor"
)

func TestNew_StartsNotReady(t *testing.T) {
	m := New(&monitor.Monitor{}, 0)
	if m.ready {
		t.Error("expected ready to be false before a WindowSizeMsg arrives")
	}
}

func TestUpdate_WindowSizeMarksReady(t *testing.T) {
	m := New(&monitor.Monitor{}, 0)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	got := updated.(Model)
	if !got.ready {
		t.Error("expected ready to be true after a WindowSizeMsg")
	}
}

func TestUpdate_SnapshotMsgPopulatesTable(t *testing.T) {
	m := New(&monitor.Monitor{}, 0)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = updated.(Model)

	snap := monitor.Snapshot{
		TotalSources:      2,
		SourcesWithErrors: 1,
		TotalBytesHuman:   "12 MB",
		Sources: []monitor.SourceStatus{
			{SourceKey: "repo-a", LastOutcomeHuman: "full", IncrementalCount: 0, LastFullAgeHuman: "2 hours ago", CumulativeHuman: "4 MB"},
			{SourceKey: "repo-b", LastOutcomeHuman: "incremental", IncrementalCount: 3, LastFullAgeHuman: "1 day ago", CumulativeHuman: "8 MB"},
		},
	}
	updated, _ = m.Update(snapshotMsg{snap: snap})
	m = updated.(Model)

	view := m.View()
	if !strings.Contains(view, "repo-a") || !strings.Contains(view, "repo-b") {
		t.Errorf("expected rendered view to mention both sources, got:\n%s", view)
	}
	if !strings.Contains(view, "2 sources") {
		t.Errorf("expected header to mention total source count, got:\n%s", view)
	}
}

func TestUpdate_SnapshotErrorIsSurfacedInView(t *testing.T) {
	m := New(&monitor.Monitor{}, 0)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = updated.(Model)

	updated, _ = m.Update(snapshotMsg{err: errBoom})
	m = updated.(Model)

	if !strings.Contains(m.View(), "snapshot error") {
		t.Errorf("expected view to surface the snapshot error, got:\n%s", m.View())
	}
}

func TestUpdate_QuitKeyReturnsQuitCommand(t *testing.T) {
	m := New(&monitor.Monitor{}, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected a non-nil command for the quit key")
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }
