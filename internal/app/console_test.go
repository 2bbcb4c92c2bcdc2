package app

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/relabs-tech/shake_relax/internal/session"
)

type failingPublisher struct{}

func (failingPublisher) Publish(string, bool, any) error { return errors.New("broker down") }

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestConsoleModelView(t *testing.T) {
	var m tea.Model = newConsoleModel(&recorder{}, "cmd")
	if !strings.Contains(m.View(), "waiting for session state") {
		t.Fatalf("expected waiting text before any snapshot")
	}

	calm := int64(65_000)
	m, _ = m.Update(snapshotMsg(session.Snapshot{State: "calm_confirmed", ElapsedMs: 70_000, FirstCalmMs: &calm, Sensitivity: "high"}))
	m, _ = m.Update(routeMsg(RouteMessage{Route: "Session"}))
	view := m.View()
	for _, want := range []string{"01:10", "01:05", "high", "screen: Session"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}

	m, _ = m.Update(recordMsg(RecordMessage{ID: "abc", Saved: true}))
	if !strings.Contains(m.View(), "saved session abc") {
		t.Fatalf("expected saved status")
	}
}

func TestConsoleModelKeys(t *testing.T) {
	pub := &recorder{}
	var m tea.Model = newConsoleModel(pub, "cmd")

	for _, tt := range []struct {
		key    string
		action string
	}{
		{"r", ActionRestart},
		{"f", ActionFinish},
		{"n", ActionNew},
	} {
		var cmd tea.Cmd
		m, cmd = m.Update(key(tt.key))
		if cmd == nil {
			t.Fatalf("key %q produced no command", tt.key)
		}
		if msg := cmd(); msg != nil {
			t.Fatalf("key %q: unexpected message %v", tt.key, msg)
		}
		got, ok := pub.last("cmd").(Command)
		if !ok || got.Action != tt.action {
			t.Fatalf("key %q published %#v", tt.key, pub.last("cmd"))
		}
	}

	if _, cmd := m.Update(key("q")); cmd == nil {
		t.Fatalf("q should quit")
	}
}

func TestConsoleModelPublishError(t *testing.T) {
	var m tea.Model = newConsoleModel(failingPublisher{}, "cmd")
	_, cmd := m.Update(key("f"))
	msg := cmd()
	m, _ = m.Update(msg)
	if !strings.Contains(m.View(), "broker down") {
		t.Fatalf("expected publish error in view")
	}
}

func TestBreathBar(t *testing.T) {
	cases := []struct {
		scale float64
		full  int
	}{
		{0, 0}, {0.5, 5}, {1, 10}, {1.4, 10}, {-1, 0},
	}
	for _, c := range cases {
		bar := breathBar(c.scale, 10)
		if got := strings.Count(bar, "█"); got != c.full {
			t.Fatalf("breathBar(%v) has %d full cells, want %d", c.scale, got, c.full)
		}
	}
}
