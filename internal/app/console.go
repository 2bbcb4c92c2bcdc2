// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/export"
	"github.com/relabs-tech/shake_relax/internal/session"
)

var (
	consoleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	consoleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	consoleShake = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	consoleCalm  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("78"))
	consoleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	consoleBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Messages fed into the program from MQTT handlers.
type (
	snapshotMsg session.Snapshot
	breathMsg   BreathMessage
	recordMsg   RecordMessage
	routeMsg    RouteMessage
	commandErr  struct{ err error }
)

// consoleModel is a live terminal view of the session.
type consoleModel struct {
	pub   publisher
	topic string

	snap     session.Snapshot
	haveSnap bool
	breath   BreathMessage
	route    string
	last     *RecordMessage
	status   string
}

func newConsoleModel(pub publisher, commandTopic string) consoleModel {
	return consoleModel{pub: pub, topic: commandTopic, route: RouteHome}
}

func (m consoleModel) Init() tea.Cmd { return nil }

func (m consoleModel) send(action string) tea.Cmd {
	return func() tea.Msg {
		if err := m.pub.Publish(m.topic, false, Command{Action: action}); err != nil {
			return commandErr{err: err}
		}
		return nil
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		m.haveSnap = true
	case breathMsg:
		m.breath = BreathMessage(msg)
	case routeMsg:
		m.route = msg.Route
	case recordMsg:
		rec := RecordMessage(msg)
		m.last = &rec
		if rec.Saved {
			m.status = "saved session " + rec.ID
		} else {
			m.status = "save failed: " + rec.Error
		}
	case commandErr:
		m.status = msg.err.Error()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.status = "restart requested"
			return m, m.send(ActionRestart)
		case "f":
			m.status = "finish requested"
			return m, m.send(ActionFinish)
		case "n":
			m.status = "new session requested"
			return m, m.send(ActionNew)
		}
	}
	return m, nil
}

func (m consoleModel) row(label, value string) string {
	return consoleLabel.Render(label) + value
}

func (m consoleModel) View() string {
	var b strings.Builder
	b.WriteString(consoleTitle.Render("Shake & Relax") + "  " + consoleHelp.Render("screen: "+m.route) + "\n\n")

	if !m.haveSnap {
		b.WriteString("waiting for session state...\n")
	} else {
		state := m.snap.State
		switch {
		case m.snap.Shaking:
			state = consoleShake.Render(state)
		case m.snap.State == session.CalmConfirmed.String():
			state = consoleCalm.Render(state)
		}
		relax := "--:--"
		if m.snap.FirstCalmMs != nil {
			relax = export.MMSS(*m.snap.FirstCalmMs)
		}
		rows := []string{
			m.row("state", state),
			m.row("stressed", export.MMSS(m.snap.ElapsedMs)),
			m.row("time to relax", relax),
			m.row("intensity", fmt.Sprintf("%.3f g", m.snap.Intensity)),
			m.row("peak", fmt.Sprintf("%.0f%%", m.snap.PeakPct*100)),
			m.row("sensitivity", string(m.snap.Sensitivity)),
			m.row("breath", fmt.Sprintf("%-6s %s", m.breath.Phase, breathBar(m.breath.Scale, 20))),
		}
		b.WriteString(consoleBox.Render(strings.Join(rows, "\n")) + "\n")
	}

	if m.last != nil && m.last.Saved {
		b.WriteString(fmt.Sprintf("\nlast: stressed %s, relaxed in %s\n",
			export.MMSS(m.last.Record.DurationMs), export.MMSS(m.last.Record.TimeToRelaxMs)))
	}
	if m.status != "" {
		b.WriteString("\n" + m.status + "\n")
	}
	b.WriteString("\n" + consoleHelp.Render("r restart  f finish  n new  q quit") + "\n")
	return b.String()
}

func breathBar(scale float64, width int) string {
	n := int(scale*float64(width) + 0.5)
	if n < 0 {
		n = 0
	}
	if n > width {
		n = width
	}
	return strings.Repeat("█", n) + strings.Repeat("·", width-n)
}

// RunConsole shows the live session in the terminal and sends session
// commands from the keyboard.
func RunConsole(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	program := tea.NewProgram(newConsoleModel(mqttPublisher{client: client}, cfg.TopicSessionCommand),
		tea.WithAltScreen(), tea.WithContext(ctx))

	if err := subscribeJSON(client, cfg.TopicSessionState, log, func(s session.Snapshot) { program.Send(snapshotMsg(s)) }); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicBreath, log, func(b BreathMessage) { program.Send(breathMsg(b)) }); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicSessionRecord, log, func(r RecordMessage) { program.Send(recordMsg(r)) }); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicRoute, log, func(r RouteMessage) { program.Send(routeMsg(r)) }); err != nil {
		return err
	}

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
