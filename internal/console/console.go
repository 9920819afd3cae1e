// Package console is the operator's terminal control surface. It polls the
// coordinator and ignores input while a sampling operation holds the sensors.
package console

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"codeberg.org/mutker/zemo/internal/coordinator"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/sensor"
)

const pollInterval = 250 * time.Millisecond

// Controller is the part of the coordinator the console drives.
type Controller interface {
	Sampling() bool
	State() coordinator.State
	ReadSensor(ctx context.Context, kind sensor.Kind) (coordinator.SensorResult, error)
	Calibrate(ctx context.Context, kind sensor.Kind) (coordinator.SensorResult, error)
	RefreshSensors(ctx context.Context) error
	DeleteHistory(ctx context.Context) error
}

// Run shows the console until the operator quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller) error {
	p := tea.NewProgram(New(ctx, ctrl), tea.WithAltScreen(), tea.WithContext(ctx))

	_, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.New().Wrap(errors.ErrStartConsole, err)
	}
	return nil
}

type screen int

const (
	screenMain screen = iota
	screenSensor
	screenSettings
	screenAdvanced
)

// ── Messages ─────────────────────────────────────────────────────────

type tickMsg time.Time

type resultMsg struct {
	text string
	err  error
}

// ── Model ────────────────────────────────────────────────────────────

type Model struct {
	ctx  context.Context
	ctrl Controller

	state    coordinator.State
	screen   screen
	cursor   int
	confirm  bool
	sampling bool
	pending  bool
	dots     int
	status   string
	err      error
	width    int
}

func New(ctx context.Context, ctrl Controller) Model {
	return Model{
		ctx:   ctx,
		ctrl:  ctrl,
		state: ctrl.State(),
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.sampling || m.pending {
			return m, nil
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.sampling = m.ctrl.Sampling()
		m.state = m.ctrl.State()
		if m.sampling {
			m.dots = (m.dots + 1) % 4
		} else {
			m.dots = 0
		}
		return m, tickCmd()

	case resultMsg:
		m.pending = false
		m.status = msg.text
		m.err = msg.err
		m.state = m.ctrl.State()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if m.confirm {
		m.confirm = false
		if key == "y" {
			return m.run(func(ctx context.Context) resultMsg {
				if err := m.ctrl.DeleteHistory(ctx); err != nil {
					return resultMsg{err: err}
				}
				return resultMsg{text: "History of all sensors deleted"}
			})
		}
		m.status = "Delete cancelled"
		return m, nil
	}

	switch m.screen {
	case screenMain:
		switch key {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.state.Sensors)-1 {
				m.cursor++
			}
		case "enter":
			if len(m.state.Sensors) > 0 {
				m.setScreen(screenSensor)
			}
		case "s":
			m.setScreen(screenSettings)
		case "a":
			m.setScreen(screenAdvanced)
		}

	case screenSensor:
		kind := m.selected()
		switch key {
		case "esc", "backspace":
			m.setScreen(screenMain)
		case "r":
			return m.run(func(ctx context.Context) resultMsg {
				res, err := m.ctrl.ReadSensor(ctx, kind)
				if err != nil {
					return resultMsg{err: err}
				}
				return resultMsg{text: kind.Label() + " read: " + formatValue(res.Value)}
			})
		case "c":
			return m.run(func(ctx context.Context) resultMsg {
				res, err := m.ctrl.Calibrate(ctx, kind)
				if err != nil {
					return resultMsg{err: err}
				}
				return resultMsg{text: kind.Label() + " calibrated, reading " + formatValue(res.Value)}
			})
		case "f":
			return m.refresh()
		}

	case screenSettings:
		switch key {
		case "esc", "backspace":
			m.setScreen(screenMain)
		case "f":
			return m.refresh()
		}

	case screenAdvanced:
		switch key {
		case "esc", "backspace":
			m.setScreen(screenMain)
		case "d":
			m.confirm = true
			m.status = ""
		}
	}

	return m, nil
}

func (m *Model) setScreen(s screen) {
	m.screen = s
	m.status = ""
	m.err = nil
}

func (m Model) refresh() (tea.Model, tea.Cmd) {
	return m.run(func(ctx context.Context) resultMsg {
		if err := m.ctrl.RefreshSensors(ctx); err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{text: "Sensors refreshed"}
	})
}

// run starts op in the background; keys are ignored until it reports back.
func (m Model) run(op func(ctx context.Context) resultMsg) (tea.Model, tea.Cmd) {
	m.pending = true
	m.status = ""
	m.err = nil
	ctx := m.ctx
	return m, func() tea.Msg {
		return op(ctx)
	}
}

func (m Model) selected() sensor.Kind {
	if m.cursor < len(m.state.Sensors) {
		return m.state.Sensors[m.cursor].Sensor
	}
	return ""
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatRange(low, high float64) string {
	return fmt.Sprintf("%s to %s", formatValue(low), formatValue(high))
}
