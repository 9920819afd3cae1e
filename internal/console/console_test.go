package console

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/zemo/internal/alert"
	"codeberg.org/mutker/zemo/internal/coordinator"
	"codeberg.org/mutker/zemo/internal/sensor"
	"codeberg.org/mutker/zemo/internal/settings"
)

type staticSettings struct{}

func (staticSettings) Snapshot() (settings.Snapshot, error) {
	return settings.Snapshot{
		DaysToKeep:  10,
		ReadsPerDay: 4,
		Sensors: map[string]settings.SensorSettings{
			"temperature": {Low: 10, High: 30},
			"ph":          {Low: 6.5, High: 8.5},
		},
	}, nil
}

func (staticSettings) DeviceIdentity() (string, error) { return "tank1", nil }

type samplingController struct {
	*coordinator.Coordinator
	sampling bool
}

func (c *samplingController) Sampling() bool { return c.sampling }

func newTestModel(t *testing.T) (Model, *coordinator.Coordinator, *sensor.Fake, *sensor.Fake) {
	t.Helper()

	temp := sensor.NewFake(sensor.Temperature, "21.5")
	ph := sensor.NewFake(sensor.PH, "7.2")
	now := time.Date(2026, 3, 1, 7, 30, 0, 0, time.Local)
	c := coordinator.New(staticSettings{}, []sensor.Handle{temp, ph}, alert.NewFake(),
		coordinator.WithErrorLog(func(error) {}),
		coordinator.WithClock(func() time.Time { return now }))
	require.NoError(t, c.RefreshSensors(context.Background()))

	return New(context.Background(), c), c, temp, ph
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// runCmd executes an operation command and feeds its result back.
func runCmd(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, resultMsg{}, msg)
	m, _ = update(t, m, msg)
	return m
}

func TestMainScreenListsSensors(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	view := m.View()
	assert.Contains(t, view, "Temperature")
	assert.Contains(t, view, "pH")
	assert.Contains(t, view, "10 to 30")
}

func TestNavigateAndReadSensor(t *testing.T) {
	m, _, temp, ph := newTestModel(t)

	m, _ = update(t, m, key("down"))
	m, _ = update(t, m, key("enter"))
	assert.Equal(t, screenSensor, m.screen)
	assert.Equal(t, sensor.PH, m.selected())

	ph.SetValues("7.4")
	m, cmd := update(t, m, key("r"))
	assert.True(t, m.pending)
	m = runCmd(t, m, cmd)

	assert.False(t, m.pending)
	assert.Equal(t, "pH read: 7.4", m.status)
	assert.Equal(t, 1, ph.Reads())
	assert.Zero(t, temp.Reads())
	assert.Contains(t, m.View(), "7.4")

	m, _ = update(t, m, key("esc"))
	assert.Equal(t, screenMain, m.screen)
}

func TestCalibrateFromSensorScreen(t *testing.T) {
	m, _, temp, _ := newTestModel(t)

	m, _ = update(t, m, key("enter"))
	m, cmd := update(t, m, key("c"))
	m = runCmd(t, m, cmd)

	assert.Equal(t, 1, temp.Calibrations())
	assert.Contains(t, m.status, "calibrated")
}

func TestInputIgnoredWhileSampling(t *testing.T) {
	m, c, temp, _ := newTestModel(t)
	ctrl := &samplingController{Coordinator: c, sampling: true}
	m.ctrl = ctrl

	m, _ = update(t, m, tickMsg{})
	require.True(t, m.sampling)
	assert.Contains(t, m.View(), "Taking Reads")

	m, cmd := update(t, m, key("enter"))
	assert.Equal(t, screenMain, m.screen)
	assert.Nil(t, cmd)

	ctrl.sampling = false
	m, _ = update(t, m, tickMsg{})
	assert.False(t, m.sampling)
	assert.NotContains(t, m.View(), "Taking Reads")

	m, _ = update(t, m, key("enter"))
	m, cmd = update(t, m, key("r"))
	runCmd(t, m, cmd)
	assert.Equal(t, 1, temp.Reads())
}

func TestInputIgnoredWhileOperationPending(t *testing.T) {
	m, _, _, _ := newTestModel(t)
	m.pending = true

	m, cmd := update(t, m, key("s"))
	assert.Equal(t, screenMain, m.screen)
	assert.Nil(t, cmd)
}

func TestSettingsScreen(t *testing.T) {
	m, _, temp, _ := newTestModel(t)

	m, _ = update(t, m, key("s"))
	view := m.View()
	assert.Contains(t, view, "Reads per day: 4")
	assert.Contains(t, view, "6.00 12.00 18.00")
	assert.Contains(t, view, "Next read")
	assert.Contains(t, view, "12:00")

	m, cmd := update(t, m, key("f"))
	m = runCmd(t, m, cmd)
	assert.Equal(t, "Sensors refreshed", m.status)
	assert.Equal(t, 2, temp.Refreshes())
}

func TestDeleteHistoryNeedsConfirmation(t *testing.T) {
	m, _, temp, ph := newTestModel(t)

	m, _ = update(t, m, key("a"))
	m, _ = update(t, m, key("d"))
	assert.Contains(t, m.View(), "(y/n)")

	m, cmd := update(t, m, key("n"))
	assert.Nil(t, cmd)
	assert.Zero(t, temp.Deletes())

	m, _ = update(t, m, key("d"))
	m, cmd = update(t, m, key("y"))
	m = runCmd(t, m, cmd)

	assert.Equal(t, 1, temp.Deletes())
	assert.Equal(t, 1, ph.Deletes())
	assert.Equal(t, "History of all sensors deleted", m.status)
}

func TestQuit(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())

	m.sampling = true
	_, cmd = update(t, m, key("ctrl+c"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
