package console

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"codeberg.org/mutker/zemo/internal/coordinator"
)

// ── Color palette ────────────────────────────────────────────────────

var (
	colorTitleBg = lipgloss.Color("17")
	colorTitleFg = lipgloss.Color("51")
	colorBorder  = lipgloss.Color("62")
	colorLabel   = lipgloss.Color("252")
	colorDim     = lipgloss.Color("240")
	colorOK      = lipgloss.Color("78")
	colorWarn    = lipgloss.Color("220")
	colorCrit    = lipgloss.Color("196")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTitleFg).
			Background(colorTitleBg).
			Padding(0, 1)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
	labelStyle    = lipgloss.NewStyle().Foreground(colorLabel)
	dimStyle      = lipgloss.NewStyle().Foreground(colorDim)
	okStyle       = lipgloss.NewStyle().Foreground(colorOK)
	critStyle     = lipgloss.NewStyle().Foreground(colorCrit).Bold(true)
	workingStyle  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTitleFg)
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("zemo · " + m.title()))
	b.WriteString("\n\n")

	switch m.screen {
	case screenMain:
		b.WriteString(panelStyle.Render(m.renderSensors()))
	case screenSensor:
		b.WriteString(panelStyle.Render(m.renderSensorDetail()))
	case screenSettings:
		b.WriteString(panelStyle.Render(m.renderSettings()))
	case screenAdvanced:
		b.WriteString(panelStyle.Render(m.renderAdvanced()))
	}
	b.WriteString("\n")

	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) title() string {
	switch m.screen {
	case screenSensor:
		return m.selected().Label()
	case screenSettings:
		return "Settings"
	case screenAdvanced:
		return "Advanced"
	default:
		return "Sensors"
	}
}

func (m Model) renderSensors() string {
	if len(m.state.Sensors) == 0 {
		return dimStyle.Render("No sensors")
	}

	lines := make([]string, 0, len(m.state.Sensors))
	for i, s := range m.state.Sensors {
		name := fmt.Sprintf("%-18s", s.Label)
		if i == m.cursor {
			name = selectedStyle.Render("› " + name)
		} else {
			name = labelStyle.Render("  " + name)
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s",
			name,
			readingStyle(s).Render(fmt.Sprintf("%8s", displayReading(s.Reading))),
			dimStyle.Render(formatRange(s.Low, s.High)),
		))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderSensorDetail() string {
	kind := m.selected()
	for _, s := range m.state.Sensors {
		if s.Sensor != kind {
			continue
		}
		return strings.Join([]string{
			labelStyle.Render("Reading:  ") + readingStyle(s).Render(displayReading(s.Reading)),
			labelStyle.Render("Range:    ") + formatRange(s.Low, s.High),
			labelStyle.Render("Log file: ") + dimStyle.Render(s.LogFile),
		}, "\n")
	}
	return dimStyle.Render("No sensor selected")
}

func (m Model) renderSettings() string {
	slots := make([]string, 0, len(m.state.Slots))
	for _, s := range m.state.Slots {
		slots = append(slots, s.String())
	}
	slotLine := dimStyle.Render("midnight only")
	if len(slots) > 0 {
		slotLine = strings.Join(slots, " ")
	}

	return strings.Join([]string{
		labelStyle.Render("Reads per day: ") + strconv.Itoa(m.state.ReadsPerDay),
		labelStyle.Render("Days to keep:  ") + strconv.Itoa(m.state.DaysToKeep),
		labelStyle.Render("Next read:     ") + m.state.NextRead.Format("15:04"),
		labelStyle.Render("Slots:         ") + lipgloss.NewStyle().Width(max(m.width-20, 30)).Render(slotLine),
	}, "\n")
}

func (m Model) renderAdvanced() string {
	if m.confirm {
		return critStyle.Render("Delete the history of all sensors? (y/n)")
	}
	return labelStyle.Render("Delete the stored history of all sensors")
}

func (m Model) renderFooter() string {
	if m.sampling || m.pending {
		return workingStyle.Render("Taking Reads" + strings.Repeat(".", m.dots+1))
	}

	var parts []string
	if m.err != nil {
		parts = append(parts, critStyle.Render(m.err.Error()))
	} else if m.status != "" {
		parts = append(parts, okStyle.Render(m.status))
	}

	var keys string
	switch m.screen {
	case screenMain:
		keys = "↑/↓ select · enter open · s settings · a advanced · q quit"
	case screenSensor:
		keys = "r read · c calibrate · f refresh · esc back"
	case screenSettings:
		keys = "f refresh all sensors · esc back"
	case screenAdvanced:
		keys = "d delete history · esc back"
	}
	parts = append(parts, dimStyle.Render(keys))

	return strings.Join(parts, "\n")
}

func readingStyle(s coordinator.SensorStatus) lipgloss.Style {
	v, err := strconv.ParseFloat(strings.TrimSpace(s.Reading), 64)
	if err != nil {
		return dimStyle
	}
	if v < s.Low || v > s.High {
		return critStyle
	}
	return okStyle
}

func displayReading(r string) string {
	if r == "" {
		return "--"
	}
	return r
}
