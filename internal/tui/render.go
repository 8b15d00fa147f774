package tui

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/recorder"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor)

	badgeStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)
)

var phaseColors = map[models.PhaseKind]lipgloss.Color{
	models.PhaseNeedsInstall: warningColor,
	models.PhaseInstalling:   secondaryColor,
	models.PhaseNeedsConfig:  warningColor,
	models.PhaseConfiguring:  warningColor,
	models.PhaseReady:        successColor,
}

func phaseBadge(p models.Phase) string {
	color, ok := phaseColors[p.Kind]
	if !ok {
		color = mutedColor
	}
	return badgeStyle.Foreground(color).Render(p.Label())
}

func containerBadge(c models.ContainerState) string {
	status := c.Status
	if status == "" {
		status = models.ContainerStopped
	}
	color := mutedColor
	switch status {
	case models.ContainerRunning:
		color = successColor
	case models.ContainerStarting, models.ContainerStopping:
		color = warningColor
	case models.ContainerFailed:
		color = errorColor
	}
	return lipgloss.NewStyle().Foreground(color).Render("● recorder " + string(status))
}

func stepGlyph(s models.StepStatus) string {
	switch s {
	case models.StepRunning:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◐")
	case models.StepSucceeded:
		return lipgloss.NewStyle().Foreground(successColor).Render("●")
	case models.StepSkipped:
		return lipgloss.NewStyle().Foreground(successColor).Render("◑")
	case models.StepFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○")
	}
}

func renderField(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

// renderStatus draws the status view: install steps, host capabilities and
// the recorder container.
func renderStatus(s models.Snapshot) string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render("Phase") + "\n")
	b.WriteString(renderField("State", s.Phase.Label()))
	if len(s.Phase.Pending) > 0 {
		b.WriteString(renderField("Pending", strings.Join(s.Phase.Pending, ", ")))
	}
	for _, issue := range s.Phase.Issues {
		b.WriteString(lipgloss.NewStyle().Foreground(warningColor).Render("  ⚠ "+issue) + "\n")
	}

	steps := s.Phase.Progress
	if len(steps) == 0 && s.Install != nil {
		steps = s.Install.Steps
	}
	if len(steps) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Install steps") + "\n")
		for _, st := range steps {
			label := st.Label
			if label == "" {
				label = st.ID
			}
			line := fmt.Sprintf("  %s %-28s %s", stepGlyph(st.Status), label, st.Status)
			if st.Attempts > 1 {
				line += fmt.Sprintf(" (attempt %d)", st.Attempts)
			}
			b.WriteString(line + "\n")
			if st.Status == models.StepFailed && st.Error != "" {
				b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("      "+st.Error) + "\n")
			}
		}
	}

	if s.Prerequisites != nil {
		b.WriteString("\n" + sectionStyle.Render("Host") + "\n")
		for _, c := range s.Prerequisites.Capabilities {
			mark := lipgloss.NewStyle().Foreground(successColor).Render("✓")
			switch {
			case !c.Present:
				mark = lipgloss.NewStyle().Foreground(mutedColor).Render("-")
			case !c.Compatible:
				mark = lipgloss.NewStyle().Foreground(warningColor).Render("!")
			}
			detail := c.Version
			if c.Detail != "" {
				detail = strings.TrimSpace(detail + " " + c.Detail)
			}
			b.WriteString(fmt.Sprintf("  %s %-16s %s\n", mark, c.Name, detail))
		}
	}

	b.WriteString("\n" + sectionStyle.Render("Recorder") + "\n")
	b.WriteString(renderField("Container", containerBadge(s.Container)))
	if s.Container.Reason != "" {
		b.WriteString(renderField("Reason", s.Container.Reason))
	}
	if !s.Container.Since.IsZero() {
		b.WriteString(renderField("Since", s.Container.Since.Local().Format(time.DateTime)))
	}
	b.WriteString(renderField("Config", s.ConfigPath))

	for _, w := range s.Warnings {
		b.WriteString(lipgloss.NewStyle().Foreground(warningColor).Render("⚠ "+w) + "\n")
	}
	if s.LastError != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("✗ "+s.LastError) + "\n")
	}
	return b.String()
}

// renderConfig draws the pending recorder config. Stream passwords are
// masked.
func renderConfig(cfg *recorder.Config, path string, dirty bool, violations []recorder.Violation) string {
	var b strings.Builder

	title := "Config " + path
	if dirty {
		title += lipgloss.NewStyle().Foreground(warningColor).Render("  (unsaved)")
	}
	b.WriteString(sectionStyle.Render(title) + "\n")
	if cfg == nil {
		return b.String() + helpStyle.Render("  no config loaded") + "\n"
	}

	mqtt := "disabled"
	if cfg.MQTT.Enabled {
		mqtt = fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)
		if cfg.MQTT.User != "" {
			mqtt += " as " + cfg.MQTT.User
		}
	}
	b.WriteString(renderField("MQTT", mqtt))
	for _, d := range cfg.Detectors {
		b.WriteString(renderField("Detector", fmt.Sprintf("%s (%s %s)", d.Name, d.Type, d.Device)))
	}
	b.WriteString(renderField("Model", fmt.Sprintf("%s %dx%d", cfg.Model.ModelType, cfg.Model.Width, cfg.Model.Height)))

	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("Cameras (%d)", len(cfg.Cameras))) + "\n")
	if len(cfg.Cameras) == 0 {
		b.WriteString(helpStyle.Render("  none yet, add one with: camera add <id> <rtsp url>") + "\n")
	}
	for _, c := range cfg.Cameras {
		b.WriteString(fmt.Sprintf("  %-12s %s  [%s]\n", c.ID, redactURL(c.StreamURL), strings.Join(c.Roles, ",")))
	}

	if len(violations) > 0 {
		b.WriteString("\n" + lipgloss.NewStyle().Bold(true).Foreground(errorColor).Render("Problems") + "\n")
		for _, v := range violations {
			b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("  ✗ "+v.Error()) + "\n")
		}
	}
	return b.String()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// nextStepHint suggests the command that moves the panel forward.
func nextStepHint(s models.Snapshot) string {
	if s.Operation != "" {
		return "cancel to stop " + s.Operation
	}
	switch s.Phase.Kind {
	case models.PhaseNeedsInstall:
		return "next: install"
	case models.PhaseNeedsConfig:
		return "next: camera add, then save"
	case models.PhaseConfiguring:
		return "next: fix the config and save"
	case models.PhaseReady:
		if s.Container.Status != models.ContainerRunning {
			return "next: start"
		}
	}
	return ""
}
