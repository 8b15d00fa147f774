package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/recorder"
)

const helpText = "Commands: install | cancel | output | start | stop | restart | logs [n] | refresh | " +
	"config | camera add <id> <url> | camera add <id> --vendor <v> --host <ip> | camera rm <id> | " +
	"mqtt <host> [port] | mqtt off | save | revert | quit"

// execute runs one command line typed into the input bar. Commands that
// touch the host run as tea commands; edits to the pending config apply
// immediately.
func (a *App) execute(line string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	a.message = ""

	switch cmd {
	case "install":
		a.output = nil
		a.mode = viewLogs
		a.viewport.SetContent("")
		return a.startOp("install", func(ctx context.Context) (string, error) {
			out, err := a.backend.RunInstall(ctx, func(p installer.Progress) {
				if p.Line != "" {
					a.send(outputMsg{p.StepID + " | " + p.Line})
				}
			})
			if err != nil {
				return "", err
			}
			return summarizeInstall(out), nil
		})

	case "cancel":
		a.backend.Cancel()
		a.message = "Cancellation requested"
		return nil

	case "start", "stop", "restart":
		ops := map[string]func(context.Context) (models.ContainerState, error){
			"start":   a.backend.Start,
			"stop":    a.backend.Stop,
			"restart": a.backend.Restart,
		}
		fn := ops[cmd]
		return a.startOp(cmd, func(ctx context.Context) (string, error) {
			st, err := fn(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("✓ Recorder %s", st.Status), nil
		})

	case "logs":
		tail := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				a.message = "Usage: logs [lines]"
				return nil
			}
			tail = n
		}
		return func() tea.Msg {
			text, err := a.backend.Logs(a.ctx, tail)
			return logsMsg{text, err}
		}

	case "output":
		a.mode = viewLogs
		a.viewport.SetContent(strings.Join(a.output, "\n"))
		a.viewport.GotoBottom()
		return nil

	case "refresh", "status":
		a.mode = viewStatus
		return a.refresh()

	case "config":
		if !a.dirty {
			a.cfg = a.backend.LoadConfig()
		}
		a.mode = viewConfig
		return nil

	case "camera":
		a.mode = viewConfig
		a.message = a.editCamera(args)
		return nil

	case "mqtt":
		a.mode = viewConfig
		a.message = a.editMQTT(args)
		return nil

	case "save":
		if a.running != "" {
			a.message = "Error: " + a.running + " is in progress"
			return nil
		}
		cfg := a.cfg.Clone()
		a.running = "save"
		return func() tea.Msg {
			err := a.backend.SaveConfig(a.ctx, cfg)
			return opDoneMsg{op: "save", message: "✓ Config saved", err: err}
		}

	case "revert":
		a.cfg = a.backend.LoadConfig()
		a.dirty = false
		a.violations = nil
		a.message = "✓ Reverted to the saved config"
		return nil

	case "help", "?":
		a.message = helpText
		return nil

	case "q", "quit", "exit":
		return tea.Quit

	default:
		a.message = fmt.Sprintf("Unknown: %s (type / to list commands)", cmd)
		return nil
	}
}

// startOp runs fn as a tea command. Only one panel operation runs at a time;
// the backend rejects operations started elsewhere.
func (a *App) startOp(op string, fn func(ctx context.Context) (string, error)) tea.Cmd {
	if a.running != "" {
		a.message = "Error: " + a.running + " is in progress"
		return nil
	}
	a.running = op
	a.message = "◑ " + op + "..."
	return func() tea.Msg {
		msg, err := fn(a.ctx)
		return opDoneMsg{op: op, message: msg, err: err}
	}
}

func (a *App) editCamera(args []string) string {
	if len(args) == 0 {
		return "Usage: camera add <id> <url> | camera rm <id>"
	}
	switch args[0] {
	case "add":
		cam, err := parseCameraAdd(args[1:])
		if err != nil {
			return "Error: " + err.Error()
		}
		if err := a.cfg.AddCamera(cam); err != nil {
			return "Error: " + err.Error()
		}
		a.dirty = true
		return fmt.Sprintf("✓ Added camera %s (type save to write the config)", cam.ID)
	case "rm", "remove":
		if len(args) < 2 {
			return "Usage: camera rm <id>"
		}
		id := strings.TrimPrefix(args[1], "@")
		if !a.cfg.RemoveCamera(id) {
			return fmt.Sprintf("Error: no camera %q", id)
		}
		a.dirty = true
		return fmt.Sprintf("✓ Removed camera %s", id)
	default:
		return "Usage: camera add <id> <url> | camera rm <id>"
	}
}

func (a *App) editMQTT(args []string) string {
	if len(args) == 0 {
		return "Usage: mqtt <host> [port] [user] [password] | mqtt off"
	}
	if args[0] == "off" {
		a.cfg.MQTT.Enabled = false
		a.dirty = true
		return "✓ MQTT disabled"
	}
	m := a.cfg.MQTT
	m.Enabled = true
	m.Host = args[0]
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return "Error: port must be a number"
		}
		m.Port = port
	}
	if len(args) > 2 {
		m.User = args[2]
	}
	if len(args) > 3 {
		m.Password = args[3]
	}
	a.cfg.MQTT = m
	a.dirty = true
	return fmt.Sprintf("✓ MQTT broker set to %s:%d", m.Host, m.Port)
}

// parseCameraAdd reads "<id> <url>" or "<id> --vendor v --host h [--user u]
// [--password p] [--sub]".
func parseCameraAdd(args []string) (recorder.Camera, error) {
	fs := pflag.NewFlagSet("camera add", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	vendor := fs.String("vendor", "", "camera vendor")
	host := fs.String("host", "", "camera address")
	user := fs.String("user", "", "stream user")
	password := fs.String("password", "", "stream password")
	sub := fs.Bool("sub", false, "use the sub stream for detection")
	record := fs.Bool("record", false, "record this camera")
	if err := fs.Parse(args); err != nil {
		return recorder.Camera{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return recorder.Camera{}, errors.New("usage: camera add <id> <url> | camera add <id> --vendor <v> --host <ip>")
	}
	id := rest[0]

	var url string
	switch {
	case len(rest) > 1:
		url = rest[1]
	case *host != "":
		url = recorder.StreamURL(*vendor, *host, *user, *password, *sub)
	default:
		return recorder.Camera{}, errors.New("a stream url or --host is required")
	}

	cam := recorder.NewCamera(id, url)
	if *record {
		cam.Roles = append(cam.Roles, recorder.RoleRecord)
		cam.Record.Enabled = true
	}
	return cam, nil
}

func summarizeInstall(out *installer.Outcome) string {
	var ran, skipped int
	for _, st := range out.Steps {
		switch st.Status {
		case models.StepSucceeded:
			ran++
		case models.StepSkipped:
			skipped++
		}
	}
	return fmt.Sprintf("✓ Install finished: %d step(s) run, %d already satisfied", ran, skipped)
}
