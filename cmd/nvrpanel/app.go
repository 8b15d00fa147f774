package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fentz26/nvrpanel/internal/audit"
	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/connectors/localexec"
	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/lifecycle"
	"github.com/fentz26/nvrpanel/internal/metrics"
	"github.com/fentz26/nvrpanel/internal/orchestrator"
	"github.com/fentz26/nvrpanel/internal/prereq"
	"github.com/fentz26/nvrpanel/internal/recorder"
	"github.com/fentz26/nvrpanel/internal/settings"
	"github.com/fentz26/nvrpanel/internal/store"
)

// app is the wired component graph shared by every command.
type app struct {
	settings  *settings.Settings
	store     *store.Store
	pdr       *audit.PDRWriter
	metrics   *metrics.Metrics
	exec      connectors.Executor
	recorder  *recorder.Manager
	lifecycle *lifecycle.Controller
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
	logFile   *os.File
}

// openApp loads settings, opens the state database and wires the
// orchestrator. With logToFile set, logs go to the data directory instead of
// stderr so they don't draw over the panel.
func openApp(logToFile bool) (*app, error) {
	s, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		s.LogLevel = logLevel
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(s.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	a := &app{settings: s}
	var out io.Writer = os.Stderr
	if logToFile {
		f, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		a.logFile = f
		out = f
	}
	a.logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: s.Level()}))
	slog.SetDefault(a.logger)

	st, recovery, err := store.OpenWithRecovery(s.DBPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	a.store = st
	var warnings []string
	if recovery != nil {
		a.logger.Warn("state database was corrupt and has been recreated", "backup", recovery.BackupPath)
		warnings = append(warnings, recovery.Warning())
	}

	a.pdr = audit.NewPDRWriter(st)
	a.metrics = metrics.New(a.logger)

	local := localexec.New(s.RecorderDir, 0)
	a.exec = audit.NewCommandLog(a.metrics.Instrument(local), st, uuid.NewString(), a.logger)

	a.recorder = recorder.NewManager(s.ConfigPath(), a.logger)
	a.lifecycle = a.newLifecycle()

	checker := prereq.NewChecker(a.exec, prereq.Options{
		Requirements: map[string]string{
			prereq.MemxDrivers: s.Install.SDKVersion,
			prereq.MemxAccl:    s.Install.SDKVersion,
		},
		Logger: a.logger,
	})

	steps := installer.DefaultSteps(installer.CatalogConfig{
		Privilege:    s.Privilege,
		SDKVersion:   s.Install.SDKVersion,
		InstallDir:   s.RecorderDir,
		RepoURL:      s.Install.RepoURL,
		Image:        s.Container.Image,
		RecorderVer:  s.Install.RecorderVersion,
		HWAccel:      s.Install.HWAccel,
		Retries:      s.Install.Retries,
		StepTimeout:  s.Install.StepTimeout,
		BuildTimeout: s.Install.BuildTimeout,
	})
	inst := installer.New(a.exec, st, installer.Options{
		BaseDelay: s.Install.BaseDelay,
		MaxDelay:  s.Install.MaxDelay,
		Logger:    a.logger,
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Checker:   checker,
		Installer: inst,
		Store:     st,
		Recorder:  a.recorder,
		Lifecycle: a.lifecycle,
		Audit:     a.pdr,
		Metrics:   a.metrics,
		Steps:     steps,
		Warnings:  warnings,
		Logger:    a.logger,
	})
	return a, nil
}

func (a *app) newLifecycle() *lifecycle.Controller {
	s := a.settings
	devices, err := prereq.GlobDevices()
	if err != nil {
		a.logger.Debug("no accelerator devices found", "error", err)
	}
	compose := lifecycle.DefaultComposeSpec(s.Container.Image, s.Container.Name, filepath.Dir(s.ConfigPath()), devices)
	compose.RTSPPassword = s.Container.RTSPPassword

	var prober lifecycle.Prober
	if s.Container.HealthURL != "" {
		prober = lifecycle.NewHTTPProbe(s.Container.HealthURL, s.Container.ProbeTimeout)
	}
	return lifecycle.NewController(a.exec, lifecycle.Options{
		ComposeFile:    s.ComposeFile(),
		Project:        s.Container.Project,
		Container:      s.Container.Name,
		WorkDir:        s.RecorderDir,
		HealthAttempts: s.Container.HealthAttempts,
		HealthInterval: s.Container.HealthInterval,
		CommandTimeout: s.Container.CommandTimeout,
		UpTimeout:      s.Container.UpTimeout,
		Compose:        compose,
		Prober:         prober,
		Logger:         a.logger,
	})
}

// Close releases the database and log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing state database", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
