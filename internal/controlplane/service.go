// Package controlplane provides the HTTP API and service layer for nvrpanel.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/orchestrator"
	"github.com/fentz26/nvrpanel/internal/recorder"
	"github.com/fentz26/nvrpanel/internal/scheduler"
	"github.com/fentz26/nvrpanel/internal/store"
)

// Container operations accepted by SubmitContainer.
const (
	OpStart   = "start"
	OpStop    = "stop"
	OpRestart = "restart"
)

// History is the audit trail returned by the history endpoint.
type History struct {
	Decisions   []models.PDREntry   `json:"decisions"`
	Commands    []models.CommandRun `json:"commands"`
	InstallRuns []models.InstallRun `json:"install_runs"`
}

// Service provides the control plane business logic. Long operations run as
// scheduler jobs so HTTP handlers return immediately.
type Service struct {
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	store  *store.Store
	logger *slog.Logger
}

// NewService creates a new control plane service.
func NewService(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, s *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orch:   orch,
		sched:  sched,
		store:  s,
		logger: logger.With("component", "controlplane"),
	}
}

// --- Status ---

// Status re-derives and returns the snapshot.
func (s *Service) Status(ctx context.Context) (models.Snapshot, error) {
	return s.orch.Status(ctx)
}

// Prerequisites runs a fresh capability check.
func (s *Service) Prerequisites(ctx context.Context) *models.PrerequisiteReport {
	return s.orch.Prerequisites(ctx)
}

// --- Operations ---

// SubmitInstall queues an install run.
func (s *Service) SubmitInstall() (scheduler.Job, error) {
	if err := s.checkIdle(); err != nil {
		return scheduler.Job{}, err
	}
	return s.sched.Submit(scheduler.LaneInstall, "install", func(ctx context.Context) error {
		_, err := s.orch.RunInstall(ctx, nil)
		return err
	})
}

// SubmitContainer queues a container operation.
func (s *Service) SubmitContainer(op string) (scheduler.Job, error) {
	var fn func(context.Context) (models.ContainerState, error)
	switch op {
	case OpStart:
		fn = s.orch.Start
	case OpStop:
		fn = s.orch.Stop
	case OpRestart:
		fn = s.orch.Restart
	default:
		return scheduler.Job{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	if err := s.checkIdle(); err != nil {
		return scheduler.Job{}, err
	}
	return s.sched.Submit(scheduler.LaneLifecycle, "container."+op, func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	})
}

// Cancel cancels every in-flight operation and every queued job.
func (s *Service) Cancel() {
	for _, j := range s.sched.Jobs() {
		if !j.Status.Done() {
			s.sched.Cancel(j.ID)
		}
	}
	s.orch.Cancel()
}

func (s *Service) checkIdle() error {
	if op := s.orch.Snapshot().Operation; op != "" {
		return fmt.Errorf("%w: %s", orchestrator.ErrBusy, op)
	}
	return nil
}

// Job returns a submitted job.
func (s *Service) Job(id string) (scheduler.Job, error) {
	return s.sched.Get(id)
}

// Jobs lists submitted jobs, newest first.
func (s *Service) Jobs() []scheduler.Job {
	return s.sched.Jobs()
}

// --- Config ---

// Config returns the recorder config, or defaults.
func (s *Service) Config() *recorder.Config {
	return s.orch.LoadConfig()
}

// SaveConfig validates and writes the recorder config.
func (s *Service) SaveConfig(ctx context.Context, cfg *recorder.Config) error {
	return s.orch.SaveConfig(ctx, cfg)
}

// Logs returns the recorder's log tail.
func (s *Service) Logs(ctx context.Context, tail int) (string, error) {
	return s.orch.Logs(ctx, tail)
}

// --- History ---

// History returns the most recent audit records.
func (s *Service) History(ctx context.Context, limit int) (*History, error) {
	decisions, err := s.store.ListPDR(limit)
	if err != nil {
		return nil, err
	}
	commands, err := s.store.ListCommandRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListInstallRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &History{Decisions: decisions, Commands: commands, InstallRuns: runs}, nil
}
