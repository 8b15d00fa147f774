// Package orchestrator composes prerequisite checks, installation, recorder
// configuration and container lifecycle into the install, configure and
// launch workflow. It is the only entry point for the panel, the CLI and the
// HTTP API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/nvrpanel/internal/audit"
	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/lifecycle"
	"github.com/fentz26/nvrpanel/internal/metrics"
	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/prereq"
	"github.com/fentz26/nvrpanel/internal/recorder"
	"github.com/fentz26/nvrpanel/internal/store"
)

var (
	// ErrBusy is returned when a conflicting operation is in flight.
	ErrBusy = errors.New("another operation is in progress")
	// ErrPhaseOrder is returned when an operation is not offered in the
	// current phase.
	ErrPhaseOrder = errors.New("operation not allowed in the current phase")
)

// PhaseError reports an operation refused because of the workflow phase.
type PhaseError struct {
	Op    string
	Phase models.Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s is not available: %s", e.Op, e.Phase.Label())
}

func (e *PhaseError) Unwrap() error { return ErrPhaseOrder }

// Lock resources shared between nvrpanel processes.
const (
	resourceInstall   = "install"
	resourceLifecycle = "lifecycle"
)

// Checker produces prerequisite reports.
type Checker interface {
	Check(ctx context.Context) *models.PrerequisiteReport
}

// Store persists install state and cross-process locks.
type Store interface {
	installer.StateStore
	ResetInstallState(ctx context.Context) error
	AcquireLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*models.Lock, error)
	RenewLock(ctx context.Context, lockID string, ttl time.Duration) error
	GetLock(ctx context.Context, resourceID string) (*models.Lock, error)
	ReleaseLock(ctx context.Context, lockID string) error
}

// Config wires an Orchestrator.
type Config struct {
	Checker   Checker
	Installer *installer.Installer
	Store     Store
	Recorder  *recorder.Manager
	Lifecycle *lifecycle.Controller
	Audit     *audit.PDRWriter
	Metrics   *metrics.Metrics
	Steps     []installer.Step

	// RequiredCapabilities must be present before installation counts as
	// complete. Defaults to docker and docker-compose.
	RequiredCapabilities []string
	LockTTL              time.Duration
	// Warnings are shown on every snapshot, e.g. a store recovery notice.
	Warnings []string
	Logger   *slog.Logger
}

type subscriber struct {
	id int
	fn func(models.Snapshot)
}

// Orchestrator owns the workflow snapshot. All methods are safe for
// concurrent use; at most one install and one lifecycle operation run at a
// time and never together.
type Orchestrator struct {
	cfg      Config
	stepIDs  []string
	holderID string
	logger   *slog.Logger

	mu         sync.Mutex
	snap       models.Snapshot
	installing bool
	progress   []models.StepState
	cancels    map[int]context.CancelFunc
	nextCancel int
	subs       []subscriber
	nextSub    int
	configWarn string
	notice     string

	pubMu sync.Mutex
}

// New creates an orchestrator. Call Status to derive the first phase.
func New(cfg Config) *Orchestrator {
	if len(cfg.RequiredCapabilities) == 0 {
		cfg.RequiredCapabilities = []string{prereq.Docker, prereq.DockerCompose}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		stepIDs:  installer.StepIDs(cfg.Steps),
		holderID: uuid.New().String(),
		logger:   logger.With("component", "orchestrator"),
		cancels:  make(map[int]context.CancelFunc),
	}
	o.snap = models.Snapshot{
		Phase:      models.NeedsInstall(o.stepIDs),
		Container:  cfg.Lifecycle.State(),
		ConfigPath: cfg.Recorder.Path(),
		Warnings:   append([]string(nil), cfg.Warnings...),
		UpdatedAt:  time.Now().UTC(),
	}
	cfg.Lifecycle.OnChange(func(st models.ContainerState) {
		o.mu.Lock()
		o.snap.Container = st
		o.mu.Unlock()
		o.publish()
	})
	return o
}

// Snapshot returns a copy of the latest snapshot.
func (o *Orchestrator) Snapshot() models.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Clone()
}

// Subscribe registers fn to receive every published snapshot, in order.
// fn must not call methods that publish. The returned function removes the
// subscription.
func (o *Orchestrator) Subscribe(fn func(models.Snapshot)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// publish delivers the current snapshot to metrics and subscribers.
// Deliveries are serialized so subscribers never see snapshots out of order.
func (o *Orchestrator) publish() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	o.snap.UpdatedAt = time.Now().UTC()
	snap := o.snap.Clone()
	subs := append([]subscriber(nil), o.subs...)
	o.mu.Unlock()

	o.cfg.Metrics.ObserveSnapshot(snap)
	for _, s := range subs {
		s.fn(snap)
	}
}

// Prerequisites runs a fresh capability check.
func (o *Orchestrator) Prerequisites(ctx context.Context) *models.PrerequisiteReport {
	report := o.cfg.Checker.Check(ctx)
	o.mu.Lock()
	o.snap.Prerequisites = report.Clone()
	o.mu.Unlock()
	o.publish()
	return report
}

// Status re-derives the phase from the host, the persisted install state,
// the config file and the container engine, then publishes the result.
func (o *Orchestrator) Status(ctx context.Context) (models.Snapshot, error) {
	phase, report, install, err := o.derive(ctx)
	if err != nil {
		return o.Snapshot(), err
	}

	if phase.Kind == models.PhaseReady {
		if _, err := o.cfg.Lifecycle.Refresh(ctx); err != nil {
			o.logger.Warn("could not refresh container state", "error", err)
		}
	}

	o.mu.Lock()
	o.snap.Phase = phase
	o.snap.Prerequisites = report
	o.snap.Install = install
	o.snap.Container = o.cfg.Lifecycle.State()
	o.snap.Warnings = o.warningsLocked()
	o.mu.Unlock()
	o.publish()
	return o.Snapshot(), nil
}

// derive computes the phase without touching the snapshot.
func (o *Orchestrator) derive(ctx context.Context) (models.Phase, *models.PrerequisiteReport, *models.InstallationState, error) {
	report := o.cfg.Checker.Check(ctx)
	install, err := o.cfg.Store.LoadInstallState(ctx)
	if err != nil {
		return models.Phase{}, report, nil, fmt.Errorf("loading install state: %w", err)
	}

	o.mu.Lock()
	installing, progress := o.installing, o.progress
	o.mu.Unlock()
	if installing {
		return models.Installing(progress), report, install, nil
	}

	pending := install.Pending(o.stepIDs)
	for _, name := range report.Missing(o.cfg.RequiredCapabilities...) {
		if !contains(pending, name) {
			pending = append(pending, name)
		}
	}
	if len(pending) > 0 {
		return models.NeedsInstall(pending), report, install, nil
	}

	cfg, err := o.cfg.Recorder.Load()
	o.mu.Lock()
	o.configWarn = ""
	o.mu.Unlock()
	switch {
	case errors.Is(err, recorder.ErrNotFound):
		return models.NeedsConfig(), report, install, nil
	case err != nil:
		o.mu.Lock()
		o.configWarn = "recorder config could not be read, editing starts from defaults: " + err.Error()
		o.mu.Unlock()
		return models.Configuring([]string{err.Error()}), report, install, nil
	}

	if res := recorder.Validate(cfg); !res.OK() {
		issues := make([]string, len(res.Violations))
		for i, v := range res.Violations {
			issues[i] = v.Error()
		}
		return models.Configuring(issues), report, install, nil
	}
	return models.Ready(), report, install, nil
}

func (o *Orchestrator) warningsLocked() []string {
	out := append([]string(nil), o.cfg.Warnings...)
	if o.configWarn != "" {
		out = append(out, o.configWarn)
	}
	if o.notice != "" {
		out = append(out, o.notice)
	}
	return out
}

// RunInstall runs the step catalog. onProgress may be nil.
func (o *Orchestrator) RunInstall(ctx context.Context, onProgress installer.ProgressFunc) (*installer.Outcome, error) {
	ctx, done, err := o.begin(ctx, resourceInstall, "install")
	if err != nil {
		return nil, err
	}
	defer done()

	o.mu.Lock()
	o.installing = true
	o.progress = nil
	o.snap.Phase = models.Installing(nil)
	o.snap.LastError = ""
	o.mu.Unlock()
	o.publish()

	out, runErr := o.cfg.Installer.Install(ctx, o.cfg.Steps, func(p installer.Progress) {
		if p.Line == "" {
			o.mu.Lock()
			o.progress = p.Steps
			o.snap.Phase = models.Installing(p.Steps)
			o.mu.Unlock()
			for _, st := range p.Steps {
				if st.ID == p.StepID {
					o.cfg.Metrics.ObserveStep(st)
				}
			}
			o.publish()
		}
		if onProgress != nil {
			onProgress(p)
		}
	})

	o.mu.Lock()
	o.installing = false
	o.progress = nil
	o.mu.Unlock()

	outcome, runID, failed := "error", "", ""
	if out != nil {
		outcome, runID, failed = out.Result, out.RunID, out.FailedStep
	}
	o.cfg.Audit.Record("install.run", o.stepIDs, outcome, runID, failed)
	o.finish(ctx, runErr)
	return out, runErr
}

// ResetInstall forgets persisted step results so the next install re-checks
// and re-runs everything.
func (o *Orchestrator) ResetInstall(ctx context.Context) error {
	ctx, done, err := o.begin(ctx, resourceInstall, "install.reset")
	if err != nil {
		return err
	}
	defer done()
	if err := o.cfg.Store.ResetInstallState(ctx); err != nil {
		return err
	}
	o.cfg.Audit.Record("install.reset", nil, "success", "", "")
	return nil
}

// LoadConfig returns the recorder config, or defaults when the file is
// missing or unreadable. An unreadable file adds a snapshot warning.
func (o *Orchestrator) LoadConfig() *recorder.Config {
	cfg, warning := o.cfg.Recorder.LoadOrDefault()
	o.mu.Lock()
	changed := o.configWarn != warning
	o.configWarn = warning
	if changed {
		o.snap.Warnings = o.warningsLocked()
	}
	o.mu.Unlock()
	if changed {
		o.publish()
	}
	return cfg
}

// SaveConfig validates and writes cfg. It is refused until installation is
// complete and fails with *recorder.ValidationError listing every violation.
func (o *Orchestrator) SaveConfig(ctx context.Context, cfg *recorder.Config) error {
	phase, _, _, err := o.derive(ctx)
	if err != nil {
		return err
	}
	if !phase.Installed() {
		return &PhaseError{Op: "saving the configuration", Phase: phase}
	}

	saveErr := o.cfg.Recorder.Save(cfg)
	outcome := "success"
	if saveErr != nil {
		outcome = "rejected"
	}
	o.cfg.Audit.Record("config.save", cfg, outcome, o.cfg.Recorder.Path(), errString(saveErr))
	if saveErr != nil {
		return saveErr
	}

	o.mu.Lock()
	if o.cfg.Lifecycle.State().Status == models.ContainerRunning {
		o.notice = "configuration saved, restart the recorder to apply it"
	}
	o.mu.Unlock()
	_, err = o.Status(ctx)
	return err
}

// Start launches the recorder. It requires the ready phase.
func (o *Orchestrator) Start(ctx context.Context) (models.ContainerState, error) {
	return o.runLifecycle(ctx, "start", true, o.refreshed("start", o.cfg.Lifecycle.Start))
}

// Restart stops then starts the recorder. It requires the ready phase.
func (o *Orchestrator) Restart(ctx context.Context) (models.ContainerState, error) {
	return o.runLifecycle(ctx, "restart", true, o.refreshed("restart", o.cfg.Lifecycle.Restart))
}

// Stop takes the recorder down. It is allowed in every phase.
func (o *Orchestrator) Stop(ctx context.Context) (models.ContainerState, error) {
	return o.runLifecycle(ctx, "stop", false, o.refreshed("stop", o.cfg.Lifecycle.Stop))
}

// refreshed re-reads the engine state before fn. The container may have been
// started or stopped by another process since the controller last looked.
func (o *Orchestrator) refreshed(op string, fn func(context.Context) (models.ContainerState, error)) func(context.Context) (models.ContainerState, error) {
	return func(ctx context.Context) (models.ContainerState, error) {
		if _, err := o.cfg.Lifecycle.Refresh(ctx); err != nil {
			o.logger.Warn("could not refresh container state", "op", op, "error", err)
		}
		return fn(ctx)
	}
}

// Logs returns the recorder's log tail.
func (o *Orchestrator) Logs(ctx context.Context, tail int) (string, error) {
	return o.cfg.Lifecycle.Logs(ctx, tail)
}

// Cancel cancels every in-flight operation.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, c := range o.cancels {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		o.logger.Info("cancellation requested", "operations", len(cancels))
	}
}

func (o *Orchestrator) runLifecycle(ctx context.Context, op string, needReady bool, fn func(context.Context) (models.ContainerState, error)) (models.ContainerState, error) {
	if needReady {
		phase, _, _, err := o.derive(ctx)
		if err != nil {
			return o.cfg.Lifecycle.State(), err
		}
		if phase.Kind != models.PhaseReady {
			return o.cfg.Lifecycle.State(), &PhaseError{Op: op, Phase: phase}
		}
	}

	ctx, done, err := o.begin(ctx, resourceLifecycle, op)
	if err != nil {
		return o.cfg.Lifecycle.State(), err
	}
	defer done()

	o.mu.Lock()
	o.snap.LastError = ""
	o.notice = ""
	o.snap.Warnings = o.warningsLocked()
	o.mu.Unlock()
	o.publish()

	st, opErr := fn(ctx)
	if errors.Is(opErr, lifecycle.ErrBusy) {
		opErr = fmt.Errorf("%w: %v", ErrBusy, opErr)
	}
	o.cfg.Audit.Record("container."+op, map[string]string{"op": op}, string(st.Status), "", errString(opErr))
	o.finish(ctx, opErr)
	return st, opErr
}

// begin reserves the in-process slot and the cross-process lock for an
// operation. The returned context is cancelled by Cancel; done releases
// everything.
func (o *Orchestrator) begin(ctx context.Context, resource, op string) (context.Context, func(), error) {
	o.mu.Lock()
	if current := o.snap.Operation; current != "" {
		o.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, current)
	}
	o.snap.Operation = op
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		o.snap.Operation = ""
		o.mu.Unlock()
	}

	lock, err := o.acquire(ctx, resource)
	if err != nil {
		release()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	id := o.nextCancel
	o.nextCancel++
	o.cancels[id] = cancel
	o.mu.Unlock()

	stopRenew := o.renew(ctx, lock)
	o.logger.Info("operation started", "op", op)

	return ctx, func() {
		stopRenew()
		cancel()
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
		if err := o.cfg.Store.ReleaseLock(context.Background(), lock.ID); err != nil {
			o.logger.Warn("failed to release lock", "resource", resource, "error", err)
		}
		release()
		o.publish()
		o.logger.Info("operation finished", "op", op)
	}, nil
}

// acquire takes resource's lock and checks that no other process holds the
// conflicting one.
func (o *Orchestrator) acquire(ctx context.Context, resource string) (*models.Lock, error) {
	other := resourceLifecycle
	if resource == resourceLifecycle {
		other = resourceInstall
	}
	if held, err := o.cfg.Store.GetLock(ctx, other); err != nil {
		return nil, err
	} else if held != nil && held.HolderID != o.holderID {
		return nil, fmt.Errorf("%w: %s is running in another nvrpanel process", ErrBusy, other)
	}

	lock, err := o.cfg.Store.AcquireLock(ctx, resource, o.holderID, o.cfg.LockTTL)
	if errors.Is(err, store.ErrResourceLocked) {
		return nil, fmt.Errorf("%w: %s is running in another nvrpanel process", ErrBusy, resource)
	}
	return lock, err
}

// renew extends lock until the returned function is called.
func (o *Orchestrator) renew(ctx context.Context, lock *models.Lock) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.cfg.Store.RenewLock(context.WithoutCancel(ctx), lock.ID, o.cfg.LockTTL); err != nil {
					o.logger.Warn("failed to renew lock", "resource", lock.ResourceID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// finish records the outcome of an operation and re-derives the phase.
func (o *Orchestrator) finish(ctx context.Context, opErr error) {
	o.mu.Lock()
	o.snap.LastError = errString(opErr)
	o.mu.Unlock()
	if _, err := o.Status(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("status refresh after operation failed", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
