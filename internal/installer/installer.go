// Package installer runs the resumable, step-by-step host installation.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/models"
)

// CheckFunc reports whether a step's effect is already present on the host.
type CheckFunc func(ctx context.Context, exec connectors.Executor) (bool, error)

// Step is one unit of installation. Steps run in declared order and later
// steps may rely on earlier ones having succeeded.
type Step struct {
	ID    string
	Label string
	// Check is the idempotency predicate. A nil Check cannot be verified, so a
	// persisted success is trusted.
	Check CheckFunc
	// Prepare runs before the commands on every attempt.
	Prepare  func(ctx context.Context) error
	Commands []connectors.Command
	// Timeout applies to commands that don't set their own.
	Timeout time.Duration
	// Retries is the number of additional attempts after a transient failure.
	Retries int
}

// StepIDs returns the ids of steps in order.
func StepIDs(steps []Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// StateStore persists step state between runs.
type StateStore interface {
	LoadInstallState(ctx context.Context) (*models.InstallationState, error)
	SaveStepState(ctx context.Context, runID string, position int, st models.StepState) error
	BeginInstallRun(ctx context.Context) (*models.InstallRun, error)
	FinishInstallRun(ctx context.Context, id, outcome, failedStep string) error
}

// Progress is delivered after every transition and for every output line.
// Steps is always the full table.
type Progress struct {
	RunID  string
	Steps  []models.StepState
	StepID string
	Line   string
}

// ProgressFunc receives progress. Transitions are reported on the installer
// goroutine; output lines come from the executor, one at a time.
type ProgressFunc func(Progress)

// Run outcomes recorded for each installer run.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Outcome summarizes one run.
type Outcome struct {
	RunID      string
	Result     string
	FailedStep string
	Steps      []models.StepState
}

// ExitError reports a step command that exited non-zero.
type ExitError struct {
	Command string
	Result  *connectors.Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Result.ExitCode)
}

// StepError reports a step that failed terminally.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
	Output   string // diagnostic tail of the last attempt
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Options configures an Installer.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *slog.Logger
}

// Installer executes step sequences. One Install call runs at a time.
type Installer struct {
	exec   connectors.Executor
	store  StateStore
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates an installer. store may be nil, in which case nothing is
// persisted and every run starts fresh.
func New(exec connectors.Executor, store StateStore, opts Options) *Installer {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 8 * time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{exec: exec, store: store, opts: opts, logger: logger.With("component", "installer")}
}

// run is the mutable state of one Install call.
type run struct {
	id       string
	table    []models.StepState
	progress ProgressFunc
}

func (r *run) emit(stepID, line string) {
	if r.progress == nil {
		return
	}
	steps := make([]models.StepState, len(r.table))
	copy(steps, r.table)
	r.progress(Progress{RunID: r.id, Steps: steps, StepID: stepID, Line: line})
}

// Install walks steps in order. Satisfied steps are skipped without running
// their commands, and the first terminal failure halts the run leaving later
// steps pending. The returned error is a *StepError for step failures.
func (in *Installer) Install(ctx context.Context, steps []Step, onProgress ProgressFunc) (*Outcome, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	prev := &models.InstallationState{}
	r := &run{id: uuid.New().String(), progress: onProgress}
	if in.store != nil {
		state, err := in.store.LoadInstallState(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading install state: %w", err)
		}
		prev = state
		rec, err := in.store.BeginInstallRun(ctx)
		if err != nil {
			return nil, err
		}
		r.id = rec.ID
	}

	now := time.Now().UTC()
	r.table = make([]models.StepState, len(steps))
	for i, s := range steps {
		r.table[i] = models.StepState{ID: s.ID, Label: s.Label, Status: models.StepPending, UpdatedAt: now}
	}
	r.emit("", "")
	in.logger.Info("install started", "run_id", r.id, "steps", len(steps))

	out := &Outcome{RunID: r.id, Result: OutcomeSucceeded}
	var runErr error
	for i, step := range steps {
		if err := in.runStep(ctx, r, i, step, prev); err != nil {
			out.FailedStep = step.ID
			out.Result = OutcomeFailed
			if connectors.IsCancelled(err) {
				out.Result = OutcomeCancelled
			}
			runErr = err
			break
		}
	}
	out.Steps = append([]models.StepState(nil), r.table...)

	if in.store != nil {
		if err := in.store.FinishInstallRun(context.WithoutCancel(ctx), r.id, out.Result, out.FailedStep); err != nil {
			in.logger.Error("failed to record install run", "run_id", r.id, "error", err)
		}
	}
	in.logger.Info("install finished", "run_id", r.id, "outcome", out.Result, "failed_step", out.FailedStep)
	return out, runErr
}

func (in *Installer) runStep(ctx context.Context, r *run, pos int, step Step, prev *models.InstallationState) error {
	if err := ctx.Err(); err != nil {
		return in.failStep(ctx, r, pos, 0, fmt.Errorf("%w: %v", connectors.ErrCancelled, err), "")
	}

	prior, hadPrior := prev.Step(step.ID)
	satisfied := false
	switch {
	case step.Check != nil:
		ok, err := step.Check(ctx, in.exec)
		if err != nil {
			if ctx.Err() != nil || connectors.IsCancelled(err) {
				return in.failStep(ctx, r, pos, 0, cancelled(err), "")
			}
			in.logger.Warn("idempotency check failed, running step", "step", step.ID, "error", err)
		}
		satisfied = ok && err == nil
	case hadPrior && prior.Status.Done():
		satisfied = true
	}

	if satisfied {
		status := models.StepSkipped
		if hadPrior && prior.Status == models.StepSucceeded {
			status = models.StepSucceeded
		}
		r.table[pos].Status = status
		in.update(ctx, r, pos)
		in.logger.Info("step already satisfied", "step", step.ID, "status", status)
		return nil
	}

	for attempt := 1; ; attempt++ {
		r.table[pos].Status = models.StepRunning
		r.table[pos].Attempts = attempt
		in.update(ctx, r, pos)

		output, err := in.attempt(ctx, r, step)
		if err == nil {
			r.table[pos].Status = models.StepSucceeded
			r.table[pos].Error = ""
			r.table[pos].Output = output
			in.update(ctx, r, pos)
			in.logger.Info("step succeeded", "step", step.ID, "attempts", attempt)
			return nil
		}

		if ctx.Err() != nil || connectors.IsCancelled(err) {
			return in.failStep(ctx, r, pos, attempt, cancelled(err), output)
		}
		if !retryable(err) || attempt > step.Retries {
			return in.failStep(ctx, r, pos, attempt, err, output)
		}

		delay := backoff(in.opts.BaseDelay, in.opts.MaxDelay, attempt)
		in.logger.Warn("step attempt failed, retrying", "step", step.ID, "attempt", attempt, "delay", delay, "error", err)
		r.table[pos].Error = err.Error()
		r.table[pos].Output = output
		in.update(ctx, r, pos)

		select {
		case <-ctx.Done():
			return in.failStep(ctx, r, pos, attempt, cancelled(ctx.Err()), output)
		case <-time.After(delay):
		}
	}
}

// attempt runs Prepare and the step's commands once, returning the
// diagnostic tail of the last command.
func (in *Installer) attempt(ctx context.Context, r *run, step Step) (string, error) {
	if step.Prepare != nil {
		if err := step.Prepare(ctx); err != nil {
			return "", err
		}
	}
	var output string
	for _, cmd := range step.Commands {
		if cmd.Timeout <= 0 {
			cmd.Timeout = step.Timeout
		}
		inner := cmd.OnLine
		cmd.OnLine = func(stream connectors.Stream, line string) {
			if inner != nil {
				inner(stream, line)
			}
			r.emit(step.ID, line)
		}

		res, err := in.exec.Run(ctx, cmd)
		if err != nil {
			var te *connectors.TimeoutError
			var le *connectors.LaunchError
			switch {
			case errors.As(err, &te):
				output = te.Result.Diagnostics()
			case errors.As(err, &le):
				output = le.Hint()
			}
			return output, err
		}
		output = res.Diagnostics()
		if !res.OK() {
			return output, &ExitError{Command: cmd.String(), Result: res}
		}
	}
	return output, nil
}

func (in *Installer) failStep(ctx context.Context, r *run, pos, attempts int, err error, output string) error {
	st := &r.table[pos]
	st.Status = models.StepFailed
	st.Error = err.Error()
	if errors.Is(err, connectors.ErrCancelled) {
		st.Error = "cancelled"
	}
	st.Output = output
	if attempts > 0 {
		st.Attempts = attempts
	}
	in.update(ctx, r, pos)
	in.logger.Error("step failed", "step", st.ID, "attempts", st.Attempts, "error", err)
	return &StepError{StepID: st.ID, Attempts: st.Attempts, Err: err, Output: output}
}

// update persists and reports one transition. Persistence survives
// cancellation so a cancelled step is recorded as failed.
func (in *Installer) update(ctx context.Context, r *run, pos int) {
	r.table[pos].UpdatedAt = time.Now().UTC()
	if in.store != nil {
		if err := in.store.SaveStepState(context.WithoutCancel(ctx), r.id, pos, r.table[pos]); err != nil {
			in.logger.Error("failed to persist step state", "step", r.table[pos].ID, "error", err)
		}
	}
	r.emit(r.table[pos].ID, "")
}

func retryable(err error) bool {
	var exitErr *ExitError
	return connectors.IsTransient(err) || errors.As(err, &exitErr)
}

func cancelled(err error) error {
	if errors.Is(err, connectors.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %v", connectors.ErrCancelled, err)
}

// backoff returns base·2^(attempt-1), capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

func validateSteps(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true
		if len(s.Commands) == 0 && s.Prepare == nil {
			return fmt.Errorf("step %q has nothing to run", id)
		}
	}
	return nil
}
