// Package lifecycle starts, stops and health-checks the recorder container.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/models"
)

// ErrBusy is returned when another lifecycle operation is in flight.
var ErrBusy = errors.New("lifecycle operation already in progress")

const inspectFormat = "{{.State.Status}}|{{if .State.Health}}{{.State.Health.Status}}{{end}}"

// Options configures a Controller.
type Options struct {
	ComposeFile    string
	Project        string
	Container      string
	WorkDir        string
	HealthAttempts int
	HealthInterval time.Duration
	CommandTimeout time.Duration
	UpTimeout      time.Duration // image pulls can take a while
	LogTail        int

	// Compose is written to ComposeFile before each start when set.
	Compose *ComposeSpec
	// Prober is required to pass in addition to the engine health status.
	Prober Prober
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Project == "" {
		o.Project = "frigate"
	}
	if o.Container == "" {
		o.Container = "frigate"
	}
	if o.HealthAttempts <= 0 {
		o.HealthAttempts = 30
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 2 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * time.Minute
	}
	if o.UpTimeout <= 0 {
		o.UpTimeout = 15 * time.Minute
	}
	if o.LogTail <= 0 {
		o.LogTail = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// CommandError reports an engine command that exited non-zero.
type CommandError struct {
	Op     string
	Result *connectors.Result
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed with exit code %d", e.Op, e.Result.ExitCode)
	if d := e.Result.Diagnostics(); d != "" {
		msg += ": " + d
	}
	return msg
}

// Controller drives the recorder container through
// stopped → starting → running → stopping, with failed as the error state.
// One operation runs at a time; a concurrent call gets ErrBusy.
type Controller struct {
	exec   connectors.Executor
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     models.ContainerState
	busy      bool
	observers []func(models.ContainerState)
}

// NewController creates a controller in the stopped state.
func NewController(exec connectors.Executor, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		exec:   exec,
		opts:   opts,
		logger: opts.Logger.With("component", "lifecycle"),
		state:  models.ContainerState{Status: models.ContainerStopped, Since: time.Now().UTC()},
	}
}

// State returns the current container state.
func (c *Controller) State() models.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether an operation is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// OnChange registers fn to observe every state transition. Observers run on
// the goroutine performing the transition, in registration order.
func (c *Controller) OnChange(fn func(models.ContainerState)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Controller) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) transition(status models.ContainerStatus, reason string) models.ContainerState {
	c.mu.Lock()
	c.state = models.ContainerState{Status: status, Reason: reason, Since: time.Now().UTC()}
	st := c.state
	observers := make([]func(models.ContainerState), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.logger.Info("container state changed", "status", status, "reason", reason)
	for _, fn := range observers {
		fn(st)
	}
	return st
}

// fail moves to failed, using "cancelled" when ctx is done.
func (c *Controller) fail(ctx context.Context, err error) (models.ContainerState, error) {
	if ctx.Err() != nil || connectors.IsCancelled(err) {
		st := c.transition(models.ContainerFailed, "cancelled")
		if !errors.Is(err, connectors.ErrCancelled) {
			err = fmt.Errorf("%w: %v", connectors.ErrCancelled, err)
		}
		return st, err
	}
	return c.transition(models.ContainerFailed, firstLine(err.Error())), err
}

// Start brings the container up and waits for it to become healthy. A
// running container that is already healthy is left alone.
func (c *Controller) Start(ctx context.Context) (models.ContainerState, error) {
	if err := c.acquire(); err != nil {
		return c.State(), err
	}
	defer c.release()
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) (models.ContainerState, error) {
	if c.State().Status == models.ContainerRunning {
		es, err := c.inspect(ctx)
		if err == nil && es.healthy() && c.probeHTTP(ctx) == nil {
			return c.State(), nil
		}
		c.logger.Info("running container is not healthy, starting again", "engine", es.String())
	}

	c.transition(models.ContainerStarting, "")

	if c.opts.Compose != nil && c.opts.ComposeFile != "" {
		written, err := c.opts.Compose.WriteIfChanged(c.opts.ComposeFile)
		if err != nil {
			return c.fail(ctx, err)
		}
		if written {
			c.logger.Info("compose file updated", "path", c.opts.ComposeFile)
		}
	}

	res, err := c.exec.Run(ctx, c.composeCommand(c.opts.UpTimeout, "up", "-d"))
	if err != nil {
		return c.fail(ctx, err)
	}
	if !res.OK() {
		return c.fail(ctx, &CommandError{Op: "compose up", Result: res})
	}

	if err := c.waitHealthy(ctx); err != nil {
		return c.fail(ctx, err)
	}
	return c.transition(models.ContainerRunning, ""), nil
}

// Stop takes the container down. Stopping a stopped or failed controller is a
// no-op that returns the current state.
func (c *Controller) Stop(ctx context.Context) (models.ContainerState, error) {
	if err := c.acquire(); err != nil {
		return c.State(), err
	}
	defer c.release()
	return c.stop(ctx)
}

func (c *Controller) stop(ctx context.Context) (models.ContainerState, error) {
	if st := c.State(); st.Status == models.ContainerStopped || st.Status == models.ContainerFailed {
		return st, nil
	}

	c.transition(models.ContainerStopping, "")
	res, err := c.exec.Run(ctx, c.composeCommand(c.opts.CommandTimeout, "down"))
	if err != nil {
		return c.fail(ctx, err)
	}
	if !res.OK() {
		return c.fail(ctx, &CommandError{Op: "compose down", Result: res})
	}
	return c.transition(models.ContainerStopped, ""), nil
}

// Restart stops then starts the container as one operation. Intermediate
// states are still reported to observers.
func (c *Controller) Restart(ctx context.Context) (models.ContainerState, error) {
	if err := c.acquire(); err != nil {
		return c.State(), err
	}
	defer c.release()

	if st, err := c.stop(ctx); err != nil {
		return st, err
	}
	return c.start(ctx)
}

// Refresh re-derives the state from the engine when no operation is in
// flight, so changes made outside nvrpanel show up. A failed state is kept
// until the container is healthy again.
func (c *Controller) Refresh(ctx context.Context) (models.ContainerState, error) {
	if c.Busy() {
		return c.State(), nil
	}
	es, err := c.inspect(ctx)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	if c.busy {
		st := c.state
		c.mu.Unlock()
		return st, nil
	}
	cur := c.state
	c.mu.Unlock()

	// A failure is only cleared once the engine and the HTTP probe both
	// report the recorder as up.
	if cur.Status == models.ContainerFailed {
		if !es.healthy() || c.probeHTTP(ctx) != nil {
			return cur, nil
		}
		return c.transition(models.ContainerRunning, ""), nil
	}

	var next models.ContainerStatus
	var reason string
	switch {
	case !es.Exists || es.Status != "running" && es.Status != "restarting":
		next = models.ContainerStopped
	case es.Status == "restarting" || es.Health == "starting":
		next = models.ContainerStarting
	case es.Health == "unhealthy":
		next, reason = models.ContainerFailed, "container reports unhealthy"
	default:
		next = models.ContainerRunning
	}
	if next == cur.Status && reason == cur.Reason {
		return cur, nil
	}
	return c.transition(next, reason), nil
}

// Logs returns the last tail lines of the recorder's output.
func (c *Controller) Logs(ctx context.Context, tail int) (string, error) {
	if tail <= 0 {
		tail = c.opts.LogTail
	}
	res, err := c.exec.Run(ctx, c.composeCommand(c.opts.CommandTimeout, "logs", "--no-color", "--tail", strconv.Itoa(tail)))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Op: "compose logs", Result: res}
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += res.Stderr
	}
	return out, nil
}

func (c *Controller) waitHealthy(ctx context.Context) error {
	var last engineState
	lastStatus := "unknown"
	for attempt := 1; attempt <= c.opts.HealthAttempts; attempt++ {
		es, err := c.inspect(ctx)
		switch {
		case err != nil:
			var le *connectors.LaunchError
			if ctx.Err() != nil || errors.As(err, &le) {
				return err
			}
			lastStatus = err.Error()
		case es.terminal():
			return &HealthCheckError{Attempts: attempt, LastStatus: es.String(), Diagnostics: c.diagnostics(ctx)}
		case es.healthy():
			perr := c.probeHTTP(ctx)
			if perr == nil {
				return nil
			}
			lastStatus = es.String() + ", " + perr.Error()
		default:
			lastStatus = es.String()
		}
		last = es

		if attempt == c.opts.HealthAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for container health", connectors.ErrCancelled)
		case <-time.After(c.opts.HealthInterval):
		}
	}
	c.logger.Warn("container did not become healthy", "attempts", c.opts.HealthAttempts, "engine", last.String())
	return &HealthCheckError{Attempts: c.opts.HealthAttempts, LastStatus: lastStatus, Diagnostics: c.diagnostics(ctx)}
}

func (c *Controller) probeHTTP(ctx context.Context) error {
	if c.opts.Prober == nil {
		return nil
	}
	return c.opts.Prober.Probe(ctx)
}

// inspect asks the engine for the container state. A non-zero exit means the
// container does not exist.
func (c *Controller) inspect(ctx context.Context) (engineState, error) {
	res, err := c.exec.Run(ctx, connectors.Command{
		Name:    "docker",
		Args:    []string{"inspect", "--format", inspectFormat, c.opts.Container},
		Dir:     c.opts.WorkDir,
		Timeout: c.opts.CommandTimeout,
	})
	if err != nil {
		return engineState{}, err
	}
	if !res.OK() {
		return engineState{}, nil
	}
	return parseInspect(res.Stdout), nil
}

// diagnostics collects the log tail even when ctx is already cancelled.
func (c *Controller) diagnostics(ctx context.Context) string {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	out, err := c.Logs(dctx, c.opts.LogTail)
	if err != nil {
		return ""
	}
	return connectors.Tail(strings.TrimSpace(out), 20)
}

func (c *Controller) composeCommand(timeout time.Duration, args ...string) connectors.Command {
	base := []string{"compose"}
	if c.opts.ComposeFile != "" {
		base = append(base, "-f", c.opts.ComposeFile)
	}
	base = append(base, "-p", c.opts.Project)
	return connectors.Command{
		Name:    "docker",
		Args:    append(base, args...),
		Dir:     c.opts.WorkDir,
		Timeout: timeout,
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
