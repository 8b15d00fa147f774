package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/store"
)

// maxLoggedOutput caps how much of each stream is kept per command.
const maxLoggedOutput = 64 * 1024

// CommandLog wraps an executor and persists every command it runs.
type CommandLog struct {
	inner     connectors.Executor
	store     *store.Store
	sessionID string
	logger    *slog.Logger
}

// NewCommandLog creates a recording executor for one process session.
func NewCommandLog(inner connectors.Executor, s *store.Store, sessionID string, logger *slog.Logger) *CommandLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandLog{inner: inner, store: s, sessionID: sessionID, logger: logger}
}

// Name returns the wrapped executor's name.
func (c *CommandLog) Name() string {
	return c.inner.Name()
}

// Run delegates to the wrapped executor and records the outcome. Recording
// failures are logged and never change the command's result.
func (c *CommandLog) Run(ctx context.Context, cmd connectors.Command) (*connectors.Result, error) {
	started := time.Now().UTC()
	res, err := c.inner.Run(ctx, cmd)

	run := &models.CommandRun{
		SessionID: c.sessionID,
		Command:   cmd.Name,
		Args:      cmd.Args,
		ExitCode:  -1,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if res != nil {
		run.ExitCode = res.ExitCode
		run.Stdout = clip(res.Stdout)
		run.Stderr = clip(res.Stderr)
		run.Duration = res.Duration
	}
	if err != nil {
		run.Error = err.Error()
	}

	// Recording must outlive a cancelled operation context.
	if recErr := c.store.RecordCommand(context.WithoutCancel(ctx), run); recErr != nil {
		c.logger.Warn("failed to record command run", "command", cmd.Name, "error", recErr)
	}
	return res, err
}

func clip(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[len(s)-maxLoggedOutput:]
}
