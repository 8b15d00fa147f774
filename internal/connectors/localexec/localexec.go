// Package localexec provides a host command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
)

// DefaultTimeout bounds commands that don't set their own timeout.
const DefaultTimeout = 10 * time.Minute

// WaitDelay bounds how long output is drained after the process exits or is
// killed. Background children that inherited stdout can hold it open forever.
const WaitDelay = 5 * time.Second

// allowedCommands is the strict allowlist of executables nvrpanel manages.
var allowedCommands = map[string]bool{
	"apt-get":      true,
	"apt-mark":     true,
	"bash":         true,
	"docker":       true,
	"dpkg":         true,
	"dpkg-query":   true,
	"git":          true,
	"groupadd":     true,
	"id":           true,
	"mx_arm_setup": true,
	"systemctl":    true,
	"uname":        true,
	"usermod":      true,
}

// privilegeWrappers run another allowlisted command with elevated rights.
var privilegeWrappers = map[string]bool{
	"sudo":   true,
	"pkexec": true,
}

// LocalExec implements connectors.Executor on the local host.
type LocalExec struct {
	workDir        string
	defaultTimeout time.Duration
	waitDelay      time.Duration
	extra          map[string]bool
}

// New creates a new LocalExec executor.
func New(workDir string, defaultTimeout time.Duration) *LocalExec {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &LocalExec{
		workDir:        workDir,
		defaultTimeout: defaultTimeout,
		waitDelay:      WaitDelay,
		extra:          make(map[string]bool),
	}
}

// Allow adds an executable to this executor's allowlist.
func (l *LocalExec) Allow(name string) {
	l.extra[name] = true
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist. Privilege wrappers are
// allowed when the command they wrap is.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if l.extra[cmd] || allowedCommands[filepath.Base(cmd)] {
		return true
	}
	if !privilegeWrappers[filepath.Base(cmd)] {
		return false
	}
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return l.IsAllowed(a, args[i+1:])
	}
	return false
}

// Run executes cmd, streaming its output to cmd.OnLine. The process runs in
// its own process group so timeouts and cancellation kill its children too.
func (l *LocalExec) Run(ctx context.Context, c connectors.Command) (*connectors.Result, error) {
	if !l.IsAllowed(c.Name, c.Args) {
		return nil, &connectors.LaunchError{Command: c.String(), Err: connectors.ErrNotAllowed}
	}

	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, &connectors.LaunchError{Command: c.Name, Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.Command(path, c.Args...)
	execCmd.Dir = l.workDir
	if c.Dir != "" {
		execCmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		execCmd.Env = append(os.Environ(), c.Env...)
	}
	execCmd.WaitDelay = l.waitDelay
	setProcessGroup(execCmd)

	var emit func(connectors.Stream, string)
	if c.OnLine != nil {
		var mu sync.Mutex
		emit = func(s connectors.Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			c.OnLine(s, line)
		}
	}
	stdout := &lineWriter{stream: connectors.Stdout, emit: emit}
	stderr := &lineWriter{stream: connectors.Stderr, emit: emit}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	start := time.Now()
	if err := execCmd.Start(); err != nil {
		return nil, &connectors.LaunchError{Command: c.Name, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- execCmd.Wait()
	}()

	result := func(code int) *connectors.Result {
		stdout.flush()
		stderr.flush()
		return &connectors.Result{
			Command:  c.Name,
			Args:     c.Args,
			ExitCode: code,
			Stdout:   stdout.buf.String(),
			Stderr:   stderr.buf.String(),
			Duration: time.Since(start),
		}
	}

	var waitErr error
	select {
	case <-runCtx.Done():
		killProcessGroup(execCmd)
		<-done
		partial := result(-1)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.String(), connectors.ErrCancelled)
		}
		return nil, &connectors.TimeoutError{Command: c.String(), Timeout: timeout, Result: partial}
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	return result(exitCode), nil
}

// lineWriter captures a stream and forwards complete lines to emit.
type lineWriter struct {
	stream  connectors.Stream
	emit    func(connectors.Stream, string)
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.emit == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.stream, strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.emit != nil && len(w.partial) > 0 {
		w.emit(w.stream, strings.TrimRight(string(w.partial), "\r"))
	}
	w.partial = nil
}
