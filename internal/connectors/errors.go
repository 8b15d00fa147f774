package connectors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

var (
	// ErrCancelled is wrapped by errors from commands killed on cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrNotAllowed is wrapped when an executable is outside the allowlist.
	ErrNotAllowed = errors.New("command not allowed")
)

// LaunchError reports that a process could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Hint suggests a remediation for the user.
func (e *LaunchError) Hint() string {
	switch {
	case errors.Is(e.Err, exec.ErrNotFound):
		return fmt.Sprintf("%q is not installed or not on PATH", e.Command)
	case errors.Is(e.Err, os.ErrPermission):
		return fmt.Sprintf("%q is not executable by the current user", e.Command)
	case errors.Is(e.Err, ErrNotAllowed):
		return "nvrpanel only runs the package, container and service tools it manages"
	default:
		return "check that the host can start processes and retry"
	}
}

// TimeoutError reports a process killed after exceeding its timeout.
// Result carries whatever output was captured before the kill.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Result  *Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCancelled reports whether err came from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
