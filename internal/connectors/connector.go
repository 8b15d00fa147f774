// Package connectors defines the command execution interface for nvrpanel.
package connectors

import (
	"context"
	"strings"
	"time"
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command describes one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration

	// OnLine receives output lines as they are produced. Calls are serialized.
	OnLine func(stream Stream, line string)
}

// String renders the command line for logs and matching.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the result of a command execution. It is never mutated after
// Run returns.
type Result struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit code.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Diagnostics returns the tail of stderr, or stdout when stderr is empty.
func (r *Result) Diagnostics() string {
	if r == nil {
		return ""
	}
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	return Tail(out, 20)
}

// Executor runs external commands. A non-zero exit code is a normal result,
// not an error.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Run executes cmd and waits for it to finish.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Tail returns the last n lines of s.
func Tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
