// Package fakeexec provides a scripted connectors.Executor for tests.
package fakeexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
)

// Response is one scripted reply.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	Delay    time.Duration
	// Block waits for cancellation and returns a cancelled error.
	Block bool
}

type rule struct {
	pattern   string
	responses []Response
	next      int
}

// Executor matches each command against registered patterns. The longest
// pattern contained in the command line wins. A rule's last response
// repeats once its sequence is exhausted.
type Executor struct {
	mu       sync.Mutex
	rules    []*rule
	fallback Response
	calls    []connectors.Command
}

// New returns an executor that answers unmatched commands with exit 0.
func New() *Executor {
	return &Executor{}
}

// On scripts the responses for commands containing pattern.
func (f *Executor) On(pattern string, responses ...Response) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	for _, r := range f.rules {
		if r.pattern == pattern {
			r.responses, r.next = responses, 0
			return f
		}
	}
	f.rules = append(f.rules, &rule{pattern: pattern, responses: responses})
	return f
}

// Default sets the reply for unmatched commands.
func (f *Executor) Default(r Response) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = r
	return f
}

// Name returns the executor identifier.
func (f *Executor) Name() string {
	return "fakeexec"
}

// Run records the call and replays the scripted response.
func (f *Executor) Run(ctx context.Context, cmd connectors.Command) (*connectors.Result, error) {
	line := cmd.String()

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	resp := f.fallback
	var best *rule
	for _, r := range f.rules {
		if strings.Contains(line, r.pattern) && (best == nil || len(r.pattern) > len(best.pattern)) {
			best = r
		}
	}
	if best != nil {
		resp = best.responses[best.next]
		if best.next < len(best.responses)-1 {
			best.next++
		}
	}
	f.mu.Unlock()

	if resp.Block {
		<-ctx.Done()
		return nil, fmt.Errorf("%s: %w", line, connectors.ErrCancelled)
	}
	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", line, connectors.ErrCancelled)
		case <-time.After(resp.Delay):
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	if cmd.OnLine != nil {
		for _, l := range splitLines(resp.Stdout) {
			cmd.OnLine(connectors.Stdout, l)
		}
		for _, l := range splitLines(resp.Stderr) {
			cmd.OnLine(connectors.Stderr, l)
		}
	}
	return &connectors.Result{
		Command:  cmd.Name,
		Args:     cmd.Args,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: resp.Delay,
	}, nil
}

// Calls returns every command run so far.
func (f *Executor) Calls() []connectors.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectors.Command(nil), f.calls...)
}

// Count returns how many commands contained pattern.
func (f *Executor) Count(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.String(), pattern) {
			n++
		}
	}
	return n
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
