package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Prober checks that the recorder answers on its HTTP API.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProbe requests the recorder's version endpoint.
type HTTPProbe struct {
	client *resty.Client
	url    string
}

// NewHTTPProbe creates a probe for url with a per-request timeout.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetHeader("Accept", "text/plain, application/json")
	return &HTTPProbe{client: c, url: url}
}

// URL returns the probed address.
func (p *HTTPProbe) URL() string {
	return p.url
}

// Probe succeeds on any 2xx response.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return err
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return fmt.Errorf("GET %s: %s", p.url, resp.Status())
	}
	return nil
}

// HealthCheckError reports a container that never became healthy.
type HealthCheckError struct {
	Attempts    int
	LastStatus  string
	Diagnostics string // container log tail
}

func (e *HealthCheckError) Error() string {
	msg := fmt.Sprintf("container not healthy after %d checks (last status: %s)", e.Attempts, e.LastStatus)
	if e.Diagnostics != "" {
		msg += "\n" + e.Diagnostics
	}
	return msg
}

// engineState is what docker inspect reports for the container.
type engineState struct {
	Exists bool
	Status string // created, running, restarting, exited, paused, dead
	Health string // "", starting, healthy, unhealthy
}

func (s engineState) String() string {
	if !s.Exists {
		return "absent"
	}
	if s.Health == "" {
		return s.Status
	}
	return s.Status + "/" + s.Health
}

func (s engineState) healthy() bool {
	return s.Exists && s.Status == "running" && (s.Health == "" || s.Health == "healthy")
}

// terminal reports a container that will not become healthy without a new start.
func (s engineState) terminal() bool {
	return s.Exists && (s.Status == "exited" || s.Status == "dead")
}

func parseInspect(out string) engineState {
	status, health, _ := strings.Cut(strings.TrimSpace(out), "|")
	return engineState{Exists: true, Status: strings.TrimSpace(status), Health: strings.TrimSpace(health)}
}
