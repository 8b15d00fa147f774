package main

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fentz26/nvrpanel/internal/controlplane"
	"github.com/fentz26/nvrpanel/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiError is the body of every JSON error returned by the API.
type apiError struct {
	Error string `json:"error"`
}

func newAPIClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiAddr).
		SetTimeout(DefaultClientTimeout).
		SetError(&apiError{})
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode(), e.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// apiGet decodes the response of GET path into out.
func apiGet(path string, out any) error {
	resp, err := newAPIClient().R().SetResult(out).Get(path)
	return checkResponse(resp, err)
}

// apiPost submits an operation and returns the queued job.
func apiPost(path string) (*scheduler.Job, error) {
	var job scheduler.Job
	resp, err := newAPIClient().R().SetResult(&job).Post(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &job, nil
}

// CheckHealth checks if the server is healthy. The parsed payload is
// returned alongside the error on non-200 responses.
func CheckHealth() (*controlplane.HealthResponse, error) {
	var health controlplane.HealthResponse
	resp, err := newAPIClient().R().SetResult(&health).SetError(&health).Get("/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	if resp.IsError() {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode(), resp.String())
	}
	return &health, nil
}
