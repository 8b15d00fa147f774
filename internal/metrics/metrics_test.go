package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/connectors/fakeexec"
	"github.com/fentz26/nvrpanel/internal/models"
)

func TestInstrument(t *testing.T) {
	m := New(nil)
	exec := fakeexec.New().
		On("docker compose up", fakeexec.Response{ExitCode: 1}).
		On("git", fakeexec.Response{Err: &connectors.LaunchError{Command: "git", Err: errors.New("not found")}})
	wrapped := m.Instrument(exec)

	ctx := context.Background()
	wrapped.Run(ctx, connectors.Command{Name: "docker", Args: []string{"--version"}})
	wrapped.Run(ctx, connectors.Command{Name: "docker", Args: []string{"compose", "up", "-d"}})
	wrapped.Run(ctx, connectors.Command{Name: "git", Args: []string{"clone"}})

	tests := []struct {
		command string
		outcome string
		want    float64
	}{
		{"docker", "ok", 1},
		{"docker", "exit_nonzero", 1},
		{"git", "launch_error", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.commands.WithLabelValues(tt.command, tt.outcome))
		if got != tt.want {
			t.Errorf("commands{%s,%s} = %v, want %v", tt.command, tt.outcome, got, tt.want)
		}
	}
	if wrapped.Name() != "fakeexec" {
		t.Errorf("Expected wrapped name, got %s", wrapped.Name())
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	exec := fakeexec.New()
	if m.Instrument(exec) != connectors.Executor(exec) {
		t.Error("Nil metrics should return the executor unchanged")
	}
	m.ObserveSnapshot(models.Snapshot{})
	m.ObserveStep(models.StepState{ID: "docker-engine", Status: models.StepFailed})
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveStep(models.StepState{ID: "docker-engine", Status: models.StepSucceeded})
	m.ObserveStep(models.StepState{ID: "docker-engine", Status: models.StepRunning})
	m.ObserveSnapshot(models.Snapshot{
		Phase:     models.Ready(),
		Container: models.ContainerState{Status: models.ContainerRunning},
		Prerequisites: &models.PrerequisiteReport{Capabilities: []models.CapabilityStatus{
			{Name: "docker", Present: true, Compatible: true},
			{Name: "memx-drivers", Present: true, Compatible: false},
		}},
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`nvrpanel_phase{phase="ready"} 1`,
		`nvrpanel_phase{phase="needs_install"} 0`,
		`nvrpanel_container_state{state="running"} 1`,
		`nvrpanel_capability_present{capability="docker"} 1`,
		`nvrpanel_capability_present{capability="memx-drivers"} 0`,
		`nvrpanel_install_steps_total{status="succeeded",step="docker-engine"} 1`,
		`nvrpanel_operation_in_flight 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Missing %q in metrics output", want)
		}
	}
	if strings.Contains(out, `status="running"`) {
		t.Error("Running steps should not be counted")
	}
}
