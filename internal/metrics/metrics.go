// Package metrics exposes Prometheus metrics for nvrpanel.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/models"
)

var (
	phaseDesc = prometheus.NewDesc(
		"nvrpanel_phase", "Current workflow phase (1 for the active phase).", []string{"phase"}, nil,
	)
	containerDesc = prometheus.NewDesc(
		"nvrpanel_container_state", "Recorder container state (1 for the active state).", []string{"state"}, nil,
	)
	capabilityDesc = prometheus.NewDesc(
		"nvrpanel_capability_present", "Host capability present and compatible at the last check.", []string{"capability"}, nil,
	)
	operationDesc = prometheus.NewDesc(
		"nvrpanel_operation_in_flight", "Whether an install or lifecycle operation is running.", nil, nil,
	)
)

var (
	allPhases = []models.PhaseKind{
		models.PhaseNeedsInstall, models.PhaseInstalling, models.PhaseNeedsConfig,
		models.PhaseConfiguring, models.PhaseReady,
	}
	allContainerStates = []models.ContainerStatus{
		models.ContainerStopped, models.ContainerStarting, models.ContainerRunning,
		models.ContainerStopping, models.ContainerFailed,
	}
)

// Metrics holds the nvrpanel registry. A nil *Metrics ignores observations.
type Metrics struct {
	registry        *prometheus.Registry
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	logger          *slog.Logger

	mu   sync.Mutex
	last *models.Snapshot
}

// New creates a registry with the nvrpanel collectors registered.
func New(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvrpanel_commands_total",
			Help: "External commands run, by executable and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nvrpanel_command_duration_seconds",
			Help:    "Wall time of external commands.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
		}, []string{"command"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvrpanel_install_steps_total",
			Help: "Install step outcomes.",
		}, []string{"step", "status"}),
		logger: logger.With("component", "metrics"),
	}
	m.registry.MustRegister(m.commands, m.commandDuration, m.steps, snapshotCollector{m})
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(m.logger.Handler(), slog.LevelError),
	})
}

// ObserveSnapshot records the latest orchestrator snapshot.
func (m *Metrics) ObserveSnapshot(s models.Snapshot) {
	if m == nil {
		return
	}
	c := s.Clone()
	m.mu.Lock()
	m.last = &c
	m.mu.Unlock()
}

// ObserveStep counts a finished install step.
func (m *Metrics) ObserveStep(st models.StepState) {
	if m == nil {
		return
	}
	if st.Status == models.StepPending || st.Status == models.StepRunning {
		return
	}
	m.steps.WithLabelValues(st.ID, string(st.Status)).Inc()
}

// Instrument wraps exec so that every command is counted and timed.
func (m *Metrics) Instrument(exec connectors.Executor) connectors.Executor {
	if m == nil {
		return exec
	}
	return &instrumented{inner: exec, m: m}
}

type instrumented struct {
	inner connectors.Executor
	m     *Metrics
}

func (i *instrumented) Name() string {
	return i.inner.Name()
}

func (i *instrumented) Run(ctx context.Context, cmd connectors.Command) (*connectors.Result, error) {
	timer := prometheus.NewTimer(i.m.commandDuration.WithLabelValues(cmd.Name))
	res, err := i.inner.Run(ctx, cmd)
	timer.ObserveDuration()
	i.m.commands.WithLabelValues(cmd.Name, outcome(res, err)).Inc()
	return res, err
}

func outcome(res *connectors.Result, err error) string {
	var launch *connectors.LaunchError
	var timeout *connectors.TimeoutError
	switch {
	case err == nil && res.OK():
		return "ok"
	case err == nil:
		return "exit_nonzero"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &launch):
		return "launch_error"
	case connectors.IsCancelled(err):
		return "cancelled"
	default:
		return "error"
	}
}

// snapshotCollector reports gauges from the last observed snapshot.
type snapshotCollector struct {
	m *Metrics
}

func (c snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- phaseDesc
	ch <- containerDesc
	ch <- capabilityDesc
	ch <- operationDesc
}

func (c snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.Lock()
	s := c.m.last
	c.m.mu.Unlock()
	if s == nil {
		return
	}

	for _, p := range allPhases {
		ch <- prometheus.MustNewConstMetric(phaseDesc, prometheus.GaugeValue, boolValue(s.Phase.Kind == p), string(p))
	}
	for _, st := range allContainerStates {
		ch <- prometheus.MustNewConstMetric(containerDesc, prometheus.GaugeValue, boolValue(s.Container.Status == st), string(st))
	}
	if s.Prerequisites != nil {
		for _, cs := range s.Prerequisites.Capabilities {
			ch <- prometheus.MustNewConstMetric(capabilityDesc, prometheus.GaugeValue, boolValue(cs.Present && cs.Compatible), cs.Name)
		}
	}
	ch <- prometheus.MustNewConstMetric(operationDesc, prometheus.GaugeValue, boolValue(s.Operation != ""))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
