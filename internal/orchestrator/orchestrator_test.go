package orchestrator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/nvrpanel/internal/audit"
	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/connectors/fakeexec"
	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/lifecycle"
	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/prereq"
	"github.com/fentz26/nvrpanel/internal/recorder"
	"github.com/fentz26/nvrpanel/internal/store"
)

type harness struct {
	exec  *fakeexec.Executor
	store *store.Store
	rec   *recorder.Manager
	orch  *Orchestrator

	mu        sync.Mutex
	installed map[string]bool
}

// newHarness wires an orchestrator against a fake host. satisfied lists the
// step ids whose idempotency checks already pass.
func newHarness(t *testing.T, satisfied ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		exec:      fakeexec.New(),
		store:     s,
		rec:       recorder.NewManager(filepath.Join(dir, "config", "config.yaml"), nil),
		installed: make(map[string]bool),
	}
	for _, id := range satisfied {
		h.installed[id] = true
	}
	h.exec.On("docker --version", fakeexec.Response{Stdout: "Docker version 24.0.7, build afdd53b\n"})
	h.exec.On("docker compose version", fakeexec.Response{Stdout: "Docker Compose version v2.21.0\n"})

	var steps []installer.Step
	for _, id := range []string{"docker-engine", "memx-sdk"} {
		steps = append(steps, installer.Step{
			ID:       id,
			Label:    "Install " + id,
			Check:    h.check(id),
			Commands: []connectors.Command{{Name: "apt-get", Args: []string{"install", "-y", id}}},
		})
	}

	h.orch = New(Config{
		Checker: prereq.NewChecker(h.exec, prereq.Options{
			Devices: func() ([]string, error) { return nil, nil },
		}),
		Installer: installer.New(h.exec, s, installer.Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		Store:     s,
		Recorder:  h.rec,
		Lifecycle: lifecycle.NewController(h.exec, lifecycle.Options{
			HealthAttempts: 3,
			HealthInterval: time.Millisecond,
		}),
		Audit: audit.NewPDRWriter(s),
		Steps: steps,
	})
	return h
}

func (h *harness) check(id string) installer.CheckFunc {
	return func(context.Context, connectors.Executor) (bool, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.installed[id], nil
	}
}

// ready installs everything and saves a valid recorder config.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}
	if err := h.orch.SaveConfig(ctx, validConfig()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	if k := h.orch.Snapshot().Phase.Kind; k != models.PhaseReady {
		t.Fatalf("Expected ready, got %s", k)
	}
}

func validConfig() *recorder.Config {
	cfg := recorder.Default()
	cfg.Cameras = []recorder.Camera{recorder.NewCamera("front", "rtsp://192.168.1.20:554/stream1")}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunInstall_AllSatisfied(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()

	snap, err := h.orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Phase.Kind != models.PhaseNeedsInstall {
		t.Fatalf("Expected needs_install on an empty store, got %s", snap.Phase.Kind)
	}

	out, err := h.orch.RunInstall(ctx, nil)
	if err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}
	for _, st := range out.Steps {
		if st.Status != models.StepSkipped {
			t.Errorf("Step %s: expected skipped, got %s", st.ID, st.Status)
		}
	}
	if n := h.exec.Count("apt-get install"); n != 0 {
		t.Errorf("Expected no install commands, got %d", n)
	}

	snap = h.orch.Snapshot()
	if snap.Phase.Kind != models.PhaseNeedsConfig {
		t.Errorf("Expected needs_config, got %s", snap.Phase.Kind)
	}
	if snap.Operation != "" || snap.LastError != "" {
		t.Errorf("Expected idle snapshot, got %+v", snap)
	}
}

func TestRunInstall_RunsMissingSteps(t *testing.T) {
	h := newHarness(t, "docker-engine")

	var lines []installer.Progress
	out, err := h.orch.RunInstall(context.Background(), func(p installer.Progress) {
		lines = append(lines, p)
	})
	if err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}
	if out.Steps[0].Status != models.StepSkipped || out.Steps[1].Status != models.StepSucceeded {
		t.Errorf("Unexpected step table %+v", out.Steps)
	}
	if h.exec.Count("apt-get install -y memx-sdk") != 1 || h.exec.Count("apt-get install -y docker-engine") != 0 {
		t.Errorf("Unexpected commands %v", h.exec.Calls())
	}
	if len(lines) == 0 {
		t.Error("Expected progress callbacks")
	}

	entries, _ := h.store.ListPDR(10)
	found := false
	for _, e := range entries {
		if e.Action == "install.run" && e.Outcome == installer.OutcomeSucceeded && e.Subject == out.RunID {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected install.run audit record, got %+v", entries)
	}
}

func TestRunInstall_Failure(t *testing.T) {
	h := newHarness(t)
	h.exec.On("apt-get install -y docker-engine", fakeexec.Response{ExitCode: 100, Stderr: "E: Unable to locate package"})

	out, err := h.orch.RunInstall(context.Background(), nil)
	var stepErr *installer.StepError
	if !errors.As(err, &stepErr) || stepErr.StepID != "docker-engine" {
		t.Fatalf("Expected StepError for docker-engine, got %v", err)
	}
	if out.Result != installer.OutcomeFailed || out.Steps[1].Status != models.StepPending {
		t.Errorf("Unexpected outcome %+v", out)
	}

	snap := h.orch.Snapshot()
	if snap.Phase.Kind != models.PhaseNeedsInstall || snap.LastError == "" {
		t.Errorf("Expected needs_install with an error, got %+v", snap)
	}
	if len(snap.Phase.Pending) != 2 {
		t.Errorf("Expected both steps pending, got %v", snap.Phase.Pending)
	}
}

func TestStatus_MissingCapability(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()
	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}

	h.exec.On("docker compose version", fakeexec.Response{ExitCode: 1, Stderr: "docker: 'compose' is not a docker command."})
	snap, err := h.orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Phase.Kind != models.PhaseNeedsInstall {
		t.Fatalf("Expected needs_install, got %s", snap.Phase.Kind)
	}
	if len(snap.Phase.Pending) != 1 || snap.Phase.Pending[0] != prereq.DockerCompose {
		t.Errorf("Expected docker-compose pending, got %v", snap.Phase.Pending)
	}
}

func TestSaveConfig_EmptyStreamURL(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()
	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}

	cfg := recorder.Default()
	cfg.Cameras = []recorder.Camera{recorder.NewCamera("front", "")}
	err := h.orch.SaveConfig(ctx, cfg)

	var verr *recorder.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(verr.Violations) != 1 || verr.Violations[0].Code != recorder.CodeEmptyStreamURL {
		t.Errorf("Expected exactly the empty stream URL violation, got %+v", verr.Violations)
	}
	if _, err := os.Stat(h.rec.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Error("No config file should have been written")
	}
	if k := h.orch.Snapshot().Phase.Kind; k != models.PhaseNeedsConfig {
		t.Errorf("Expected needs_config, got %s", k)
	}
}

func TestSaveConfig_BeforeInstall(t *testing.T) {
	h := newHarness(t)

	err := h.orch.SaveConfig(context.Background(), validConfig())
	if !errors.Is(err, ErrPhaseOrder) {
		t.Fatalf("Expected ErrPhaseOrder, got %v", err)
	}
	var perr *PhaseError
	if !errors.As(err, &perr) || perr.Phase.Kind != models.PhaseNeedsInstall {
		t.Errorf("Expected PhaseError in needs_install, got %v", err)
	}
	if h.rec.Exists() {
		t.Error("Config must not be written before installation")
	}
}

func TestStatus_Configuring(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()
	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}

	// A hand-edited file without cameras parses but does not validate.
	data, err := recorder.Marshal(recorder.Default())
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Dir(h.rec.Path()), 0755)
	if err := os.WriteFile(h.rec.Path(), data, 0644); err != nil {
		t.Fatal(err)
	}

	snap, err := h.orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Phase.Kind != models.PhaseConfiguring || len(snap.Phase.Issues) == 0 {
		t.Errorf("Expected configuring with issues, got %+v", snap.Phase)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	h := newHarness(t)
	os.MkdirAll(filepath.Dir(h.rec.Path()), 0755)
	os.WriteFile(h.rec.Path(), []byte("cameras: [\n"), 0644)

	cfg := h.orch.LoadConfig()
	if len(cfg.Cameras) != 0 || cfg.Version != recorder.DefaultVersion {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	warnings := h.orch.Snapshot().Warnings
	if len(warnings) != 1 || !strings.Contains(warnings[0], "could not be parsed") {
		t.Errorf("Expected a parse warning, got %v", warnings)
	}
}

func TestStart_RequiresReady(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()
	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Fatalf("RunInstall failed: %v", err)
	}

	for _, op := range []func(context.Context) (models.ContainerState, error){h.orch.Start, h.orch.Restart} {
		_, err := op(ctx)
		var perr *PhaseError
		if !errors.As(err, &perr) || perr.Phase.Kind != models.PhaseNeedsConfig {
			t.Errorf("Expected PhaseError in needs_config, got %v", err)
		}
	}
	if h.exec.Count("up -d") != 0 {
		t.Error("Container must not start before the config is ready")
	}
	if _, err := h.orch.Stop(ctx); err != nil {
		t.Errorf("Stop should be allowed in every phase, got %v", err)
	}
}

func TestLifecycle_StartStop(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	h.ready(t)
	ctx := context.Background()

	h.exec.On("docker inspect", fakeexec.Response{Stdout: "running|healthy\n"})
	st, err := h.orch.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st.Status != models.ContainerRunning || h.orch.Snapshot().Container.Status != models.ContainerRunning {
		t.Errorf("Expected running, got %+v", st)
	}

	if err := h.orch.SaveConfig(ctx, validConfig()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	found := false
	for _, w := range h.orch.Snapshot().Warnings {
		if strings.Contains(w, "restart") {
			found = true
		}
	}
	if !found {
		t.Error("Expected a restart notice after saving while running")
	}

	st, err = h.orch.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if st.Status != models.ContainerStopped || h.exec.Count("compose -p frigate down") != 1 {
		t.Errorf("Expected stopped after one down, got %+v, calls %v", st, h.exec.Calls())
	}

	entries, _ := h.store.ListPDR(20)
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, a := range []string{"install.run", "config.save", "container.start", "container.stop"} {
		if !actions[a] {
			t.Errorf("Missing audit record %s", a)
		}
	}
}

func TestLifecycle_StartFailure(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	h.ready(t)

	h.exec.On("up -d", fakeexec.Response{ExitCode: 1, Stderr: "Error response from daemon: driver failed"})
	st, err := h.orch.Start(context.Background())
	var cerr *lifecycle.CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if st.Status != models.ContainerFailed {
		t.Errorf("Expected failed, got %s", st.Status)
	}
	snap := h.orch.Snapshot()
	if snap.LastError == "" || snap.Container.Status != models.ContainerFailed {
		t.Errorf("Expected failure in snapshot, got %+v", snap)
	}
}

func TestLifecycle_RestartRunningContainer(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	h.ready(t)

	// Started by an earlier nvrpanel process; this controller has not seen it.
	h.exec.On("docker inspect", fakeexec.Response{Stdout: "running|healthy\n"})
	st, err := h.orch.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if st.Status != models.ContainerRunning {
		t.Errorf("Expected running, got %+v", st)
	}
	if n := h.exec.Count("compose -p frigate down"); n != 1 {
		t.Errorf("Expected restart to take the container down once, got %d, calls %v", n, h.exec.Calls())
	}
	if n := h.exec.Count("up -d"); n != 1 {
		t.Errorf("Expected one up, got %d", n)
	}
}

func TestLifecycle_StartRunningContainerIsNoop(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	h.ready(t)

	h.exec.On("docker inspect", fakeexec.Response{Stdout: "running|healthy\n"})
	st, err := h.orch.Start(context.Background())
	if err != nil || st.Status != models.ContainerRunning {
		t.Fatalf("Expected running, got %+v, %v", st, err)
	}
	if n := h.exec.Count("up -d"); n != 0 {
		t.Errorf("Expected no up for a healthy running container, got %d", n)
	}
}

func TestLifecycle_FailedStartKeptInSnapshot(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	h.ready(t)

	h.exec.On("docker inspect", fakeexec.Response{Stdout: "running|starting\n"})
	st, err := h.orch.Start(context.Background())
	var hcErr *lifecycle.HealthCheckError
	if !errors.As(err, &hcErr) || st.Status != models.ContainerFailed {
		t.Fatalf("Expected failed with HealthCheckError, got %+v, %v", st, err)
	}
	snap := h.orch.Snapshot()
	if snap.Container.Status != models.ContainerFailed || snap.Container.Reason != st.Reason {
		t.Errorf("Expected snapshot to keep %+v, got %+v", st, snap.Container)
	}
	if snap.LastError == "" {
		t.Error("Expected the failure in LastError")
	}
}

func TestBusyAndCancel(t *testing.T) {
	h := newHarness(t, "docker-engine")
	h.exec.On("apt-get install -y memx-sdk", fakeexec.Response{Block: true})
	ctx := context.Background()

	type result struct {
		out *installer.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.orch.RunInstall(ctx, nil)
		done <- result{out, err}
	}()
	waitFor(t, "install running", func() bool {
		return h.exec.Count("apt-get install -y memx-sdk") == 1
	})

	snap := h.orch.Snapshot()
	if snap.Operation != "install" || snap.Phase.Kind != models.PhaseInstalling {
		t.Errorf("Expected installing snapshot, got %+v", snap)
	}
	if _, err := h.orch.RunInstall(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for a second install, got %v", err)
	}
	if _, err := h.orch.Stop(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for stop during install, got %v", err)
	}
	if err := h.orch.SaveConfig(ctx, validConfig()); !errors.Is(err, ErrPhaseOrder) {
		t.Errorf("Expected ErrPhaseOrder during install, got %v", err)
	}

	h.orch.Cancel()
	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Install did not return after cancel")
	}
	if !connectors.IsCancelled(r.err) || r.out.Result != installer.OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %+v, %v", r.out, r.err)
	}
	if k := h.orch.Snapshot().Phase.Kind; k != models.PhaseNeedsInstall {
		t.Errorf("Expected needs_install after cancel, got %s", k)
	}
}

func TestBusy_OtherProcess(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()

	lock, err := h.store.AcquireLock(ctx, "lifecycle", "other-process", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := h.orch.RunInstall(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy while another process holds the lifecycle lock, got %v", err)
	}
	h.store.ReleaseLock(ctx, lock.ID)

	if _, err := h.orch.RunInstall(ctx, nil); err != nil {
		t.Errorf("Expected install after release, got %v", err)
	}
	if l, _ := h.store.GetLock(ctx, "install"); l != nil {
		t.Errorf("Expected install lock released, got %+v", l)
	}
}

func TestResetInstall(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")
	ctx := context.Background()
	h.orch.RunInstall(ctx, nil)

	if err := h.orch.ResetInstall(ctx); err != nil {
		t.Fatalf("ResetInstall failed: %v", err)
	}
	snap, _ := h.orch.Status(ctx)
	if snap.Phase.Kind != models.PhaseNeedsInstall {
		t.Errorf("Expected needs_install after reset, got %s", snap.Phase.Kind)
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, "docker-engine", "memx-sdk")

	var mu sync.Mutex
	var phases []models.PhaseKind
	unsubscribe := h.orch.Subscribe(func(s models.Snapshot) {
		mu.Lock()
		phases = append(phases, s.Phase.Kind)
		mu.Unlock()
	})

	h.orch.RunInstall(context.Background(), nil)
	mu.Lock()
	got := append([]models.PhaseKind(nil), phases...)
	mu.Unlock()
	if len(got) == 0 || got[0] != models.PhaseInstalling || got[len(got)-1] != models.PhaseNeedsConfig {
		t.Errorf("Expected installing ... needs_config, got %v", got)
	}

	unsubscribe()
	h.orch.Status(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != len(got) {
		t.Errorf("Expected no deliveries after unsubscribe, got %d more", len(phases)-len(got))
	}
}
