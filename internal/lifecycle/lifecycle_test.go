package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/connectors/fakeexec"
	"github.com/fentz26/nvrpanel/internal/models"
)

func newController(exec connectors.Executor, mutate ...func(*Options)) *Controller {
	opts := Options{
		Project:        "frigate",
		Container:      "frigate",
		HealthAttempts: 3,
		HealthInterval: time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewController(exec, opts)
}

func recordStates(c *Controller) func() []models.ContainerStatus {
	var mu sync.Mutex
	var seen []models.ContainerStatus
	c.OnChange(func(st models.ContainerState) {
		mu.Lock()
		seen = append(seen, st.Status)
		mu.Unlock()
	})
	return func() []models.ContainerStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.ContainerStatus(nil), seen...)
	}
}

func TestStart_Healthy(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|healthy\n"})
	c := newController(exec)
	states := recordStates(c)

	st, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st.Status != models.ContainerRunning {
		t.Errorf("Expected running, got %s", st.Status)
	}
	if exec.Count("compose -p frigate up -d") != 1 {
		t.Errorf("Expected one up command, calls: %v", exec.Calls())
	}
	got := states()
	if len(got) != 2 || got[0] != models.ContainerStarting || got[1] != models.ContainerRunning {
		t.Errorf("Expected starting → running, got %v", got)
	}
}

func TestStart_WaitsForHealth(t *testing.T) {
	exec := fakeexec.New().On("docker inspect",
		fakeexec.Response{Stdout: "running|starting"},
		fakeexec.Response{Stdout: "running|starting"},
		fakeexec.Response{Stdout: "running|healthy"},
	)
	c := newController(exec)

	if st, err := c.Start(context.Background()); err != nil || st.Status != models.ContainerRunning {
		t.Fatalf("Expected running, got %+v, %v", st, err)
	}
	if n := exec.Count("docker inspect"); n != 3 {
		t.Errorf("Expected 3 probes, got %d", n)
	}
}

func TestStart_UpFails(t *testing.T) {
	exec := fakeexec.New().On("up -d", fakeexec.Response{ExitCode: 1, Stderr: "Error response from daemon: pull access denied for frigate"})
	c := newController(exec)

	st, err := c.Start(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if st.Status != models.ContainerFailed {
		t.Fatalf("Expected failed, got %s", st.Status)
	}
	if !strings.Contains(st.Reason, "compose up failed") {
		t.Errorf("Expected reason to name the command, got %q", st.Reason)
	}
	if c.State().Status == models.ContainerStarting {
		t.Error("Controller must not stay in starting")
	}
	if exec.Count("docker inspect") != 0 {
		t.Error("Health should not be probed after a failed up")
	}
}

func TestStart_LaunchError(t *testing.T) {
	exec := fakeexec.New().Default(fakeexec.Response{Err: &connectors.LaunchError{Command: "docker", Err: errors.New("executable file not found")}})
	c := newController(exec)

	st, err := c.Start(context.Background())
	var launch *connectors.LaunchError
	if !errors.As(err, &launch) || st.Status != models.ContainerFailed {
		t.Errorf("Expected failed with LaunchError, got %+v, %v", st, err)
	}
}

func TestStart_HealthTimeout(t *testing.T) {
	exec := fakeexec.New().
		On("docker inspect", fakeexec.Response{Stdout: "running|starting"}).
		On("logs --no-color", fakeexec.Response{Stdout: "frigate  | [ERROR] memx0: device not found\n"})
	c := newController(exec)

	st, err := c.Start(context.Background())
	var hcErr *HealthCheckError
	if !errors.As(err, &hcErr) {
		t.Fatalf("Expected HealthCheckError, got %v", err)
	}
	if hcErr.Attempts != 3 || hcErr.LastStatus != "running/starting" {
		t.Errorf("Unexpected error %+v", hcErr)
	}
	if !strings.Contains(hcErr.Diagnostics, "device not found") {
		t.Errorf("Expected log tail in diagnostics, got %q", hcErr.Diagnostics)
	}
	if st.Status != models.ContainerFailed {
		t.Errorf("Expected failed, got %s", st.Status)
	}
}

func TestStart_ExitedFailsFast(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "exited|"})
	c := newController(exec, func(o *Options) { o.HealthAttempts = 10 })

	_, err := c.Start(context.Background())
	var hcErr *HealthCheckError
	if !errors.As(err, &hcErr) || hcErr.Attempts != 1 {
		t.Fatalf("Expected fast HealthCheckError, got %v", err)
	}
}

func TestStart_RunningAndHealthyIsNoop(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|healthy"})
	c := newController(exec)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if c.State().Status != models.ContainerRunning {
		t.Fatalf("Expected running after refresh, got %s", c.State().Status)
	}

	st, err := c.Start(context.Background())
	if err != nil || st.Status != models.ContainerRunning {
		t.Fatalf("Expected running, got %+v, %v", st, err)
	}
	if exec.Count("up -d") != 0 {
		t.Error("Start on a healthy container must not issue up")
	}
}

func TestStart_HTTPProbe(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if r.URL.Path != "/api/version" || n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("0.17.0"))
	}))
	defer srv.Close()

	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|"})
	c := newController(exec, func(o *Options) {
		o.Prober = NewHTTPProbe(srv.URL+"/api/version", time.Second)
	})

	st, err := c.Start(context.Background())
	if err != nil || st.Status != models.ContainerRunning {
		t.Fatalf("Expected running once the API answers, got %+v, %v", st, err)
	}
	if hits != 2 {
		t.Errorf("Expected 2 HTTP probes, got %d", hits)
	}
}

func TestStart_Cancelled(t *testing.T) {
	exec := fakeexec.New().On("up -d", fakeexec.Response{Block: true})
	c := newController(exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var st models.ContainerState
	var err error
	go func() {
		st, err = c.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if !errors.Is(err, connectors.ErrCancelled) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
	if st.Status != models.ContainerFailed || st.Reason != "cancelled" {
		t.Errorf("Expected failed(cancelled), got %+v", st)
	}
}

func TestBusy(t *testing.T) {
	exec := fakeexec.New().On("up -d", fakeexec.Response{Block: true})
	c := newController(exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	for !c.Busy() {
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for stop, got %v", err)
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for start, got %v", err)
	}
	cancel()
	<-done
}

func TestStop(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|healthy"})
	c := newController(exec)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	states := recordStates(c)

	st, err := c.Stop(context.Background())
	if err != nil || st.Status != models.ContainerStopped {
		t.Fatalf("Expected stopped, got %+v, %v", st, err)
	}
	if exec.Count("compose -p frigate down") != 1 {
		t.Error("Expected one down command")
	}
	got := states()
	if len(got) != 2 || got[0] != models.ContainerStopping || got[1] != models.ContainerStopped {
		t.Errorf("Expected stopping → stopped, got %v", got)
	}
}

func TestStop_NoopWhenStoppedOrFailed(t *testing.T) {
	exec := fakeexec.New().On("up -d", fakeexec.Response{ExitCode: 1})
	c := newController(exec)

	if st, err := c.Stop(context.Background()); err != nil || st.Status != models.ContainerStopped {
		t.Errorf("Expected stopped no-op, got %+v, %v", st, err)
	}

	c.Start(context.Background())
	if st, err := c.Stop(context.Background()); err != nil || st.Status != models.ContainerFailed {
		t.Errorf("Expected failed no-op, got %+v, %v", st, err)
	}
	if exec.Count("down") != 0 {
		t.Error("No-op stop must not run down")
	}
}

func TestStop_Fails(t *testing.T) {
	exec := fakeexec.New().
		On("docker inspect", fakeexec.Response{Stdout: "running|healthy"}).
		On("down", fakeexec.Response{ExitCode: 1, Stderr: "permission denied while trying to connect to the Docker daemon socket"})
	c := newController(exec)
	c.Start(context.Background())

	st, err := c.Stop(context.Background())
	if err == nil || st.Status != models.ContainerFailed {
		t.Errorf("Expected failed, got %+v, %v", st, err)
	}
	if !strings.Contains(st.Reason, "permission denied") {
		t.Errorf("Expected diagnostics in reason, got %q", st.Reason)
	}
}

func TestRestart(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|healthy"})
	c := newController(exec)
	c.Start(context.Background())
	states := recordStates(c)

	st, err := c.Restart(context.Background())
	if err != nil || st.Status != models.ContainerRunning {
		t.Fatalf("Expected running, got %+v, %v", st, err)
	}
	want := []models.ContainerStatus{models.ContainerStopping, models.ContainerStopped, models.ContainerStarting, models.ContainerRunning}
	got := states()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name    string
		resp    fakeexec.Response
		initial models.ContainerStatus
		want    models.ContainerStatus
	}{
		{"absent", fakeexec.Response{ExitCode: 1, Stderr: "Error: No such object: frigate"}, models.ContainerRunning, models.ContainerStopped},
		{"exited", fakeexec.Response{Stdout: "exited|"}, models.ContainerRunning, models.ContainerStopped},
		{"failed is kept", fakeexec.Response{Stdout: "exited|"}, models.ContainerFailed, models.ContainerFailed},
		{"running", fakeexec.Response{Stdout: "running|"}, models.ContainerStopped, models.ContainerRunning},
		{"starting", fakeexec.Response{Stdout: "running|starting"}, models.ContainerStopped, models.ContainerStarting},
		{"unhealthy", fakeexec.Response{Stdout: "running|unhealthy"}, models.ContainerRunning, models.ContainerFailed},
		{"failed kept while starting", fakeexec.Response{Stdout: "running|starting"}, models.ContainerFailed, models.ContainerFailed},
		{"failed cleared when healthy", fakeexec.Response{Stdout: "running|healthy"}, models.ContainerFailed, models.ContainerRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := fakeexec.New().On("docker inspect", tt.resp)
			c := newController(exec)
			c.transition(tt.initial, "")

			st, err := c.Refresh(context.Background())
			if err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			if st.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, st.Status)
			}
		})
	}
}

func TestRefresh_FailedKeptWhileProbeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|"})
	c := newController(exec, func(o *Options) {
		o.Prober = NewHTTPProbe(srv.URL+"/api/version", time.Second)
	})

	st, err := c.Start(context.Background())
	if err == nil || st.Status != models.ContainerFailed {
		t.Fatalf("Expected failed start, got %+v, %v", st, err)
	}
	reason := st.Reason

	st, err = c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if st.Status != models.ContainerFailed || st.Reason != reason {
		t.Errorf("Expected failed(%s) to be kept, got %+v", reason, st)
	}
}

func TestStart_InspectLaunchErrorFailsFast(t *testing.T) {
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Err: &connectors.LaunchError{Command: "docker", Err: errors.New("executable file not found")}})
	c := newController(exec, func(o *Options) {
		o.HealthAttempts = 30
		o.HealthInterval = time.Hour
	})

	done := make(chan struct{})
	var st models.ContainerState
	var err error
	go func() {
		st, err = c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept polling after the engine could not be launched")
	}
	var launch *connectors.LaunchError
	if !errors.As(err, &launch) || st.Status != models.ContainerFailed {
		t.Errorf("Expected failed with LaunchError, got %+v, %v", st, err)
	}
	if n := exec.Count("docker inspect"); n != 1 {
		t.Errorf("Expected a single inspect, got %d", n)
	}
}

func TestLogs(t *testing.T) {
	exec := fakeexec.New().On("logs --no-color --tail 100", fakeexec.Response{Stdout: "frigate  | Starting Frigate\n"})
	c := newController(exec, func(o *Options) { o.ComposeFile = "/opt/frigate/docker-compose.yml" })

	out, err := c.Logs(context.Background(), 100)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if !strings.Contains(out, "Starting Frigate") {
		t.Errorf("Unexpected logs %q", out)
	}
	calls := exec.Calls()
	if got := calls[0].String(); got != "docker compose -f /opt/frigate/docker-compose.yml -p frigate logs --no-color --tail 100" {
		t.Errorf("Unexpected command %q", got)
	}
}

func TestComposeSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	spec := DefaultComposeSpec("frigate", "frigate", filepath.Join(dir, "config"), []string{"/dev/memx0"})

	written, err := spec.WriteIfChanged(path)
	if err != nil || !written {
		t.Fatalf("Expected first write, got %v, %v", written, err)
	}
	data, _ := os.ReadFile(path)
	out := string(data)
	for _, want := range []string{
		"image: frigate",
		"privileged: true",
		"shm_size: 256mb",
		"/dev/memx0:/dev/memx0",
		"target: /run/mxa_manager",
		"target: /tmp/cache",
		"8555:8555/udp",
		"FRIGATE_RTSP_PASSWORD: password",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Missing %q in compose file:\n%s", want, out)
		}
	}

	written, err = spec.WriteIfChanged(path)
	if err != nil || written {
		t.Errorf("Expected unchanged spec not to be rewritten, got %v, %v", written, err)
	}

	spec.Devices = append(spec.Devices, "/dev/memx1")
	if written, _ := spec.WriteIfChanged(path); !written {
		t.Error("Expected changed spec to be written")
	}
}

func TestStart_WritesComposeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	exec := fakeexec.New().On("docker inspect", fakeexec.Response{Stdout: "running|healthy"})
	c := newController(exec, func(o *Options) {
		o.ComposeFile = path
		o.Compose = DefaultComposeSpec("frigate", "frigate", "/opt/frigate/config", nil)
	})

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected compose file to be written: %v", err)
	}
}
