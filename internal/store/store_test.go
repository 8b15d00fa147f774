package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/nvrpanel/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "state", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := s.SaveStepState(context.Background(), "run-1", 0, models.StepState{ID: "docker-engine", Label: "Install Docker", Status: models.StepSucceeded}); err != nil {
		t.Fatalf("SaveStepState failed: %v", err)
	}
	s.Close()

	// Migrations are idempotent and data survives
	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	state, err := s.LoadInstallState(context.Background())
	if err != nil {
		t.Fatalf("LoadInstallState failed: %v", err)
	}
	if st, ok := state.Step("docker-engine"); !ok || st.Status != models.StepSucceeded {
		t.Errorf("Expected persisted step, got %+v", state.Steps)
	}
}

func TestInstallStateUpsertAndOrder(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	steps := []models.StepState{
		{ID: "b-step", Label: "B", Status: models.StepPending},
		{ID: "a-step", Label: "A", Status: models.StepPending},
	}
	for i, st := range steps {
		if err := s.SaveStepState(ctx, "run-1", i, st); err != nil {
			t.Fatalf("SaveStepState failed: %v", err)
		}
	}

	update := models.StepState{ID: "b-step", Label: "B", Status: models.StepFailed, Attempts: 3, Error: "exit status 100", Output: "E: Unable to locate package"}
	if err := s.SaveStepState(ctx, "run-1", 0, update); err != nil {
		t.Fatalf("SaveStepState update failed: %v", err)
	}

	state, err := s.LoadInstallState(ctx)
	if err != nil {
		t.Fatalf("LoadInstallState failed: %v", err)
	}
	if len(state.Steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(state.Steps))
	}
	if state.Steps[0].ID != "b-step" {
		t.Errorf("Expected catalog order to be kept, got %s first", state.Steps[0].ID)
	}
	got := state.Steps[0]
	if got.Status != models.StepFailed || got.Attempts != 3 || got.Output != update.Output {
		t.Errorf("Unexpected step after upsert: %+v", got)
	}

	if err := s.ResetInstallState(ctx); err != nil {
		t.Fatalf("ResetInstallState failed: %v", err)
	}
	state, _ = s.LoadInstallState(ctx)
	if len(state.Steps) != 0 {
		t.Errorf("Expected empty state after reset, got %d steps", len(state.Steps))
	}
}

func TestInstallRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	run, err := s.BeginInstallRun(ctx)
	if err != nil {
		t.Fatalf("BeginInstallRun failed: %v", err)
	}
	if err := s.FinishInstallRun(ctx, run.ID, "failed", "docker-engine"); err != nil {
		t.Fatalf("FinishInstallRun failed: %v", err)
	}

	runs, err := s.ListInstallRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListInstallRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Outcome != "failed" || runs[0].FailedStep != "docker-engine" || runs[0].EndedAt == nil {
		t.Errorf("Unexpected run: %+v", runs[0])
	}
}

func TestOpenWithRecovery_CorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nvrpanel.db")
	garbage := []byte(strings.Repeat("this is definitely not an sqlite database\n", 64))
	if err := os.WriteFile(dbPath, garbage, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(dbPath); err == nil {
		t.Fatal("Expected New to fail on a corrupt file")
	} else {
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) {
			t.Fatalf("Expected CorruptError, got %v", err)
		}
	}

	s, rec, err := OpenWithRecovery(dbPath)
	if err != nil {
		t.Fatalf("OpenWithRecovery failed: %v", err)
	}
	defer s.Close()

	if rec == nil {
		t.Fatal("Expected a recovery notice")
	}
	if _, err := os.Stat(rec.BackupPath); err != nil {
		t.Errorf("Expected corrupt copy at %s: %v", rec.BackupPath, err)
	}
	if rec.Warning() == "" {
		t.Error("Expected a user-facing warning")
	}

	// The fresh store is usable
	state, err := s.LoadInstallState(context.Background())
	if err != nil {
		t.Fatalf("LoadInstallState after recovery failed: %v", err)
	}
	if len(state.Steps) != 0 {
		t.Errorf("Expected empty state, got %d steps", len(state.Steps))
	}
}

func TestOpenWithRecovery_Healthy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nvrpanel.db")
	s, rec, err := OpenWithRecovery(dbPath)
	if err != nil {
		t.Fatalf("OpenWithRecovery failed: %v", err)
	}
	defer s.Close()
	if rec != nil {
		t.Errorf("Expected no recovery for a fresh database, got %+v", rec)
	}
}

func TestLocks(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "install", "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if _, err := s.AcquireLock(ctx, "install", "holder-2", time.Minute); !errors.Is(err, ErrResourceLocked) {
		t.Errorf("Expected ErrResourceLocked, got %v", err)
	}

	if err := s.RenewLock(ctx, lock.ID, 2*time.Minute); err != nil {
		t.Errorf("RenewLock failed: %v", err)
	}

	got, err := s.GetLock(ctx, "install")
	if err != nil || got == nil || got.HolderID != "holder-1" {
		t.Errorf("Expected holder-1 lock, got %+v (%v)", got, err)
	}

	if err := s.ReleaseLock(ctx, lock.ID); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if _, err := s.AcquireLock(ctx, "install", "holder-2", time.Minute); err != nil {
		t.Errorf("Expected lock to be free after release, got %v", err)
	}
	if err := s.RenewLock(ctx, lock.ID, time.Minute); err == nil {
		t.Error("Expected renewing a released lock to fail")
	}
}

func TestLocks_ExpiredIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AcquireLock(ctx, "lifecycle", "crashed-process", -time.Second); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := s.AcquireLock(ctx, "lifecycle", "holder-2", time.Minute); err != nil {
		t.Errorf("Expected expired lock to be reclaimed, got %v", err)
	}
}

func TestLocks_Concurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AcquireLock(context.Background(), "install", "holder", time.Minute); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("Expected exactly 1 holder, got %d", acquired)
	}
}

func TestCommandRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	run := &models.CommandRun{
		SessionID: "session-1",
		Command:   "docker",
		Args:      []string{"compose", "up", "-d"},
		ExitCode:  1,
		Stderr:    "no such service",
		Duration:  1500 * time.Millisecond,
		StartedAt: time.Now().UTC(),
	}
	if err := s.RecordCommand(ctx, run); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}
	if run.ID == "" {
		t.Error("Expected an id to be assigned")
	}

	runs, err := s.ListCommandRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListCommandRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Command != "docker" || len(got.Args) != 3 || got.ExitCode != 1 || got.Duration != 1500*time.Millisecond {
		t.Errorf("Unexpected run: %+v", got)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	entry, err := s.WritePDR("config.save", "abc123", "success", "/home/nvr/frigate/config/config.yml", "2 cameras")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("PDR ID should not be empty")
	}

	entries, err := s.ListPDR(10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "config.save" || entries[0].Details != "2 cameras" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
