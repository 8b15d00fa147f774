package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/connectors/fakeexec"
	"github.com/fentz26/nvrpanel/internal/store"
)

func TestRecord(t *testing.T) {
	s := newTestStore(t)
	w := NewPDRWriter(s)

	entry, err := w.Record("container.start", map[string]string{"project": "frigate"}, "success", "frigate", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(entry.InputsHash) != 64 {
		t.Errorf("Expected sha256 hex digest, got %q", entry.InputsHash)
	}

	again, _ := w.Record("container.start", map[string]string{"project": "frigate"}, "success", "frigate", "")
	if again.InputsHash != entry.InputsHash {
		t.Error("Identical inputs must hash identically")
	}
}

func TestRecord_NilWriter(t *testing.T) {
	var w *PDRWriter
	if _, err := w.Record("noop", nil, "success", "", ""); err != nil {
		t.Errorf("Nil writer should be a no-op, got %v", err)
	}
}

func TestCommandLog(t *testing.T) {
	s := newTestStore(t)
	exec := fakeexec.New().
		On("docker compose up", fakeexec.Response{ExitCode: 1, Stderr: "pull access denied"}).
		On("docker info", fakeexec.Response{Err: &connectors.LaunchError{Command: "docker", Err: errors.New("not found")}})
	log := NewCommandLog(exec, s, "session-1", nil)

	res, err := log.Run(context.Background(), connectors.Command{Name: "docker", Args: []string{"compose", "up", "-d"}})
	if err != nil || res.ExitCode != 1 {
		t.Fatalf("Expected pass-through result, got %+v, %v", res, err)
	}
	if _, err := log.Run(context.Background(), connectors.Command{Name: "docker", Args: []string{"info"}}); err == nil {
		t.Fatal("Expected pass-through error")
	}

	runs, err := s.ListCommandRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListCommandRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 recorded runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.SessionID != "session-1" {
			t.Errorf("Unexpected session id %q", r.SessionID)
		}
		switch r.Args[0] {
		case "compose":
			if r.ExitCode != 1 || r.Stderr != "pull access denied" {
				t.Errorf("Unexpected compose record %+v", r)
			}
		case "info":
			if r.ExitCode != -1 || r.Error == "" {
				t.Errorf("Unexpected info record %+v", r)
			}
		}
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
