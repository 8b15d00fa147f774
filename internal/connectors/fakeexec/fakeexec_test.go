package fakeexec

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
)

func TestLongestPatternWins(t *testing.T) {
	f := New().
		On("docker", Response{Stdout: "generic"}).
		On("docker compose version", Response{Stdout: "Docker Compose version v2.21.0"})

	res, err := f.Run(context.Background(), connectors.Command{Name: "docker", Args: []string{"compose", "version"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stdout != "Docker Compose version v2.21.0" {
		t.Errorf("Expected compose response, got %q", res.Stdout)
	}

	res, _ = f.Run(context.Background(), connectors.Command{Name: "docker", Args: []string{"info"}})
	if res.Stdout != "generic" {
		t.Errorf("Expected generic response, got %q", res.Stdout)
	}
}

func TestSequenceRepeatsLast(t *testing.T) {
	f := New().On("apt-get", Response{ExitCode: 100}, Response{ExitCode: 0})
	cmd := connectors.Command{Name: "apt-get", Args: []string{"update"}}

	codes := []int{}
	for i := 0; i < 3; i++ {
		res, _ := f.Run(context.Background(), cmd)
		codes = append(codes, res.ExitCode)
	}
	if codes[0] != 100 || codes[1] != 0 || codes[2] != 0 {
		t.Errorf("Unexpected exit codes %v", codes)
	}
	if f.Count("apt-get update") != 3 {
		t.Errorf("Expected 3 recorded calls, got %d", f.Count("apt-get update"))
	}
}

func TestBlockHonoursCancel(t *testing.T) {
	f := New().On("sleep", Response{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Run(ctx, connectors.Command{Name: "sleep"})
	if !connectors.IsCancelled(err) {
		t.Errorf("Expected cancellation, got %v", err)
	}
}
