package docker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wilbur182/forge-agent/internal/sandbox/docker"
)

// Gated behind DOCKER_HOST exactly as the teacher's own integration test
// is, since a real daemon is required to create and exec into a container.
func TestIntegration_ManagerRun(t *testing.T) {
	if os.Getenv("DOCKER_HOST") == "" {
		t.Skip("skipping integration test: DOCKER_HOST not set")
	}

	mgr, err := docker.New(docker.Config{})
	if err != nil {
		t.Skipf("skipping test: docker not available or failed to init: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sessionID := uuid.New().String()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Stop(cleanupCtx, sessionID)
	}()

	res, err := mgr.Run(ctx, sessionID, "echo hello-from-sandbox")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d (output: %q)", res.ExitCode, res.Output)
	}
	if res.Output == "" {
		t.Error("expected non-empty output")
	}

	// Second run reuses the warm container.
	res2, err := mgr.Run(ctx, sessionID, "echo second-run")
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if res2.ExitCode != 0 {
		t.Errorf("expected exit code 0 on warm run, got %d", res2.ExitCode)
	}
}
