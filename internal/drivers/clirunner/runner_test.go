package clirunner

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestClassifyExitError(t *testing.T) {
	cases := []struct {
		stderr string
		want   driver.ErrorKind
	}{
		{"Error: no such container: web-1", driver.ErrNotFound},
		{"container already exists", driver.ErrConflict},
		{"device or resource busy: already in use", driver.ErrConflict},
		{"permission denied", driver.ErrPolicyDenied},
		{"some unrelated failure", driver.ErrIO},
		{"", driver.ErrIO},
	}
	for _, c := range cases {
		if got := classifyExitError(c.stderr); got != c.want {
			t.Errorf("classifyExitError(%q) = %q, want %q", c.stderr, got, c.want)
		}
	}
}

func TestIsMissingTool(t *testing.T) {
	missing := &exec.Error{Name: "lxc", Err: exec.ErrNotFound}
	if !IsMissingTool(missing) {
		t.Error("expected exec.ErrNotFound to be classified as missing tool")
	}
	if IsMissingTool(errors.New("some other error")) {
		t.Error("unrelated error should not be classified as missing tool")
	}
}

func TestLocalRunnerEmptyArgv(t *testing.T) {
	var r LocalRunner
	_, err := r.Run(context.Background(), nil, nil, time.Second)
	if driver.KindOf(err) != driver.ErrInvalidArgument {
		t.Fatalf("expected invalid_argument for empty argv, got %v", err)
	}
}

func TestLocalRunnerMissingBinary(t *testing.T) {
	var r LocalRunner
	_, err := r.Run(context.Background(), []string{"fleetengine-definitely-not-a-real-binary"}, nil, time.Second)
	if err == nil {
		t.Fatal("expected error for nonexistent binary")
	}
	if driver.KindOf(err) != driver.ErrBackendUnavail {
		t.Fatalf("expected backend_unavailable, got %v (%v)", driver.KindOf(err), err)
	}
}

func TestLocalRunnerEchoSucceeds(t *testing.T) {
	var r LocalRunner
	res, err := r.Run(context.Background(), []string{"echo", "hi"}, nil, time.Second)
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestLocalRunnerTimeout(t *testing.T) {
	var r LocalRunner
	_, err := r.Run(context.Background(), []string{"sleep", "2"}, nil, 50*time.Millisecond)
	if driver.KindOf(err) != driver.ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
