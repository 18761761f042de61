// Package clirunner gives every CLI-shelling driver (LXD, QEMU, VirtualBox,
// Proxmox, systemd-nspawn) one shared place for output capture, exit-code
// classification, and "tool not installed" detection, so those concerns
// aren't reimplemented per driver (spec.md §4.9's "common concerns").
package clirunner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

// Result is the outcome of running one native command line.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a native backend command line. LocalRunner shells out via
// os/exec; the SSH-backed runner in internal/remote implements the same
// interface to tunnel the identical argv over a transport, which is how C8
// wraps C9 by composition rather than a "remote flag" on every driver.
type Runner interface {
	Run(ctx context.Context, argv []string, stdin io.Reader, timeout time.Duration) (Result, error)
}

// LocalRunner runs argv as a local child process.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, argv []string, stdin io.Reader, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{}, driver.New(driver.ErrInvalidArgument, "empty command")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
		return res, nil
	case runCtx.Err() == context.DeadlineExceeded:
		return res, driver.New(driver.ErrTimeout, "%s timed out after %s", argv[0], timeout)
	case runCtx.Err() == context.Canceled:
		return res, driver.New(driver.ErrCancelled, "%s cancelled", argv[0])
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, driver.Wrap(classifyExitError(res.Stderr), res.Stderr, err)
	case IsMissingTool(err):
		return res, driver.New(driver.ErrBackendUnavail, "%s: command not found", argv[0])
	default:
		return res, driver.Wrap(driver.ErrIO, res.Stderr, err)
	}
}

// classifyExitError maps common backend stderr shapes to an error kind; a
// driver is free to re-classify with its own tool-specific knowledge on top
// of this baseline.
func classifyExitError(stderr string) driver.ErrorKind {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such"):
		return driver.ErrNotFound
	case strings.Contains(lower, "already exists") || strings.Contains(lower, "in use"):
		return driver.ErrConflict
	case strings.Contains(lower, "permission denied"):
		return driver.ErrPolicyDenied
	default:
		return driver.ErrIO
	}
}

// IsMissingTool reports whether err indicates the backend's CLI binary
// itself is absent, distinguishing "tool missing" from "backend said no".
func IsMissingTool(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}
