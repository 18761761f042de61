package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/command"
	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/instance"
	"github.com/rexxfleet/orchestrator/internal/security"
)

// ExecuteRequest are the inputs to Execute.
type ExecuteRequest struct {
	Instance         string
	Script           string
	Timeout          time.Duration
	ProgressCallback func(command.CheckpointRecord)
}

// ExecuteResult is the outcome of execute_rexx.
type ExecuteResult struct {
	driver.ExecResult
	Checkpoints int
}

// Execute runs a script inside a running, rexx-deployed instance, conveying
// the script via stdin — never written to the guest filesystem, so no
// residue remains. When req.ProgressCallback is non-nil the script is
// wrapped with INIT/COMPLETE checkpoints and stdout is streamed
// line-by-line to the callback as it arrives (checkpoint emission is never
// reordered; a slow callback back-pressures the reader).
func Execute(ctx context.Context, d driver.Driver, reg *instance.Registry, gate *security.Gate, req ExecuteRequest) (ExecuteResult, error) {
	inst, err := reg.Get(req.Instance)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !inst.RexxDeployed {
		return ExecuteResult{}, driver.New(driver.ErrInvalidArgument, "interpreter not deployed on instance %q: call deploy_rexx first", req.Instance)
	}

	if decision := gate.CheckCommand(req.Script); !decision.Allowed {
		return ExecuteResult{}, driver.New(driver.ErrPolicyDenied, "%s", security.Denial(decision).Error())
	}

	running, err := reg.RequireRunning(req.Instance)
	if err != nil {
		return ExecuteResult{}, err
	}
	lock := reg.Lock(req.Instance)
	lock.Lock()
	defer lock.Unlock()

	progressEnabled := req.ProgressCallback != nil
	script := command.WrapWithCheckpoints(req.Script, progressEnabled)

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdoutDest io.Writer = &stdoutBuf
	var checkpointCount int

	var wg sync.WaitGroup
	var pr *io.PipeReader
	var pw *io.PipeWriter
	if progressEnabled {
		pr, pw = io.Pipe()
		stdoutDest = io.MultiWriter(&stdoutBuf, pw)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = command.ScanCheckpoints(pr, func(rec command.CheckpointRecord) {
				checkpointCount++
				req.ProgressCallback(rec)
			})
		}()
	}

	res, execErr := d.Exec(execCtx, running.ID, []string{running.RexxPath}, strings.NewReader(script), stdoutDest, &stderrBuf, req.Timeout)

	if pw != nil {
		_ = pw.Close()
		wg.Wait()
		_ = pr.Close()
	}

	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()

	if execErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ExecuteResult{ExecResult: res, Checkpoints: checkpointCount}, driver.New(driver.ErrTimeout, "execute_rexx timed out after %s", req.Timeout)
		}
		if execCtx.Err() == context.Canceled {
			return ExecuteResult{ExecResult: res, Checkpoints: checkpointCount}, driver.New(driver.ErrCancelled, "execute_rexx cancelled")
		}
		return ExecuteResult{ExecResult: res, Checkpoints: checkpointCount}, execErr
	}
	return ExecuteResult{ExecResult: res, Checkpoints: checkpointCount}, nil
}

// StageAndRunTempScript is the fallback path for backends whose exec
// primitive doesn't accept stdin: it writes a temporary script into the
// guest, runs it, and removes it even on failure.
func StageAndRunTempScript(ctx context.Context, d driver.Driver, instanceID, interpreterPath, script, tempPath string, timeout time.Duration) (driver.ExecResult, error) {
	if tempPath == "" {
		tempPath = "/tmp/rexx-script.tmp"
	}
	var stdout, stderr bytes.Buffer
	writeCmd := fmt.Sprintf("cat > %s", shellQuote(tempPath))
	if _, err := d.Exec(ctx, instanceID, []string{"sh", "-c", writeCmd}, strings.NewReader(script), &stdout, &stderr, timeout); err != nil {
		return driver.ExecResult{}, err
	}
	defer func() {
		_, _ = d.Exec(ctx, instanceID, []string{"rm", "-f", tempPath}, nil, nil, nil, 5*time.Second)
	}()

	stdout.Reset()
	stderr.Reset()
	res, err := d.Exec(ctx, instanceID, []string{interpreterPath, tempPath}, nil, &stdout, &stderr, timeout)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
