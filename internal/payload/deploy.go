// Package payload implements C6: staging the interpreter binary into a
// running instance (deploy_rexx), running a script inside it via stdin
// (execute_rexx), and cleaning up the staged binary afterward. Mirrors the
// teacher's binary-staging (docker cp via CopyFileToContainer) and
// stdin-streaming (the interactive driver's pty/stdin plumbing) patterns.
package payload

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/instance"
	"github.com/rexxfleet/orchestrator/internal/security"
)

// DeployResult is returned by Deploy.
type DeployResult struct {
	RemotePath   string
	BytesShipped int64
	DurationMS   int64
	ThroughputKB float64
}

// Deploy stages localBinary into the running instance name at remotePath,
// marking it executable. On any failure the partial upload is removed on a
// best-effort basis and the instance record is left untouched.
func Deploy(ctx context.Context, d driver.Driver, reg *instance.Registry, gate *security.Gate, name, localBinary, remotePath string) (DeployResult, error) {
	if decision := gate.CheckBinary(localBinary); !decision.Allowed {
		return DeployResult{}, driver.New(driver.ErrPolicyDenied, "%s", security.Denial(decision).Error())
	}

	inst, err := reg.RequireRunning(name)
	if err != nil {
		return DeployResult{}, err
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(localBinary)
	if err != nil {
		return DeployResult{}, driver.Wrap(driver.ErrIO, "", fmt.Errorf("stat %s: %w", localBinary, err))
	}
	if remotePath == "" {
		remotePath = "/tmp/rexx-interpreter"
	}

	start := time.Now()
	if err := d.CopyTo(ctx, inst.ID, localBinary, remotePath); err != nil {
		_ = bestEffortDelete(ctx, d, inst.ID, remotePath)
		return DeployResult{}, err
	}
	if _, err := d.Exec(ctx, inst.ID, []string{"chmod", "+x", remotePath}, nil, nil, nil, 10*time.Second); err != nil {
		_ = bestEffortDelete(ctx, d, inst.ID, remotePath)
		return DeployResult{}, err
	}
	elapsed := time.Since(start)

	if err := reg.Update(name, func(i *instance.Instance) {
		i.RexxDeployed = true
		i.RexxPath = remotePath
	}); err != nil {
		return DeployResult{}, err
	}

	ms := elapsed.Milliseconds()
	throughput := 0.0
	if ms > 0 {
		throughput = (float64(info.Size()) / 1024.0) / (float64(ms) / 1000.0)
	}
	return DeployResult{
		RemotePath:   remotePath,
		BytesShipped: info.Size(),
		DurationMS:   ms,
		ThroughputKB: throughput,
	}, nil
}

// Cleanup removes the staged binary and clears rexx_deployed, whether called
// explicitly (cleanup_rexx) or as an implicit tear-down path.
func Cleanup(ctx context.Context, d driver.Driver, reg *instance.Registry, name string) error {
	inst, err := reg.Get(name)
	if err != nil {
		return err
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()

	path := inst.RexxPath
	if path != "" && inst.Status == driver.StatusRunning {
		_ = bestEffortDelete(ctx, d, inst.ID, path)
	}
	return reg.Update(name, func(i *instance.Instance) {
		i.RexxDeployed = false
		i.RexxPath = ""
	})
}

func bestEffortDelete(ctx context.Context, d driver.Driver, id, path string) error {
	_, err := d.Exec(ctx, id, []string{"rm", "-f", path}, nil, nil, nil, 5*time.Second)
	return err
}
