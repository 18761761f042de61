// Package nspawndriver backs an ADDRESS target with systemd-nspawn
// containers. Listing goes over the org.freedesktop.machine1 D-Bus
// interface via github.com/coreos/go-systemd/v22/machine1, the Go-native
// counterpart to shelling out to `machinectl list`; lifecycle, exec, and
// file transfer use machinectl/systemd-run directly since those remain
// plain CLI operations with no typed D-Bus equivalent worth the extra
// dependency surface. Base images use `machinectl clone`, which is a
// btrfs/overlayfs copy-on-write snapshot when the machine's storage pool
// supports it.
package nspawndriver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/machine1"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// Driver is a systemd-nspawn-backed driver.
type Driver struct {
	runner clirunner.Runner

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

func New(runner clirunner.Runner) *Driver {
	if runner == nil {
		runner = clirunner.LocalRunner{}
	}
	return &Driver{runner: runner, bases: map[string]*baseRecord{}}
}

func (d *Driver) Name() string { return "nspawn" }

func (d *Driver) run(ctx context.Context, argv []string) (clirunner.Result, error) {
	return d.runner.Run(ctx, argv, nil, 30*time.Second)
}

func (d *Driver) Probe(ctx context.Context) (driver.ProbeResult, error) {
	conn, err := machine1.New()
	if err != nil {
		return driver.ProbeResult{Available: false}, nil
	}
	defer conn.Close()
	return driver.ProbeResult{Available: true}, nil
}

func (d *Driver) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	conn, err := machine1.New()
	if err != nil {
		return nil, driver.New(driver.ErrBackendUnavail, "nspawn: machine1 dbus: %v", err)
	}
	defer conn.Close()

	machines, err := conn.ListMachines()
	if err != nil {
		return nil, driver.Wrap(driver.ErrIO, "", err)
	}
	out := make([]driver.InstanceInfo, 0, len(machines))
	for name := range machines {
		out = append(out, driver.InstanceInfo{Name: name, Status: driver.StatusRunning})
	}
	return out, nil
}

func (d *Driver) Create(ctx context.Context, p driver.CreateParams) (driver.InstanceInfo, error) {
	argv := []string{"machinectl", "clone", p.Image, p.Name}
	if p.Image == "" {
		return driver.InstanceInfo{}, driver.New(driver.ErrInvalidArgument, "nspawn: image (base machine name) required")
	}
	if _, err := d.run(ctx, argv); err != nil {
		return driver.InstanceInfo{}, err
	}
	return driver.InstanceInfo{Name: p.Name, Image: p.Image, Status: driver.StatusCreated}, nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, []string{"machinectl", "start", name})
	return err
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	_, err := d.run(ctx, []string{"machinectl", "poweroff", name})
	return err
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	if force {
		_, _ = d.run(ctx, []string{"machinectl", "terminate", name})
	}
	_, err := d.run(ctx, []string{"machinectl", "remove", name})
	return err
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	argv := append([]string{"systemd-run", "--machine=" + name, "--pipe", "--wait", "--quiet", "--"}, cmd...)
	res, err := d.runner.Run(ctx, argv, stdin, timeout)
	if stdout != nil {
		_, _ = io.Copy(stdout, stringsReader(res.Stdout))
	}
	if stderr != nil {
		_, _ = io.Copy(stderr, stringsReader(res.Stderr))
	}
	return driver.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
}

func (d *Driver) CopyTo(ctx context.Context, name, localPath, remotePath string) error {
	_, err := d.run(ctx, []string{"machinectl", "copy-to", name, localPath, remotePath})
	return err
}

func (d *Driver) CopyFrom(ctx context.Context, name, remotePath, localPath string) error {
	_, err := d.run(ctx, []string{"machinectl", "copy-from", name, remotePath, localPath})
	return err
}

func (d *Driver) Logs(ctx context.Context, name string, lines int) (string, error) {
	argv := []string{"journalctl", "-M", name, "-n", fmt.Sprintf("%d", maxInt(lines, 100)), "--no-pager"}
	res, err := d.run(ctx, argv)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (d *Driver) RegisterBase(ctx context.Context, name, source string, autoStop bool) (driver.BaseImage, error) {
	d.mu.Lock()
	if _, exists := d.bases[name]; exists {
		d.mu.Unlock()
		return driver.BaseImage{}, driver.New(driver.ErrConflict, "base %q already registered", name)
	}
	d.mu.Unlock()
	if autoStop {
		_ = d.Stop(ctx, source)
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "nspawn-machinectl-clone", SnapshotRef: source, CreatedAt: time.Now()}
	d.mu.Lock()
	d.bases[name] = &baseRecord{image: img}
	d.mu.Unlock()
	return img, nil
}

func (d *Driver) CloneFromBase(ctx context.Context, base, name string) (driver.CloneResult, error) {
	d.mu.Lock()
	rec, ok := d.bases[base]
	d.mu.Unlock()
	if !ok {
		return driver.CloneResult{}, driver.New(driver.ErrNotFound, "base %q not registered", base)
	}
	start := time.Now()
	if _, err := d.run(ctx, []string{"machinectl", "clone", rec.image.SnapshotRef, name}); err != nil {
		return driver.CloneResult{}, err
	}
	d.mu.Lock()
	rec.cloneCount++
	d.mu.Unlock()
	return driver.CloneResult{Name: name, CloneTimeMS: time.Since(start).Milliseconds()}, nil
}

func (d *Driver) ListBases(ctx context.Context) ([]driver.BaseImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.BaseImage, 0, len(d.bases))
	for _, rec := range d.bases {
		img := rec.image
		img.CloneCount = rec.cloneCount
		out = append(out, img)
	}
	return out, nil
}

func (d *Driver) DeleteBase(ctx context.Context, name string, force bool) error {
	d.mu.Lock()
	rec, ok := d.bases[name]
	d.mu.Unlock()
	if !ok {
		return driver.New(driver.ErrNotFound, "base %q not registered", name)
	}
	if rec.cloneCount > 0 && !force {
		return driver.New(driver.ErrConflict, "base %q has %d active clones", name, rec.cloneCount)
	}
	d.mu.Lock()
	delete(d.bases, name)
	d.mu.Unlock()
	return nil
}
