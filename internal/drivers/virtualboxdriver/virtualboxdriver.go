// Package virtualboxdriver backs an ADDRESS target with VBoxManage. Base
// images use VirtualBox's own linked-clone primitive
// (`VBoxManage clonevm --options link`), which is copy-on-write against the
// source's disk snapshot rather than a full disk copy.
package virtualboxdriver

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clidriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

type backend struct{}

func (backend) Name() string        { return "virtualbox" }
func (backend) ProbeArgv() []string { return []string{"VBoxManage", "--version"} }

func (backend) ParseProbe(stdout string) driver.ProbeResult {
	v := strings.TrimSpace(stdout)
	return driver.ProbeResult{Available: v != "", Version: v}
}

func (backend) ListArgv() []string { return []string{"VBoxManage", "list", "vms"} }

func (backend) ParseList(stdout string) ([]driver.InstanceInfo, error) {
	var out []driver.InstanceInfo
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name := strings.TrimPrefix(line, `"`)
		if idx := strings.Index(name, `"`); idx >= 0 {
			name = name[:idx]
		}
		if name == "" {
			continue
		}
		out = append(out, driver.InstanceInfo{Name: name, Status: driver.StatusUnknown})
	}
	return out, nil
}

func (backend) CreateArgv(p driver.CreateParams) []string {
	argv := []string{"VBoxManage", "createvm", "--name", p.Name, "--register"}
	if p.Image != "" {
		argv = append(argv, "--ostype", p.Image)
	}
	return argv
}

func (backend) StartArgv(name string) []string {
	return []string{"VBoxManage", "startvm", name, "--type", "headless"}
}
func (backend) StopArgv(name string) []string {
	return []string{"VBoxManage", "controlvm", name, "poweroff"}
}
func (backend) RemoveArgv(name string, force bool) []string {
	return []string{"VBoxManage", "unregistervm", name, "--delete"}
}

func (backend) ExecArgv(name string, cmd []string) []string {
	argv := []string{"VBoxManage", "guestcontrol", name, "run", "--exe", cmd[0], "--"}
	return append(argv, cmd[1:]...)
}

func (backend) CopyToArgv(name, localPath, remotePath string) []string {
	return []string{"VBoxManage", "guestcontrol", name, "copyto", localPath, remotePath}
}

func (backend) CopyFromArgv(name, remotePath, localPath string) []string {
	return []string{"VBoxManage", "guestcontrol", name, "copyfrom", remotePath, localPath}
}

func (backend) LogsArgv(name string, lines int) []string {
	return []string{"VBoxManage", "showvminfo", name, "--log", "0"}
}

// Driver is a VirtualBox-backed driver with linked-clone base images.
type Driver struct {
	*clidriver.Driver

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

func New(runner clirunner.Runner) *Driver {
	return &Driver{Driver: clidriver.New(backend{}, runner), bases: map[string]*baseRecord{}}
}

func (d *Driver) RegisterBase(ctx context.Context, name, source string, autoStop bool) (driver.BaseImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.bases[name]; exists {
		return driver.BaseImage{}, driver.New(driver.ErrConflict, "base %q already registered", name)
	}
	if autoStop {
		_ = d.Driver.Stop(ctx, source)
	}
	snapArgv := []string{"VBoxManage", "snapshot", source, "take", name + "-snap"}
	if _, err := d.Driver.Runner.Run(ctx, snapArgv, nil, d.Driver.Timeout); err != nil {
		return driver.BaseImage{}, err
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "vbox-linked-clone", SnapshotRef: name + "-snap"}
	d.bases[name] = &baseRecord{image: img}
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
	argv := []string{
		"VBoxManage", "clonevm", rec.image.Source, "--snapshot", rec.image.SnapshotRef,
		"--name", name, "--register", "--options", "link",
	}
	if _, err := d.Driver.Runner.Run(ctx, argv, nil, d.Driver.Timeout); err != nil {
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
	defer d.mu.Unlock()
	rec, ok := d.bases[name]
	if !ok {
		return driver.New(driver.ErrNotFound, "base %q not registered", name)
	}
	if rec.cloneCount > 0 && !force {
		return driver.New(driver.ErrConflict, "base %q has %d active clones", name, rec.cloneCount)
	}
	delArgv := []string{"VBoxManage", "snapshot", rec.image.Source, "delete", rec.image.SnapshotRef}
	if _, err := d.Driver.Runner.Run(ctx, delArgv, nil, d.Driver.Timeout); err != nil && !force {
		return err
	}
	delete(d.bases, name)
	return nil
}
