// Package qemudriver backs an ADDRESS target with libvirt's `virsh` CLI for
// lifecycle and `qemu-guest-agent` (via `virsh qemu-agent-command`) for
// exec, plus `qemu-img create -b` backing files for copy-on-write base
// images: cloning a qcow2-backed domain is near-instant because only a
// differencing file is created.
package qemudriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clidriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

type backend struct {
	imageDir string
}

func (backend) Name() string        { return "qemu" }
func (backend) ProbeArgv() []string { return []string{"virsh", "--version"} }

func (backend) ParseProbe(stdout string) driver.ProbeResult {
	v := strings.TrimSpace(stdout)
	return driver.ProbeResult{Available: v != "", Version: v}
}

func (backend) ListArgv() []string { return []string{"virsh", "list", "--all", "--name-only"} }

func (backend) ParseList(stdout string) ([]driver.InstanceInfo, error) {
	var out []driver.InstanceInfo
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		out = append(out, driver.InstanceInfo{Name: name, Status: driver.StatusUnknown})
	}
	return out, nil
}

func (b backend) diskPath(name string) string {
	return fmt.Sprintf("%s/%s.qcow2", strings.TrimSuffix(b.imageDir, "/"), name)
}

func (b backend) CreateArgv(p driver.CreateParams) []string {
	mem := p.Memory / (1024 * 1024)
	if mem == 0 {
		mem = 512
	}
	cpus := int(p.CPUs)
	if cpus == 0 {
		cpus = 1
	}
	argv := []string{
		"virt-install", "--name", p.Name,
		"--memory", fmt.Sprintf("%d", mem),
		"--vcpus", fmt.Sprintf("%d", cpus),
		"--disk", fmt.Sprintf("path=%s", b.diskPath(p.Name)),
		"--import", "--noautoconsole",
	}
	if p.Image != "" {
		argv = append(argv, "--cdrom", p.Image)
	}
	return argv
}

func (backend) StartArgv(name string) []string { return []string{"virsh", "start", name} }
func (backend) StopArgv(name string) []string  { return []string{"virsh", "shutdown", name} }
func (backend) RemoveArgv(name string, force bool) []string {
	argv := []string{"virsh", "undefine", name, "--remove-all-storage"}
	if force {
		argv = append([]string{"virsh", "destroy", name, "||", "true", "&&"}, argv...)
	}
	return argv
}

func (backend) ExecArgv(name string, cmd []string) []string {
	payload, _ := json.Marshal(map[string]interface{}{
		"execute": "guest-exec",
		"arguments": map[string]interface{}{
			"path":           cmd[0],
			"arg":            cmd[1:],
			"capture-output": true,
		},
	})
	return []string{"virsh", "qemu-agent-command", name, string(payload)}
}

func (backend) CopyToArgv(name, localPath, remotePath string) []string {
	return []string{"virt-copy-in", "-d", name, localPath, remotePath}
}

func (backend) CopyFromArgv(name, remotePath, localPath string) []string {
	return []string{"virt-copy-out", "-d", name, remotePath, localPath}
}

func (backend) LogsArgv(name string, lines int) []string {
	return []string{"virsh", "domifaddr", name}
}

// Driver is a libvirt/QEMU-backed driver whose base images are backing-file
// clones of a registered domain's qcow2 disk.
type Driver struct {
	*clidriver.Driver
	imageDir string

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

// New builds a QEMU driver. imageDir is where domain qcow2 disks live
// (typically /var/lib/libvirt/images).
func New(runner clirunner.Runner, imageDir string) *Driver {
	if imageDir == "" {
		imageDir = "/var/lib/libvirt/images"
	}
	return &Driver{
		Driver:   clidriver.New(backend{imageDir: imageDir}, runner),
		imageDir: imageDir,
		bases:    map[string]*baseRecord{},
	}
}

func (d *Driver) diskPath(name string) string {
	return fmt.Sprintf("%s/%s.qcow2", strings.TrimSuffix(d.imageDir, "/"), name)
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
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "qcow2-backing-file", SnapshotRef: d.diskPath(source)}
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
	argv := []string{"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", rec.image.SnapshotRef, d.diskPath(name)}
	if _, err := d.Driver.Runner.Run(ctx, argv, nil, d.Driver.Timeout); err != nil {
		return driver.CloneResult{}, err
	}
	importArgv := []string{
		"virt-install", "--name", name, "--memory", "512", "--vcpus", "1",
		"--disk", fmt.Sprintf("path=%s", d.diskPath(name)), "--import", "--noautoconsole",
	}
	if _, err := d.Driver.Runner.Run(ctx, importArgv, nil, d.Driver.Timeout); err != nil {
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
	delete(d.bases, name)
	return nil
}
