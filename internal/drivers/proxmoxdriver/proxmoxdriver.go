// Package proxmoxdriver backs an ADDRESS target with Proxmox VE's `qm` CLI.
// Proxmox addresses guests by a numeric VMID rather than name, so this
// driver keeps a name-to-VMID map; base images use `qm clone --full 0`,
// Proxmox's native linked (copy-on-write) clone.
package proxmoxdriver

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// Driver is a Proxmox qm-backed driver. It does not embed clidriver.Driver
// because every op needs the name->VMID translation first, rather than a
// stateless argv builder.
type Driver struct {
	runner clirunner.Runner
	nextID int

	mu     sync.Mutex
	vmids  map[string]int
	bases  map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	sourceVMID int
	cloneCount int
}

func New(runner clirunner.Runner) *Driver {
	if runner == nil {
		runner = clirunner.LocalRunner{}
	}
	return &Driver{runner: runner, nextID: 9000, vmids: map[string]int{}, bases: map[string]*baseRecord{}}
}

func (d *Driver) Name() string { return "proxmox" }

func (d *Driver) run(ctx context.Context, argv []string) (clirunner.Result, error) {
	return d.runner.Run(ctx, argv, nil, 30*time.Second)
}

func (d *Driver) vmid(name string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.vmids[name]
	return id, ok
}

func (d *Driver) allocateVMID(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.vmids[name] = id
	return id
}

func (d *Driver) Probe(ctx context.Context) (driver.ProbeResult, error) {
	res, err := d.run(ctx, []string{"qm", "--version"})
	if err != nil {
		if clirunner.IsMissingTool(err) || driver.KindOf(err) == driver.ErrBackendUnavail {
			return driver.ProbeResult{Available: false}, nil
		}
		return driver.ProbeResult{}, err
	}
	return driver.ProbeResult{Available: true, Version: strings.TrimSpace(res.Stdout)}, nil
}

func (d *Driver) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	res, err := d.run(ctx, []string{"qm", "list"})
	if err != nil {
		return nil, err
	}
	var out []driver.InstanceInfo
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	scanner.Scan() // header row
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		out = append(out, driver.InstanceInfo{Name: fields[1], ID: fields[0], Status: mapStatus(fields[2])})
	}
	return out, nil
}

func mapStatus(s string) driver.Status {
	switch strings.ToLower(s) {
	case "running":
		return driver.StatusRunning
	case "stopped":
		return driver.StatusStopped
	default:
		return driver.StatusUnknown
	}
}

func (d *Driver) Create(ctx context.Context, p driver.CreateParams) (driver.InstanceInfo, error) {
	if _, ok := d.vmid(p.Name); ok {
		return driver.InstanceInfo{}, driver.New(driver.ErrConflict, "instance %q already exists", p.Name)
	}
	id := d.allocateVMID(p.Name)
	argv := []string{"qm", "create", strconv.Itoa(id), "--name", p.Name}
	if p.Memory > 0 {
		argv = append(argv, "--memory", strconv.FormatInt(p.Memory/(1024*1024), 10))
	}
	if p.CPUs > 0 {
		argv = append(argv, "--cores", strconv.Itoa(int(p.CPUs)))
	}
	if _, err := d.run(ctx, argv); err != nil {
		return driver.InstanceInfo{}, err
	}
	return driver.InstanceInfo{Name: p.Name, ID: strconv.Itoa(id), Image: p.Image, Status: driver.StatusCreated}, nil
}

func (d *Driver) requireVMID(name string) (int, error) {
	id, ok := d.vmid(name)
	if !ok {
		return 0, driver.New(driver.ErrNotFound, "instance %q not found", name)
	}
	return id, nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	id, err := d.requireVMID(name)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, []string{"qm", "start", strconv.Itoa(id)})
	return err
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	id, err := d.requireVMID(name)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, []string{"qm", "stop", strconv.Itoa(id)})
	return err
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	id, err := d.requireVMID(name)
	if err != nil {
		return err
	}
	argv := []string{"qm", "destroy", strconv.Itoa(id)}
	if force {
		argv = append(argv, "--purge")
	}
	if _, err := d.run(ctx, argv); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.vmids, name)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdoutW, stderrW io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	id, err := d.requireVMID(name)
	if err != nil {
		return driver.ExecResult{}, err
	}
	argv := append([]string{"qm", "guest", "exec", strconv.Itoa(id), "--"}, cmd...)
	res, err := d.runner.Run(ctx, argv, stdin, timeout)
	result := driver.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if stdoutW != nil {
		_, _ = stdoutW.Write([]byte(res.Stdout))
	}
	if stderrW != nil {
		_, _ = stderrW.Write([]byte(res.Stderr))
	}
	return result, err
}

func (d *Driver) CopyTo(ctx context.Context, name, localPath, remotePath string) error {
	id, err := d.requireVMID(name)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, []string{"qm", "guest", "exec", strconv.Itoa(id), "--", "install", "-D", localPath, remotePath})
	return err
}

func (d *Driver) CopyFrom(ctx context.Context, name, remotePath, localPath string) error {
	_, err := d.requireVMID(name)
	if err != nil {
		return err
	}
	return driver.New(driver.ErrUnsupported, "proxmox: copy-from-guest requires the Proxmox storage API, not the qm CLI")
}

func (d *Driver) Logs(ctx context.Context, name string, lines int) (string, error) {
	id, err := d.requireVMID(name)
	if err != nil {
		return "", err
	}
	res, err := d.run(ctx, []string{"qm", "showcmd", strconv.Itoa(id)})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (d *Driver) RegisterBase(ctx context.Context, name, source string, autoStop bool) (driver.BaseImage, error) {
	id, err := d.requireVMID(source)
	if err != nil {
		return driver.BaseImage{}, err
	}
	d.mu.Lock()
	if _, exists := d.bases[name]; exists {
		d.mu.Unlock()
		return driver.BaseImage{}, driver.New(driver.ErrConflict, "base %q already registered", name)
	}
	d.mu.Unlock()
	if autoStop {
		_ = d.Stop(ctx, source)
	}
	if _, err := d.run(ctx, []string{"qm", "template", strconv.Itoa(id)}); err != nil {
		return driver.BaseImage{}, err
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "proxmox-linked-clone", SnapshotRef: strconv.Itoa(id)}
	d.mu.Lock()
	d.bases[name] = &baseRecord{image: img, sourceVMID: id}
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
	newID := d.allocateVMID(name)
	start := time.Now()
	argv := []string{"qm", "clone", strconv.Itoa(rec.sourceVMID), strconv.Itoa(newID), "--name", name, "--full", "0"}
	if _, err := d.run(ctx, argv); err != nil {
		d.mu.Lock()
		delete(d.vmids, name)
		d.mu.Unlock()
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
