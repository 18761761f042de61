// Package lxddriver backs an ADDRESS target with LXD's `lxc` CLI. Lifecycle
// and exec ops are plain clidriver.Backend argv shapes; base images use
// LXD's own image-publish primitive (`lxc publish` / `lxc launch <alias>`),
// which is genuine copy-on-write at the storage-pool layer, so this driver
// overrides the four base methods instead of leaving them unsupported.
package lxddriver

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clidriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

type backend struct{}

func (backend) Name() string        { return "lxd" }
func (backend) ProbeArgv() []string { return []string{"lxc", "version"} }

func (backend) ParseProbe(stdout string) driver.ProbeResult {
	line := strings.TrimSpace(stdout)
	return driver.ProbeResult{Available: line != "", Version: firstField(line)}
}

func (backend) ListArgv() []string {
	return []string{"lxc", "list", "--format", "csv", "-c", "n,s"}
}

func (backend) ParseList(stdout string) ([]driver.InstanceInfo, error) {
	var out []driver.InstanceInfo
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, driver.InstanceInfo{Name: parts[0], Status: mapStatus(parts[1])})
	}
	return out, nil
}

func mapStatus(s string) driver.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return driver.StatusRunning
	case "stopped":
		return driver.StatusStopped
	default:
		return driver.StatusUnknown
	}
}

func (backend) CreateArgv(p driver.CreateParams) []string {
	argv := []string{"lxc", "init", p.Image, p.Name}
	if p.Memory > 0 {
		argv = append(argv, "-c", fmt.Sprintf("limits.memory=%d", p.Memory))
	}
	if p.CPUs > 0 {
		argv = append(argv, "-c", fmt.Sprintf("limits.cpu=%d", int(p.CPUs)))
	}
	if p.Privileged {
		argv = append(argv, "-c", "security.privileged=true")
	}
	for _, v := range p.Volumes {
		argv = append(argv, "-c", fmt.Sprintf("raw.idmap=%s:%s", v.Host, v.Guest))
	}
	return argv
}

func (backend) StartArgv(name string) []string { return []string{"lxc", "start", name} }
func (backend) StopArgv(name string) []string   { return []string{"lxc", "stop", name, "--force"} }
func (backend) RemoveArgv(name string, force bool) []string {
	argv := []string{"lxc", "delete", name}
	if force {
		argv = append(argv, "--force")
	}
	return argv
}

func (backend) ExecArgv(name string, cmd []string) []string {
	return append([]string{"lxc", "exec", name, "--"}, cmd...)
}

func (backend) CopyToArgv(name, localPath, remotePath string) []string {
	return []string{"lxc", "file", "push", localPath, name + "/" + strings.TrimPrefix(remotePath, "/")}
}

func (backend) CopyFromArgv(name, remotePath, localPath string) []string {
	return []string{"lxc", "file", "pull", name + "/" + strings.TrimPrefix(remotePath, "/"), localPath}
}

func (backend) LogsArgv(name string, lines int) []string {
	return []string{"lxc", "info", "--show-log", name}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Driver is an LXD-backed Driver with native copy-on-write base images.
type Driver struct {
	*clidriver.Driver

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

// New builds an LXD driver over runner (nil defaults to local shelling).
func New(runner clirunner.Runner) *Driver {
	return &Driver{
		Driver: clidriver.New(backend{}, runner),
		bases:  map[string]*baseRecord{},
	}
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
	if _, err := d.Driver.Runner.Run(ctx, []string{"lxc", "publish", source, "--alias", name}, nil, d.Driver.Timeout); err != nil {
		return driver.BaseImage{}, err
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "lxd-image", SnapshotRef: name}
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
	if _, err := d.Driver.Runner.Run(ctx, []string{"lxc", "launch", base, name}, nil, d.Driver.Timeout); err != nil {
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
	if _, err := d.Driver.Runner.Run(ctx, []string{"lxc", "image", "delete", name}, nil, d.Driver.Timeout); err != nil {
		return err
	}
	delete(d.bases, name)
	return nil
}
