// Package podmandriver backs an ADDRESS target with the Podman v5 REST
// bindings (bindings.NewConnection plus the containers/images sub-packages)
// for lifecycle management, the Go-native counterpart to the Docker Engine
// API client dockerdriver uses: a versioned connection context threaded
// through typed Create/Start/Stop/Remove calls instead of a long-lived
// client struct. Exec/Copy/Logs stream large amounts of interactive I/O
// through API shapes that shift across bindings releases, so those four
// ops go through the `podman` CLI via clirunner instead, the same pattern
// internal/drivers/clidriver uses for the CLI-only backends.
package podmandriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/specgen"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// Driver is a Podman bindings-backed driver. connCtx carries the bindings
// connection the way context.Context normally carries cancellation:
// Podman's REST bindings attach the client to the context itself.
type Driver struct {
	connCtx context.Context
	runner  clirunner.Runner

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

// New dials the Podman API socket at uri (e.g. "unix:///run/podman/podman.sock").
// An empty uri defaults to the rootless per-user socket podman itself uses.
func New(ctx context.Context, uri string, runner clirunner.Runner) (*Driver, error) {
	if uri == "" {
		uri = fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", os.Getuid())
	}
	connCtx, err := bindings.NewConnection(ctx, uri)
	if err != nil {
		return nil, driver.New(driver.ErrBackendUnavail, "podman: connect %s: %v", uri, err)
	}
	if runner == nil {
		runner = clirunner.LocalRunner{}
	}
	return &Driver{connCtx: connCtx, runner: runner, bases: map[string]*baseRecord{}}, nil
}

func (d *Driver) Name() string { return "podman" }

func (d *Driver) Probe(ctx context.Context) (driver.ProbeResult, error) {
	if _, err := containers.List(d.connCtx, new(containers.ListOptions)); err != nil {
		return driver.ProbeResult{Available: false}, nil
	}
	return driver.ProbeResult{Available: true}, nil
}

func (d *Driver) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	list, err := containers.List(d.connCtx, new(containers.ListOptions).WithAll(true))
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]driver.InstanceInfo, 0, len(list))
	for _, c := range list {
		out = append(out, driver.InstanceInfo{
			Name:   strings.TrimPrefix(firstOrEmpty(c.Names), "/"),
			ID:     c.ID,
			Image:  c.Image,
			Status: mapState(c.State),
		})
	}
	return out, nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func mapState(state string) driver.Status {
	switch strings.ToLower(state) {
	case "running":
		return driver.StatusRunning
	case "created":
		return driver.StatusCreated
	case "exited", "stopped":
		return driver.StatusStopped
	default:
		return driver.StatusUnknown
	}
}

func (d *Driver) Create(ctx context.Context, p driver.CreateParams) (driver.InstanceInfo, error) {
	spec := specgen.NewSpecGenerator(p.Image, false)
	spec.Name = p.Name
	spec.Privileged = &p.Privileged
	spec.Terminal = &p.Interactive
	spec.Env = p.Environment
	for _, v := range p.Volumes {
		spec.Mounts = append(spec.Mounts, specMount(v))
	}
	resp, err := containers.CreateWithSpec(d.connCtx, spec, nil)
	if err != nil {
		return driver.InstanceInfo{}, wrapErr(err)
	}
	return driver.InstanceInfo{Name: p.Name, ID: resp.ID, Image: p.Image, Status: driver.StatusCreated}, nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	return wrapErr(containers.Start(d.connCtx, name, nil))
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	return wrapErr(containers.Stop(d.connCtx, name, nil))
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	_, err := containers.Remove(d.connCtx, name, new(containers.RemoveOptions).WithForce(force).WithVolumes(true))
	return wrapErr(err)
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	argv := append([]string{"podman", "exec", "-i", name}, cmd...)
	res, err := d.runner.Run(ctx, argv, stdin, timeout)
	if stdout != nil {
		_, _ = io.Copy(stdout, bytes.NewReader([]byte(res.Stdout)))
	}
	if stderr != nil {
		_, _ = io.Copy(stderr, bytes.NewReader([]byte(res.Stderr)))
	}
	return driver.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
}

func (d *Driver) CopyTo(ctx context.Context, name, localPath, remotePath string) error {
	_, err := d.runner.Run(ctx, []string{"podman", "cp", localPath, name + ":" + remotePath}, nil, 0)
	return err
}

func (d *Driver) CopyFrom(ctx context.Context, name, remotePath, localPath string) error {
	_, err := d.runner.Run(ctx, []string{"podman", "cp", name + ":" + remotePath, localPath}, nil, 0)
	return err
}

func (d *Driver) Logs(ctx context.Context, name string, lines int) (string, error) {
	argv := []string{"podman", "logs"}
	if lines > 0 {
		argv = append(argv, "--tail", fmt.Sprintf("%d", lines))
	}
	argv = append(argv, name)
	res, err := d.runner.Run(ctx, argv, nil, 0)
	if err != nil {
		return "", err
	}
	return res.Stdout + res.Stderr, nil
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
	report, err := containers.Commit(d.connCtx, source, new(images.CommitOptions).WithRepo("fleetengine-base/"+name))
	if err != nil {
		return driver.BaseImage{}, wrapErr(err)
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "podman-image-layer", SnapshotRef: report.ID, CreatedAt: time.Now()}
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
	spec := specgen.NewSpecGenerator(rec.image.SnapshotRef, false)
	spec.Name = name
	if _, err := containers.CreateWithSpec(d.connCtx, spec, nil); err != nil {
		return driver.CloneResult{}, wrapErr(err)
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
	if _, errs := images.Remove(d.connCtx, []string{rec.image.SnapshotRef}, new(images.RemoveOptions).WithForce(force)); len(errs) > 0 {
		return wrapErr(errs[0])
	}
	d.mu.Lock()
	delete(d.bases, name)
	d.mu.Unlock()
	return nil
}

func specMount(v driver.VolumeMount) specgen.Mount {
	return specgen.Mount{Source: v.Host, Destination: v.Guest, Type: "bind"}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "no such"):
		return driver.Wrap(driver.ErrNotFound, "", err)
	case strings.Contains(lower, "already in use") || strings.Contains(lower, "already exists"):
		return driver.Wrap(driver.ErrConflict, "", err)
	default:
		return driver.Wrap(driver.ErrIO, "", err)
	}
}
