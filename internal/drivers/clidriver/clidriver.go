// Package clidriver gives CLI-shelling backends (LXD, QEMU/libvirt,
// VirtualBox) a single Driver implementation parameterized by a
// Backend that only knows how to build argv and parse that one tool's
// output. The shared core handles stdin wiring, timeout, error
// classification (via clirunner), and the uniform Driver surface; the
// per-backend files (lxddriver.go, qemudriver.go, virtualboxdriver.go)
// supply the command shape and their own base-image methods.
package clidriver

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// Backend translates the backend-agnostic Driver operations into one native
// tool's argv shape and parses its textual output back into the shared
// types. A Backend never talks to a process directly; clidriver.Driver owns
// the Runner and all timeout/error-classification plumbing.
type Backend interface {
	// Name is the ADDRESS target this backend answers for.
	Name() string
	ProbeArgv() []string
	ParseProbe(stdout string) driver.ProbeResult

	ListArgv() []string
	ParseList(stdout string) ([]driver.InstanceInfo, error)

	CreateArgv(params driver.CreateParams) []string
	StartArgv(name string) []string
	StopArgv(name string) []string
	RemoveArgv(name string, force bool) []string

	ExecArgv(name string, cmd []string) []string
	CopyToArgv(name, localPath, remotePath string) []string
	CopyFromArgv(name, remotePath, localPath string) []string
	LogsArgv(name string, lines int) []string
}

// Driver adapts a Backend to the driver.Driver interface over a
// clirunner.Runner, so the exact same Backend works whether the runner
// shells out locally or tunnels over SSH via internal/remote.
type Driver struct {
	Backend Backend
	Runner  clirunner.Runner
	Timeout time.Duration // per-command default; 0 disables
}

// New wires a Backend to a Runner. A nil Runner defaults to a LocalRunner.
func New(backend Backend, runner clirunner.Runner) *Driver {
	if runner == nil {
		runner = clirunner.LocalRunner{}
	}
	return &Driver{Backend: backend, Runner: runner, Timeout: 30 * time.Second}
}

func (d *Driver) Name() string { return d.Backend.Name() }

func (d *Driver) run(ctx context.Context, argv []string, stdin io.Reader) (clirunner.Result, error) {
	return d.Runner.Run(ctx, argv, stdin, d.Timeout)
}

func (d *Driver) Probe(ctx context.Context) (driver.ProbeResult, error) {
	res, err := d.run(ctx, d.Backend.ProbeArgv(), nil)
	if err != nil {
		if clirunner.IsMissingTool(err) || driver.KindOf(err) == driver.ErrBackendUnavail {
			return driver.ProbeResult{Available: false}, nil
		}
		return driver.ProbeResult{}, err
	}
	return d.Backend.ParseProbe(res.Stdout), nil
}

func (d *Driver) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	res, err := d.run(ctx, d.Backend.ListArgv(), nil)
	if err != nil {
		return nil, err
	}
	return d.Backend.ParseList(res.Stdout)
}

func (d *Driver) Create(ctx context.Context, params driver.CreateParams) (driver.InstanceInfo, error) {
	res, err := d.run(ctx, d.Backend.CreateArgv(params), nil)
	if err != nil {
		return driver.InstanceInfo{}, err
	}
	return driver.InstanceInfo{Name: params.Name, Image: params.Image, Status: driver.StatusCreated, ID: firstLine(res.Stdout)}, nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, d.Backend.StartArgv(name), nil)
	return err
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	_, err := d.run(ctx, d.Backend.StopArgv(name), nil)
	return err
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	_, err := d.run(ctx, d.Backend.RemoveArgv(name, force), nil)
	return err
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := d.Runner.Run(runCtx, d.Backend.ExecArgv(name, cmd), stdin, timeout)
	if stdout != nil {
		_, _ = io.Copy(stdout, bytes.NewReader([]byte(res.Stdout)))
	}
	if stderr != nil {
		_, _ = io.Copy(stderr, bytes.NewReader([]byte(res.Stderr)))
	}
	result := driver.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		return result, err
	}
	return result, nil
}

func (d *Driver) CopyTo(ctx context.Context, name, localPath, remotePath string) error {
	_, err := d.run(ctx, d.Backend.CopyToArgv(name, localPath, remotePath), nil)
	return err
}

func (d *Driver) CopyFrom(ctx context.Context, name, remotePath, localPath string) error {
	_, err := d.run(ctx, d.Backend.CopyFromArgv(name, remotePath, localPath), nil)
	return err
}

func (d *Driver) Logs(ctx context.Context, name string, lines int) (string, error) {
	res, err := d.run(ctx, d.Backend.LogsArgv(name, lines), nil)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// RegisterBase, CloneFromBase, ListBases, and DeleteBase are not backed by
// any of the CLI tools' native snapshot vocabulary in a way that is
// uniform across them (LXD has real copy-on-write storage pools, QEMU and
// VirtualBox vary by storage backend); clidriver.Driver leaves them
// unsupported, and a backend with a native primitive embeds this Driver and
// overrides just those four methods (lxddriver, qemudriver and
// virtualboxdriver all do).
func (d *Driver) RegisterBase(ctx context.Context, name, source string, autoStop bool) (driver.BaseImage, error) {
	return driver.BaseImage{}, driver.New(driver.ErrUnsupported, "%s: base image registration not supported", d.Name())
}

func (d *Driver) CloneFromBase(ctx context.Context, base, name string) (driver.CloneResult, error) {
	return driver.CloneResult{}, driver.New(driver.ErrUnsupported, "%s: clone-from-base not supported", d.Name())
}

func (d *Driver) ListBases(ctx context.Context) ([]driver.BaseImage, error) {
	return nil, driver.New(driver.ErrUnsupported, "%s: base images not supported", d.Name())
}

func (d *Driver) DeleteBase(ctx context.Context, name string, force bool) error {
	return driver.New(driver.ErrUnsupported, "%s: base images not supported", d.Name())
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
