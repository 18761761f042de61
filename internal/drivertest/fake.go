// Package drivertest provides an in-memory fake implementing driver.Driver,
// so C4–C8 can be unit tested deterministically without shelling out to a
// real backend CLI.
package drivertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

// Fake is an in-memory driver.Driver. Every operation is synchronous and
// deterministic; SleepExec lets tests exercise timeout handling.
type Fake struct {
	mu        sync.Mutex
	name      string
	instances map[string]*driver.InstanceInfo
	bases     map[string]*driver.BaseImage
	running   map[string]bool

	// SleepExec, if set, makes Exec block for this long before returning,
	// for timeout-path tests.
	SleepExec time.Duration

	// FailProbe makes Probe return an error, for registry poisoning tests.
	FailProbe bool
}

// New returns a Fake driver answering to name.
func New(name string) *Fake {
	return &Fake{
		name:      name,
		instances: map[string]*driver.InstanceInfo{},
		bases:     map[string]*driver.BaseImage{},
		running:   map[string]bool{},
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Probe(ctx context.Context) (driver.ProbeResult, error) {
	if f.FailProbe {
		return driver.ProbeResult{}, fmt.Errorf("fake probe failure")
	}
	return driver.ProbeResult{Available: true, Version: "fake-1.0"}, nil
}

func (f *Fake) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.InstanceInfo, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (f *Fake) Create(ctx context.Context, params driver.CreateParams) (driver.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.instances[params.Name]; exists {
		return driver.InstanceInfo{}, driver.New(driver.ErrConflict, "fake: instance %q exists", params.Name)
	}
	info := driver.InstanceInfo{Name: params.Name, ID: params.Name, Image: params.Image, Status: driver.StatusCreated}
	f.instances[params.Name] = &info
	return info, nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return driver.New(driver.ErrNotFound, "fake: instance %q not found", name)
	}
	inst.Status = driver.StatusRunning
	f.running[name] = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return driver.New(driver.ErrNotFound, "fake: instance %q not found", name)
	}
	inst.Status = driver.StatusStopped
	f.running[name] = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[name]; !ok {
		return driver.New(driver.ErrNotFound, "fake: instance %q not found", name)
	}
	delete(f.instances, name)
	delete(f.running, name)
	return nil
}

func (f *Fake) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	if f.SleepExec > 0 {
		select {
		case <-time.After(f.SleepExec):
		case <-ctx.Done():
			if stdout != nil {
				_, _ = stdout.Write([]byte("partial"))
			}
			return driver.ExecResult{ExitCode: -1, Stdout: "partial"}, driver.New(driver.ErrTimeout, "fake: exec timed out")
		}
	}
	joined := strings.Join(cmd, " ")
	out := fmt.Sprintf("ran: %s", joined)
	if stdin != nil {
		if data, err := io.ReadAll(stdin); err == nil && len(data) > 0 {
			out = string(data)
		}
	}
	if stdout != nil {
		_, _ = stdout.Write([]byte(out))
	}
	return driver.ExecResult{ExitCode: 0, Stdout: out}, nil
}

func (f *Fake) CopyTo(ctx context.Context, name, localPath, remotePath string) error  { return nil }
func (f *Fake) CopyFrom(ctx context.Context, name, remotePath, localPath string) error { return nil }

func (f *Fake) Logs(ctx context.Context, name string, lines int) (string, error) {
	return "fake logs", nil
}

func (f *Fake) RegisterBase(ctx context.Context, name, source string, autoStop bool) (driver.BaseImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "fake", SnapshotRef: "fake-snap-" + name}
	f.bases[name] = &img
	return img, nil
}

func (f *Fake) CloneFromBase(ctx context.Context, base, name string) (driver.CloneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bases[base]; !ok {
		return driver.CloneResult{}, driver.New(driver.ErrNotFound, "fake: base %q not found", base)
	}
	if _, exists := f.instances[name]; exists {
		return driver.CloneResult{}, driver.New(driver.ErrConflict, "fake: instance %q exists", name)
	}
	f.instances[name] = &driver.InstanceInfo{Name: name, ID: name, Status: driver.StatusCreated}
	return driver.CloneResult{Name: name, CloneTimeMS: 1, BytesConsumed: 4096}, nil
}

func (f *Fake) ListBases(ctx context.Context) ([]driver.BaseImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.BaseImage, 0, len(f.bases))
	for _, b := range f.bases {
		out = append(out, *b)
	}
	return out, nil
}

func (f *Fake) DeleteBase(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bases[name]; !ok {
		return driver.New(driver.ErrNotFound, "fake: base %q not found", name)
	}
	delete(f.bases, name)
	return nil
}
