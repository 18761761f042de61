// Package driver defines the backend-agnostic contract every concrete
// isolation backend (Docker, Podman, systemd-nspawn, LXD, QEMU, VirtualBox,
// Proxmox, Firecracker, and any SSH-wrapped proxy of the above) implements,
// plus the registry that maps an ADDRESS target name to a driver instance.
package driver

import (
	"context"
	"io"
	"time"
)

// Status mirrors the Instance lifecycle state machine from the data model.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusRemoved Status = "removed"
	StatusUnknown Status = "unknown"
)

// CreateParams are the backend-agnostic inputs to Create. Drivers translate
// these into their native invocation; fields not supported by a given
// backend are ignored rather than rejected (the security gate, not the
// driver, is responsible for rejecting unsupported combinations).
type CreateParams struct {
	Name        string
	Image       string
	Interactive bool
	Memory      int64 // bytes, 0 = unspecified
	CPUs        float64
	Privileged  bool
	Volumes     []VolumeMount
	Environment map[string]string
}

// VolumeMount is a host:guest bind pair.
type VolumeMount struct {
	Host  string
	Guest string
}

// InstanceInfo is the backend's view of an instance, as returned by List and
// by any lifecycle op that mutates state.
type InstanceInfo struct {
	Name   string
	ID     string
	Image  string
	Status Status
}

// ExecResult is the outcome of a guest-side command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// BaseImage mirrors the data model's BaseImage record.
type BaseImage struct {
	Name        string
	Source      string
	StorageKind string
	SnapshotRef string
	CreatedAt   time.Time
	CloneCount  int
}

// CloneResult is returned by CloneFromBase.
type CloneResult struct {
	Name          string
	CloneTimeMS   int64
	BytesConsumed int64 // 0 when the backend can't report it
}

// ProbeResult is returned by Probe.
type ProbeResult struct {
	Available bool
	Version   string
}

// Driver is the capability set every backend adapter implements. Not every
// capability must be implemented by every backend: an operation a driver
// genuinely cannot support returns an *Error with Kind == ErrUnsupported
// rather than a zero value.
type Driver interface {
	// Name identifies the ADDRESS target this driver answers for (e.g.
	// "docker", "qemu").
	Name() string

	Probe(ctx context.Context) (ProbeResult, error)
	List(ctx context.Context) ([]InstanceInfo, error)
	Create(ctx context.Context, params CreateParams) (InstanceInfo, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error

	Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (ExecResult, error)
	CopyTo(ctx context.Context, name, localPath, remotePath string) error
	CopyFrom(ctx context.Context, name, remotePath, localPath string) error
	Logs(ctx context.Context, name string, lines int) (string, error)

	RegisterBase(ctx context.Context, name, source string, autoStop bool) (BaseImage, error)
	CloneFromBase(ctx context.Context, base, name string) (CloneResult, error)
	ListBases(ctx context.Context) ([]BaseImage, error)
	DeleteBase(ctx context.Context, name string, force bool) error
}
