// Package dockerdriver backs an ADDRESS target with the Docker Engine API,
// grounded on the retrieved corpus's docker API client: version-negotiated
// client.NewClientWithOpts, ContainerExecCreate/Attach with stdcopy.StdCopy
// demultiplexing, tar-encoded CopyToContainer, and ContainerLogs. Base
// images use `docker commit` plus a labeled clone-count registry, since the
// Engine API has no native instance-level copy-on-write primitive exposed
// to a single container the way LXD or QEMU do.
package dockerdriver

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func readFile(path string) ([]byte, error)         { return os.ReadFile(path) }
func writeFile(path string, data []byte) error      { return os.WriteFile(path, data, 0o644) }
func baseName(path string) string                   { return filepath.Base(path) }
func dirName(path string) string                    { return filepath.Dir(path) }
func timeNow() time.Time                            { return time.Now() }
func sinceMS(start time.Time) int64                 { return time.Since(start).Milliseconds() }

// Driver is a Docker Engine API-backed driver.
type Driver struct {
	api *client.Client

	mu    sync.Mutex
	bases map[string]*baseRecord
}

type baseRecord struct {
	image      driver.BaseImage
	cloneCount int
}

// New dials the local Docker daemon via the standard DOCKER_HOST/env
// resolution, negotiating the API version against the daemon.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, driver.New(driver.ErrBackendUnavail, "docker: client init: %v", err)
	}
	return &Driver{api: cli, bases: map[string]*baseRecord{}}, nil
}

// NewWithHost behaves like New but targets an explicit daemon host (a TCP
// or ssh:// endpoint, as DOCKER_HOST would accept) instead of whatever the
// ambient environment resolves, for a second docker-family ADDRESS target
// pointed at a different daemon.
func NewWithHost(host string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, driver.New(driver.ErrBackendUnavail, "docker: client init: %v", err)
	}
	return &Driver{api: cli, bases: map[string]*baseRecord{}}, nil
}

func (d *Driver) Name() string { return "docker" }

func (d *Driver) Probe(ctx context.Context) (driver.ProbeResult, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ping, err := d.api.Ping(pingCtx)
	if err != nil {
		return driver.ProbeResult{Available: false}, nil
	}
	return driver.ProbeResult{Available: true, Version: ping.APIVersion}, nil
}

func (d *Driver) List(ctx context.Context) ([]driver.InstanceInfo, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, wrapDockerErr(err)
	}
	out := make([]driver.InstanceInfo, 0, len(list))
	for _, c := range list {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, driver.InstanceInfo{
			Name:   name,
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
	case "exited", "created":
		if state == "created" {
			return driver.StatusCreated
		}
		return driver.StatusStopped
	default:
		return driver.StatusUnknown
	}
}

func (d *Driver) Create(ctx context.Context, p driver.CreateParams) (driver.InstanceInfo, error) {
	cfg := &container.Config{
		Image:        p.Image,
		Cmd:          []string{"sleep", "infinity"},
		Tty:          p.Interactive,
		Env:          envSlice(p.Environment),
		AttachStdout: p.Interactive,
	}
	hostCfg := &container.HostConfig{
		Privileged: p.Privileged,
		Binds:      bindSlice(p.Volumes),
	}
	if p.Memory > 0 {
		hostCfg.Resources.Memory = p.Memory
	}
	if p.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(p.CPUs * 1e9)
	}
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, p.Name)
	if err != nil {
		return driver.InstanceInfo{}, wrapDockerErr(err)
	}
	return driver.InstanceInfo{Name: p.Name, ID: resp.ID, Image: p.Image, Status: driver.StatusCreated}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func bindSlice(volumes []driver.VolumeMount) []string {
	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		out = append(out, fmt.Sprintf("%s:%s", v.Host, v.Guest))
	}
	return out
}

func (d *Driver) Start(ctx context.Context, name string) error {
	if err := d.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return wrapDockerErr(err)
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	if err := d.api.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return wrapDockerErr(err)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	if err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return wrapDockerErr(err)
	}
	return nil
}

func (d *Driver) Exec(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (driver.ExecResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execResp, err := d.api.ContainerExecCreate(runCtx, name, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
		Cmd:          cmd,
	})
	if err != nil {
		return driver.ExecResult{}, wrapDockerErr(err)
	}

	attach, err := d.api.ContainerExecAttach(runCtx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return driver.ExecResult{}, wrapDockerErr(err)
	}
	defer attach.Close()

	errCh := make(chan error, 1)
	go func() {
		if stdin == nil {
			errCh <- nil
			return
		}
		_, err := io.Copy(attach.Conn, stdin)
		if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	outW := io.MultiWriter(&stdoutBuf, discardIfNil(stdout))
	errW := io.MultiWriter(&stderrBuf, discardIfNil(stderr))
	_, copyErr := stdcopy.StdCopy(outW, errW, attach.Reader)

	result := driver.ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if copyErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return result, driver.New(driver.ErrTimeout, "docker exec %s timed out after %s", name, timeout)
		}
		return result, driver.New(driver.ErrIO, "docker exec stream: %v", copyErr)
	}
	<-errCh

	inspect, err := d.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return result, wrapDockerErr(err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

func discardIfNil(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func (d *Driver) CopyTo(ctx context.Context, name, localPath, remotePath string) error {
	data, err := readFile(localPath)
	if err != nil {
		return driver.New(driver.ErrIO, "docker: read %s: %v", localPath, err)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := baseName(remotePath)
	hdr := &tar.Header{Name: base, Mode: 0o755, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return driver.New(driver.ErrIO, "docker: tar header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		return driver.New(driver.ErrIO, "docker: tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		return driver.New(driver.ErrIO, "docker: tar close: %v", err)
	}
	destDir := dirName(remotePath)
	if err := d.api.CopyToContainer(ctx, name, destDir, &buf, types.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return wrapDockerErr(err)
	}
	return nil
}

func (d *Driver) CopyFrom(ctx context.Context, name, remotePath, localPath string) error {
	reader, _, err := d.api.CopyFromContainer(ctx, name, remotePath)
	if err != nil {
		return wrapDockerErr(err)
	}
	defer reader.Close()
	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return driver.New(driver.ErrIO, "docker: tar read: %v", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return driver.New(driver.ErrIO, "docker: tar body: %v", err)
	}
	return writeFile(localPath, data)
}

func (d *Driver) Logs(ctx context.Context, name string, lines int) (string, error) {
	tail := ""
	if lines > 0 {
		tail = fmt.Sprintf("%d", lines)
	}
	reader, err := d.api.ContainerLogs(ctx, name, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", wrapDockerErr(err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		_, _ = io.Copy(&buf, reader)
	}
	return buf.String(), nil
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
	resp, err := d.api.ContainerCommit(ctx, source, container.CommitOptions{Reference: "fleetengine-base/" + name})
	if err != nil {
		return driver.BaseImage{}, wrapDockerErr(err)
	}
	img := driver.BaseImage{Name: name, Source: source, StorageKind: "docker-image-layer", SnapshotRef: resp.ID, CreatedAt: timeNow()}
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
	start := timeNow()
	cfg := &container.Config{Image: rec.image.SnapshotRef, Cmd: []string{"sleep", "infinity"}}
	resp, err := d.api.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return driver.CloneResult{}, wrapDockerErr(err)
	}
	d.mu.Lock()
	rec.cloneCount++
	d.mu.Unlock()
	_ = resp.ID
	return driver.CloneResult{Name: name, CloneTimeMS: sinceMS(start)}, nil
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
	_, _, err := d.api.ImageRemove(ctx, rec.image.SnapshotRef, image.RemoveOptions{Force: force})
	if err != nil {
		return wrapDockerErr(err)
	}
	d.mu.Lock()
	delete(d.bases, name)
	d.mu.Unlock()
	return nil
}

func wrapDockerErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrNotFound(err):
		return driver.Wrap(driver.ErrNotFound, "", err)
	case client.IsErrConnectionFailed(err):
		return driver.Wrap(driver.ErrBackendUnavail, "", err)
	default:
		return driver.Wrap(driver.ErrIO, "", err)
	}
}

