// Package dispatch implements C7: the single ADDRESS entry point that
// interpolates, parses, gates, and routes one command line to a driver
// operation, returning a uniform Result. Mirrors the teacher's top-level
// recover-and-log pattern (codex-monitor/main.go) at the dispatch boundary.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rexxfleet/orchestrator/internal/clone"
	"github.com/rexxfleet/orchestrator/internal/command"
	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/instance"
	"github.com/rexxfleet/orchestrator/internal/payload"
	"github.com/rexxfleet/orchestrator/internal/security"
)

var knownOps = map[string]bool{
	"create": true, "start": true, "stop": true, "remove": true, "list": true,
	"exec": true, "copy_to": true, "copy_from": true, "logs": true,
	"register_base": true, "clone_from_base": true, "list_bases": true, "delete_base": true,
	"deploy_rexx": true, "execute_rexx": true, "cleanup_rexx": true,
	"security_audit": true,
}

// Handler owns the driver registry and security gate, and lazily allocates
// one instance registry and one base registry per ADDRESS target.
type Handler struct {
	Drivers        *driver.Registry
	Gate           *security.Gate
	Style          command.DelimiterStyle
	DefaultTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*instance.Registry
	bases     map[string]*clone.Registry
}

// NewHandler builds a Handler over an already-populated driver registry.
func NewHandler(drivers *driver.Registry, gate *security.Gate, style command.DelimiterStyle, defaultTimeout time.Duration) *Handler {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Handler{
		Drivers:        drivers,
		Gate:           gate,
		Style:          style,
		DefaultTimeout: defaultTimeout,
		instances:      make(map[string]*instance.Registry),
		bases:          make(map[string]*clone.Registry),
	}
}

func (h *Handler) instancesFor(target string) *instance.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.instances[target]
	if !ok {
		r = instance.NewRegistry(target, 0)
		h.instances[target] = r
	}
	return r
}

func (h *Handler) basesFor(target string) *clone.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.bases[target]
	if !ok {
		r = clone.NewRegistry()
		h.bases[target] = r
	}
	return r
}

// Handle interpolates, parses, gates, and routes one line against target,
// recovering any panic raised along the way into an {error_kind: internal}
// result rather than letting it cross the dispatch boundary.
func (h *Handler) Handle(ctx context.Context, target, line string, vars map[string]string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail("", fmt.Errorf("panic: %v", r))
			result.ErrorKind = string(driver.ErrInternal)
		}
	}()

	interpolated := command.Interpolate(line, vars, h.Style)
	cmd, err := command.ParseLine(interpolated)
	if err != nil {
		return fail("", driver.New(driver.ErrInvalidArgument, "%v", err))
	}
	if cmd.Operation == "" {
		return fail("", driver.New(driver.ErrInvalidArgument, "empty command"))
	}
	op := strings.ToLower(cmd.Operation)
	if !knownOps[op] {
		return fail(op, driver.New(driver.ErrInvalidArgument, "unknown operation %q", cmd.Operation))
	}

	if op == "security_audit" {
		return h.handleSecurityAudit()
	}

	if decision := h.gateCheck(cmd); !decision.Allowed {
		return fail(op, driver.New(driver.ErrPolicyDenied, "%s", security.Denial(decision).Error()))
	}

	d, err := h.Drivers.Get(ctx, target)
	if err != nil {
		return fail(op, err)
	}
	reg := h.instancesFor(target)
	bases := h.basesFor(target)

	switch op {
	case "create":
		return h.opCreate(ctx, d, reg, cmd)
	case "start":
		return h.opStart(ctx, d, reg, cmd)
	case "stop":
		return h.opStop(ctx, d, reg, cmd)
	case "remove":
		return h.opRemove(ctx, d, reg, cmd)
	case "list":
		return h.opList(ctx, d)
	case "exec":
		return h.opExec(ctx, d, reg, cmd)
	case "copy_to":
		return h.opCopyTo(ctx, d, reg, cmd)
	case "copy_from":
		return h.opCopyFrom(ctx, d, reg, cmd)
	case "logs":
		return h.opLogs(ctx, d, reg, cmd)
	case "register_base":
		return h.opRegisterBase(ctx, d, reg, bases, cmd)
	case "clone_from_base":
		return h.opCloneFromBase(ctx, d, reg, bases, cmd)
	case "list_bases":
		return h.opListBases(bases)
	case "delete_base":
		return h.opDeleteBase(ctx, d, bases, cmd)
	case "deploy_rexx":
		return h.opDeployRexx(ctx, d, reg, cmd)
	case "execute_rexx":
		return h.opExecuteRexx(ctx, d, reg, cmd)
	case "cleanup_rexx":
		return h.opCleanupRexx(ctx, d, reg, cmd)
	default:
		return fail(op, driver.New(driver.ErrInternal, "operation %q recognized but not routed", op))
	}
}

// gateCheck consults the security gate for whichever of
// image/memory/cpus/volumes/privileged/command/script/binary params are
// present on cmd, aggregating all violations into a single decision.
func (h *Handler) gateCheck(cmd command.Command) security.Decision {
	var violations []string
	add := func(d security.Decision) {
		if !d.Allowed {
			violations = append(violations, d.Violations...)
		}
	}

	if img, ok := cmd.Get("image"); ok && img != "" {
		add(h.Gate.CheckImage(img))
	}
	_, hasMem := cmd.Get("memory")
	_, hasCPU := cmd.Get("cpus")
	if hasMem || hasCPU {
		mem := command.ParseMemory(cmd.GetOr("memory", ""))
		cpus := parseFloatOr(cmd.GetOr("cpus", ""), 0)
		add(h.Gate.CheckResources(mem, cpus))
	}
	if vol, ok := cmd.Get("volumes"); ok && vol != "" {
		hostPaths := make([]string, 0)
		for _, pair := range parseVolumes(vol) {
			hostPaths = append(hostPaths, pair.Host)
		}
		add(h.Gate.CheckVolumes(hostPaths))
	}
	if cmd.Bool("privileged") {
		add(h.Gate.CheckPrivileged(true))
	}
	if c, ok := cmd.Get("command"); ok && c != "" {
		add(h.Gate.CheckCommand(c))
	}
	if s, ok := cmd.Get("script"); ok && s != "" {
		add(h.Gate.CheckCommand(s))
	}
	if b, ok := cmd.Get("rexx_binary"); ok && b != "" {
		add(h.Gate.CheckBinary(b))
	}
	if len(violations) > 0 {
		return security.Decision{Allowed: false, Violations: violations}
	}
	return security.Decision{Allowed: true}
}

func (h *Handler) handleSecurityAudit() Result {
	events := h.Gate.Audit.Snapshot()
	return ok("security_audit", fmt.Sprintf("%d audit events", len(events)), map[string]interface{}{
		"events":   events,
		"policies": map[string]interface{}{"mode": string(h.Gate.Policy.Mode)},
	})
}

func (h *Handler) opCreate(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	if name == "" {
		name = reg.NextName()
	}
	if _, err := reg.Reserve(name); err != nil {
		return fail("create", err)
	}
	params := driver.CreateParams{
		Name:        name,
		Image:       cmd.GetOr("image", ""),
		Interactive: cmd.Bool("interactive"),
		Memory:      command.ParseMemory(cmd.GetOr("memory", "")),
		CPUs:        parseFloatOr(cmd.GetOr("cpus", ""), 0),
		Privileged:  cmd.Bool("privileged"),
		Volumes:     parseVolumes(cmd.GetOr("volumes", "")),
		Environment: parseEnv(cmd.GetOr("environment", "")),
	}
	info, err := d.Create(ctx, params)
	if err != nil {
		reg.Evict(name)
		return fail("create", err)
	}
	_ = reg.Update(name, func(i *instance.Instance) {
		i.ID = info.ID
		i.Image = params.Image
		i.Interactive = params.Interactive
		i.Memory = params.Memory
		i.CPUs = params.CPUs
		i.Volumes = params.Volumes
		i.Environment = params.Environment
	})
	return ok("create", fmt.Sprintf("created %s", name), map[string]interface{}{
		"container": name, "id": info.ID, "status": string(driver.StatusCreated),
	})
}

func (h *Handler) opStart(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	if name == "" {
		return fail("start", driver.New(driver.ErrInvalidArgument, "name is required"))
	}
	if _, err := reg.Get(name); err != nil {
		return fail("start", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()
	if err := d.Start(ctx, name); err != nil {
		return fail("start", err)
	}
	if err := reg.Transition(name, driver.StatusRunning); err != nil {
		return fail("start", err)
	}
	return ok("start", fmt.Sprintf("started %s", name), map[string]interface{}{
		"container": name, "status": string(driver.StatusRunning),
	})
}

func (h *Handler) opStop(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	if name == "" {
		return fail("stop", driver.New(driver.ErrInvalidArgument, "name is required"))
	}
	if _, err := reg.Get(name); err != nil {
		return fail("stop", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()
	if err := d.Stop(ctx, name); err != nil {
		return fail("stop", err)
	}
	if err := reg.Transition(name, driver.StatusStopped); err != nil {
		return fail("stop", err)
	}
	return ok("stop", fmt.Sprintf("stopped %s", name), map[string]interface{}{
		"container": name, "status": string(driver.StatusStopped),
	})
}

func (h *Handler) opRemove(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	if name == "" {
		return fail("remove", driver.New(driver.ErrInvalidArgument, "name is required"))
	}
	force := cmd.Bool("force")
	if _, err := reg.Get(name); err != nil {
		return fail("remove", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	if err := d.Remove(ctx, name, force); err != nil {
		lock.Unlock()
		return fail("remove", err)
	}
	_ = reg.Transition(name, driver.StatusRemoved)
	lock.Unlock()
	reg.Evict(name)
	return ok("remove", fmt.Sprintf("removed %s", name), map[string]interface{}{"container": name})
}

func (h *Handler) opList(ctx context.Context, d driver.Driver) Result {
	infos, err := d.List(ctx)
	if err != nil {
		return fail("list", err)
	}
	return ok("list", fmt.Sprintf("%d instances", len(infos)), map[string]interface{}{"instances": infos})
}

func (h *Handler) opExec(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	commandText := cmd.GetOr("command", "")
	if commandText == "" {
		return fail("exec", driver.New(driver.ErrInvalidArgument, "command is required"))
	}
	running, err := reg.RequireRunning(name)
	if err != nil {
		return fail("exec", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()

	timeout := parseTimeoutMS(cmd.GetOr("timeout", ""), h.DefaultTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	res, execErr := d.Exec(execCtx, running.ID, []string{"sh", "-c", commandText}, nil, &stdout, &stderr, timeout)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	fields := map[string]interface{}{"stdout": res.Stdout, "stderr": res.Stderr, "exit_code": res.ExitCode}
	if execErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return failWithFields("exec", driver.New(driver.ErrTimeout, "exec timed out after %s", timeout), fields)
		}
		return failWithFields("exec", execErr, fields)
	}
	return ok("exec", res.Stdout, fields)
}

func (h *Handler) opCopyTo(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	local := cmd.GetOr("local_path", "")
	remote := cmd.GetOr("remote_path", "")
	running, err := reg.RequireRunning(name)
	if err != nil {
		return fail("copy_to", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()
	if err := d.CopyTo(ctx, running.ID, local, remote); err != nil {
		return fail("copy_to", err)
	}
	return ok("copy_to", fmt.Sprintf("copied %s to %s:%s", local, name, remote), nil)
}

func (h *Handler) opCopyFrom(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	local := cmd.GetOr("local_path", "")
	remote := cmd.GetOr("remote_path", "")
	running, err := reg.RequireRunning(name)
	if err != nil {
		return fail("copy_from", err)
	}
	lock := reg.Lock(name)
	lock.Lock()
	defer lock.Unlock()
	if err := d.CopyFrom(ctx, running.ID, remote, local); err != nil {
		return fail("copy_from", err)
	}
	return ok("copy_from", fmt.Sprintf("copied %s:%s to %s", name, remote, local), nil)
}

func (h *Handler) opLogs(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	lines := int(parseFloatOr(cmd.GetOr("lines", ""), 0))
	running, err := reg.RequireRunning(name)
	if err != nil {
		return fail("logs", err)
	}
	out, err := d.Logs(ctx, running.ID, lines)
	if err != nil {
		return fail("logs", err)
	}
	return ok("logs", out, map[string]interface{}{"output": out})
}

func (h *Handler) opRegisterBase(ctx context.Context, d driver.Driver, reg *instance.Registry, bases *clone.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	source := cmd.GetOr("source", cmd.GetOr("source_instance", cmd.GetOr("source_image", "")))
	autoStop := cmd.Bool("auto_stop")

	if inst, err := reg.Get(source); err == nil && inst.Status == driver.StatusRunning {
		if !autoStop {
			return fail("register_base", driver.New(driver.ErrConflict, "source instance %q is running; pass auto_stop=true", source))
		}
		if err := d.Stop(ctx, source); err != nil {
			return fail("register_base", err)
		}
		_ = reg.Transition(source, driver.StatusStopped)
	}

	img, err := bases.RegisterBase(ctx, d, name, source, autoStop)
	if err != nil {
		return fail("register_base", err)
	}
	return ok("register_base", fmt.Sprintf("registered base %s", name), map[string]interface{}{"base": img})
}

func (h *Handler) opCloneFromBase(ctx context.Context, d driver.Driver, reg *instance.Registry, bases *clone.Registry, cmd command.Command) Result {
	base := cmd.GetOr("base", "")
	name := cmd.GetOr("name", "")
	if name == "" {
		name = reg.NextName()
	}
	if _, err := reg.Reserve(name); err != nil {
		return fail("clone_from_base", err)
	}
	result, err := bases.CloneFromBase(ctx, d, base, name)
	if err != nil {
		reg.Evict(name)
		return fail("clone_from_base", err)
	}
	_ = reg.Update(name, func(i *instance.Instance) {
		i.ID = result.Name
		i.BaseRef = base
	})
	return ok("clone_from_base", fmt.Sprintf("cloned %s from %s", name, base), map[string]interface{}{
		"name": name, "clone_time_ms": result.CloneTimeMS, "bytes_consumed": result.BytesConsumed,
	})
}

func (h *Handler) opListBases(bases *clone.Registry) Result {
	list := bases.ListBases()
	return ok("list_bases", fmt.Sprintf("%d bases", len(list)), map[string]interface{}{"bases": list})
}

func (h *Handler) opDeleteBase(ctx context.Context, d driver.Driver, bases *clone.Registry, cmd command.Command) Result {
	name := cmd.GetOr("name", "")
	force := cmd.Bool("force")
	if err := bases.DeleteBase(ctx, d, name, force); err != nil {
		return fail("delete_base", err)
	}
	return ok("delete_base", fmt.Sprintf("deleted base %s", name), nil)
}

func (h *Handler) opDeployRexx(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("container", cmd.GetOr("name", ""))
	bin := cmd.GetOr("rexx_binary", "")
	remotePath := cmd.GetOr("rexx_path", "")
	res, err := payload.Deploy(ctx, d, reg, h.Gate, name, bin, remotePath)
	if err != nil {
		return fail("deploy_rexx", err)
	}
	return ok("deploy_rexx", fmt.Sprintf("deployed to %s", res.RemotePath), map[string]interface{}{
		"remote_path": res.RemotePath, "bytes_shipped": res.BytesShipped,
		"duration_ms": res.DurationMS, "throughput_kb_s": res.ThroughputKB,
	})
}

func (h *Handler) opExecuteRexx(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("container", cmd.GetOr("name", ""))
	script := cmd.GetOr("script", "")
	timeout := parseTimeoutMS(cmd.GetOr("timeout", ""), h.DefaultTimeout)

	var checkpoints []command.CheckpointRecord
	var cb func(command.CheckpointRecord)
	if cmd.Bool("progress_callback") {
		cb = func(rec command.CheckpointRecord) { checkpoints = append(checkpoints, rec) }
	}

	res, err := payload.Execute(ctx, d, reg, h.Gate, payload.ExecuteRequest{
		Instance: name, Script: script, Timeout: timeout, ProgressCallback: cb,
	})
	fields := map[string]interface{}{"stdout": res.Stdout, "stderr": res.Stderr, "exit_code": res.ExitCode}
	if checkpoints != nil {
		fields["checkpoints"] = checkpoints
	}
	if err != nil {
		return failWithFields("execute_rexx", err, fields)
	}
	return ok("execute_rexx", res.Stdout, fields)
}

func (h *Handler) opCleanupRexx(ctx context.Context, d driver.Driver, reg *instance.Registry, cmd command.Command) Result {
	name := cmd.GetOr("container", cmd.GetOr("name", ""))
	if err := payload.Cleanup(ctx, d, reg, name); err != nil {
		return fail("cleanup_rexx", err)
	}
	return ok("cleanup_rexx", fmt.Sprintf("cleaned up %s", name), nil)
}

func failWithFields(op string, err error, fields map[string]interface{}) Result {
	r := fail(op, err)
	r.Fields = fields
	return r
}

func parseFloatOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

// parseTimeoutMS interprets a "timeout" param as milliseconds, falling back
// to def when absent or malformed.
func parseTimeoutMS(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// parseVolumes parses "host1:guest1,host2:guest2" into bind pairs.
func parseVolumes(s string) []driver.VolumeMount {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []driver.VolumeMount
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, driver.VolumeMount{Host: strings.TrimSpace(parts[0]), Guest: strings.TrimSpace(parts[1])})
	}
	return out
}

// parseEnv parses "KEY1=VAL1,KEY2=VAL2" into a map.
func parseEnv(s string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			continue
		}
		out[strings.TrimSpace(pair[:idx])] = strings.TrimSpace(pair[idx+1:])
	}
	return out
}
