// Command fleetengine is the thin stdin-driven adapter around the engine
// packages: it reads one command per line (an `ADDRESS target` line
// switches the active backend, anything else is dispatched against it),
// and writes one JSON result per line to stdout. The engine packages
// (internal/dispatch, internal/security, ...) are the reusable library; this
// binary is just a driver for them, the same shape as the teacher's
// cmd/codex-monitor sitting on top of agents/shared.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rexxfleet/orchestrator/internal/config"
	"github.com/rexxfleet/orchestrator/internal/dispatch"
	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
	"github.com/rexxfleet/orchestrator/internal/drivers/dockerdriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/firecrackerdriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/lxddriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/nspawndriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/podmandriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/proxmoxdriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/qemudriver"
	"github.com/rexxfleet/orchestrator/internal/drivers/virtualboxdriver"
	"github.com/rexxfleet/orchestrator/internal/logging"
	"github.com/rexxfleet/orchestrator/internal/remote"
	"github.com/rexxfleet/orchestrator/internal/security"
)

func main() {
	configFile := flag.String("config", "", "path to a TOML policy file (overrides FLEETENGINE_POLICY_FILE)")
	policyMode := flag.String("policy", "", "policy mode: strict|moderate|permissive (overrides FLEETENGINE_MODE)")
	scriptFile := flag.String("script", "", "read commands from this file instead of stdin")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetengine: %v\n", err)
		os.Exit(2)
	}
	if *policyMode != "" {
		cfg.Mode = security.Mode(*policyMode)
	}

	logger := logging.New("fleetengine", cfg.Debug || logging.DebugEnabled())

	policy, err := cfg.BuildPolicy()
	if err != nil {
		logger.Fatalf("policy config: %v", err)
	}
	gate := security.NewGate(policy)

	registry := buildDriverRegistry()
	handler := dispatch.NewHandler(registry, gate, cfg.DelimiterStyle(), cfg.DefaultTimeout)

	input := os.Stdin
	if *scriptFile != "" {
		f, err := os.Open(*scriptFile)
		if err != nil {
			logger.Fatalf("open script %s: %v", *scriptFile, err)
		}
		defer f.Close()
		input = f
	}

	logger.Printf("starting (mode=%s timeout=%s)", policy.Mode, cfg.DefaultTimeout)
	runLoop(context.Background(), handler, input, os.Stdout, logger)
}

// runLoop reads one command per line, tracking the active ADDRESS target
// across lines, and writes one JSON result per line for everything that
// isn't itself an ADDRESS switch.
func runLoop(ctx context.Context, handler *dispatch.Handler, r io.Reader, w io.Writer, logger *logging.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	target := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if newTarget, ok := parseAddress(line); ok {
			target = newTarget
			continue
		}
		if target == "" {
			logger.Printf("command %q received before any ADDRESS target", line)
			_ = enc.Encode(map[string]interface{}{
				"success":    false,
				"error":      "no ADDRESS target selected",
				"error_kind": string(driver.ErrInvalidArgument),
			})
			continue
		}
		res := handler.Handle(ctx, target, line, nil)
		if err := enc.Encode(res); err != nil {
			logger.Printf("encode result: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Printf("read error: %v", err)
	}
}

// parseAddress recognizes "ADDRESS <target>" (case-insensitive on the
// keyword), returning the lowercased target name.
func parseAddress(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "ADDRESS") {
		return "", false
	}
	return strings.ToLower(fields[1]), true
}

// buildDriverRegistry registers every backend named in the driver table,
// lazily constructed on first use — an unavailable or misconfigured
// backend simply poisons its own slot rather than blocking the others.
func buildDriverRegistry() *driver.Registry {
	reg := driver.NewRegistry()
	runner := clirunner.LocalRunner{}

	reg.Register("docker", func() (driver.Driver, error) { return dockerdriver.New() })
	reg.Register("remote_docker", func() (driver.Driver, error) {
		host := os.Getenv("FLEETENGINE_REMOTE_DOCKER_HOST")
		if host == "" {
			return nil, driver.New(driver.ErrBackendUnavail, "remote_docker: FLEETENGINE_REMOTE_DOCKER_HOST not set")
		}
		return dockerdriver.NewWithHost(host)
	})
	reg.Register("podman", func() (driver.Driver, error) {
		return podmandriver.New(context.Background(), os.Getenv("FLEETENGINE_PODMAN_SOCKET"), runner)
	})
	reg.Register("nspawn", func() (driver.Driver, error) { return nspawndriver.New(runner), nil })
	reg.Register("lxd", func() (driver.Driver, error) { return lxddriver.New(runner), nil })
	reg.Register("qemu", func() (driver.Driver, error) {
		imageDir := os.Getenv("FLEETENGINE_QEMU_IMAGE_DIR")
		if imageDir == "" {
			imageDir = "/var/lib/fleetengine/qemu"
		}
		return qemudriver.New(runner, imageDir), nil
	})
	reg.Register("virtualbox", func() (driver.Driver, error) { return virtualboxdriver.New(runner), nil })
	reg.Register("proxmox", func() (driver.Driver, error) { return proxmoxdriver.New(runner), nil })
	reg.Register("firecracker", func() (driver.Driver, error) {
		stateDir := os.Getenv("FLEETENGINE_FIRECRACKER_STATE_DIR")
		if stateDir == "" {
			stateDir = "/var/lib/fleetengine/firecracker"
		}
		kernel := os.Getenv("FLEETENGINE_FIRECRACKER_KERNEL")
		return firecrackerdriver.New(stateDir, kernel), nil
	})

	registerRemoteTargets(reg)
	return reg
}

// registerRemoteTargets wires the SSH-tunneled counterpart of every
// CLI-shelling backend: same Backend/Driver construction, but running its
// commands through an internal/remote.Client instead of the local runner.
// Each target dials lazily on first use, from FLEETENGINE_REMOTE_* env vars
// shared across all of them (one remote host per process).
func registerRemoteTargets(reg *driver.Registry) {
	dial := func(ctx context.Context) (*remote.Client, error) {
		host := os.Getenv("FLEETENGINE_REMOTE_HOST")
		if host == "" {
			return nil, driver.New(driver.ErrBackendUnavail, "remote target: FLEETENGINE_REMOTE_HOST not set")
		}
		port, _ := strconv.Atoi(os.Getenv("FLEETENGINE_REMOTE_PORT"))
		ep := remote.Endpoint{
			Host:              host,
			Port:              port,
			User:              os.Getenv("FLEETENGINE_REMOTE_USER"),
			AuthMethod:        remote.AuthAuto,
			Password:          os.Getenv("FLEETENGINE_REMOTE_PASSWORD"),
			KnownHostsPath:    os.Getenv("FLEETENGINE_REMOTE_KNOWN_HOSTS"),
			SudoRetryExec:     true,
			SudoRetryTransfer: false,
		}
		if keyPath := os.Getenv("FLEETENGINE_REMOTE_KEY_PATH"); keyPath != "" {
			ep.PrivateKeyPaths = []string{keyPath}
		}
		return remote.Dial(ctx, ep)
	}

	reg.Register("remote_lxd", func() (driver.Driver, error) {
		c, err := dial(context.Background())
		if err != nil {
			return nil, err
		}
		return lxddriver.New(c), nil
	})
	reg.Register("remote_qemu", func() (driver.Driver, error) {
		c, err := dial(context.Background())
		if err != nil {
			return nil, err
		}
		imageDir := os.Getenv("FLEETENGINE_QEMU_IMAGE_DIR")
		if imageDir == "" {
			imageDir = "/var/lib/fleetengine/qemu"
		}
		return qemudriver.New(c, imageDir), nil
	})
	reg.Register("remote_virtualbox", func() (driver.Driver, error) {
		c, err := dial(context.Background())
		if err != nil {
			return nil, err
		}
		return virtualboxdriver.New(c), nil
	})
	reg.Register("remote_proxmox", func() (driver.Driver, error) {
		c, err := dial(context.Background())
		if err != nil {
			return nil, err
		}
		return proxmoxdriver.New(c), nil
	})
	reg.Register("remote_nspawn", func() (driver.Driver, error) {
		c, err := dial(context.Background())
		if err != nil {
			return nil, err
		}
		return nspawndriver.New(c), nil
	})
}
