package payload

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/command"
	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivertest"
	"github.com/rexxfleet/orchestrator/internal/instance"
	"github.com/rexxfleet/orchestrator/internal/security"
)

func setup(t *testing.T) (*drivertest.Fake, *instance.Registry, *security.Gate) {
	t.Helper()
	d := drivertest.New("docker")
	reg := instance.NewRegistry("docker", 20)
	if _, err := reg.Reserve("web-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Transition("web-1", driver.StatusRunning); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := d.Start(context.Background(), "web-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Binary/volume policy strictness is covered in internal/security;
	// permissive here keeps these tests focused on deploy/execute wiring.
	p, err := security.New(security.ModePermissive, 0, 0)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return d, reg, security.NewGate(p)
}

func TestExecuteRefusesWithoutDeploy(t *testing.T) {
	d, reg, gate := setup(t)
	_, err := Execute(context.Background(), d, reg, gate, ExecuteRequest{Instance: "web-1", Script: "SAY 'hi'"})
	if driver.KindOf(err) != driver.ErrInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestDeployThenExecuteWithCheckpoints(t *testing.T) {
	d, reg, gate := setup(t)

	tmp := t.TempDir() + "/rexx"
	writeExecutable(t, tmp)

	if _, err := Deploy(context.Background(), d, reg, gate, "web-1", tmp, "/opt/rexx"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	var recs []command.CheckpointRecord
	script := "SAY 'hi'\nCHECKPOINT('STEP', 'pct=50')\nCHECKPOINT('STEP', 'pct=100')"
	res, err := Execute(context.Background(), d, reg, gate, ExecuteRequest{
		Instance: "web-1",
		Script:   script,
		Timeout:  2 * time.Second,
		ProgressCallback: func(r command.CheckpointRecord) {
			recs = append(recs, r)
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	// INIT + 2 STEP + COMPLETE = 4 checkpoints, in order.
	if len(recs) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d: %+v", len(recs), recs)
	}
	if recs[0].Name != "INIT" || recs[len(recs)-1].Name != "COMPLETE" {
		t.Fatalf("expected INIT first and COMPLETE last, got %+v", recs)
	}
	if recs[1].Params["pct"] != int64(50) || recs[2].Params["pct"] != int64(100) {
		t.Fatalf("unexpected step params: %+v %+v", recs[1], recs[2])
	}
}

func TestCleanupClearsDeployedFlag(t *testing.T) {
	d, reg, gate := setup(t)
	tmp := t.TempDir() + "/rexx"
	writeExecutable(t, tmp)
	if _, err := Deploy(context.Background(), d, reg, gate, "web-1", tmp, "/opt/rexx"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := Cleanup(context.Background(), d, reg, "web-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	inst, err := reg.Get("web-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.RexxDeployed {
		t.Fatalf("expected rexx_deployed=false after cleanup")
	}
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	d, reg, gate := setup(t)
	d.SleepExec = 200 * time.Millisecond
	tmp := t.TempDir() + "/rexx"
	writeExecutable(t, tmp)
	if _, err := Deploy(context.Background(), d, reg, gate, "web-1", tmp, "/opt/rexx"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	res, err := Execute(context.Background(), d, reg, gate, ExecuteRequest{
		Instance: "web-1",
		Script:   "SAY 'hi'",
		Timeout:  20 * time.Millisecond,
	})
	if driver.KindOf(err) != driver.ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Stdout == "" {
		t.Fatalf("expected partial stdout captured up to the signal")
	}
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho ok\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}
