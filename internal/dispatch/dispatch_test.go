package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivertest"
	"github.com/rexxfleet/orchestrator/internal/security"
)

func newHandler(t *testing.T, mode security.Mode, maxMem int64, opts ...security.Option) (*Handler, *drivertest.Fake) {
	t.Helper()
	fake := drivertest.New("docker")
	reg := driver.NewRegistry()
	reg.Register("docker", func() (driver.Driver, error) { return fake, nil })
	policy, err := security.New(mode, maxMem, 0, opts...)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return NewHandler(reg, security.NewGate(policy), "", time.Second), fake
}

func TestCreateThenList(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	ctx := context.Background()
	res := h.Handle(ctx, "docker", `create image=debian:stable name=web-1`, nil)
	if !res.Success || res.Fields["container"] != "web-1" || res.Fields["status"] != "created" {
		t.Fatalf("unexpected create result: %+v", res)
	}
	list := h.Handle(ctx, "docker", `list`, nil)
	if !list.Success {
		t.Fatalf("list failed: %+v", list)
	}
	infos := list.Fields["instances"].([]driver.InstanceInfo)
	if len(infos) != 1 || infos[0].Name != "web-1" {
		t.Fatalf("expected web-1 in list, got %+v", infos)
	}
}

func TestCreateDuplicateConflict(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	ctx := context.Background()
	h.Handle(ctx, "docker", `create name=web-1`, nil)
	res := h.Handle(ctx, "docker", `create name=web-1`, nil)
	if res.Success || driver.ErrorKind(res.ErrorKind) != driver.ErrConflict {
		t.Fatalf("expected conflict, got %+v", res)
	}
}

func TestStartThenExec(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	ctx := context.Background()
	h.Handle(ctx, "docker", `create name=web-1`, nil)
	startRes := h.Handle(ctx, "docker", `start name=web-1`, nil)
	if !startRes.Success || startRes.Fields["status"] != "running" {
		t.Fatalf("unexpected start result: %+v", startRes)
	}
	execRes := h.Handle(ctx, "docker", `exec name=web-1 command="echo hi"`, nil)
	if !execRes.Success {
		t.Fatalf("exec failed: %+v", execRes)
	}
	if execRes.Fields["exit_code"] != 0 {
		t.Fatalf("expected exit_code 0, got %+v", execRes.Fields)
	}
}

func TestCreateRejectedByMemoryPolicy(t *testing.T) {
	h, _ := newHandler(t, security.ModeStrict, 2*1024*1024*1024, security.WithAllowedImages("debian:stable"))
	ctx := context.Background()
	res := h.Handle(ctx, "docker", `create image=debian:stable name=bad memory=10g`, nil)
	if res.Success {
		t.Fatalf("expected denial, got success: %+v", res)
	}
	if driver.ErrorKind(res.ErrorKind) != driver.ErrPolicyDenied {
		t.Fatalf("expected policy_denied, got %q", res.ErrorKind)
	}
}

func TestRegisterBaseCloneThreeTimesThenDeleteConflict(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	ctx := context.Background()
	h.Handle(ctx, "docker", `create name=web-1`, nil)
	regRes := h.Handle(ctx, "docker", `register_base name=b1 source=web-1`, nil)
	if !regRes.Success {
		t.Fatalf("register_base failed: %+v", regRes)
	}

	done := make(chan Result, 3)
	for i := 1; i <= 3; i++ {
		go func(n int) {
			line := "clone_from_base base=b1 name=c" + string(rune('0'+n))
			done <- h.Handle(ctx, "docker", line, nil)
		}(i)
	}
	for i := 0; i < 3; i++ {
		if r := <-done; !r.Success {
			t.Fatalf("clone failed: %+v", r)
		}
	}

	listRes := h.Handle(ctx, "docker", `list_bases`, nil)
	bases := listRes.Fields["bases"].([]driver.BaseImage)
	if len(bases) != 1 || bases[0].CloneCount != 3 {
		t.Fatalf("expected clone_count=3, got %+v", bases)
	}

	delRes := h.Handle(ctx, "docker", `delete_base name=b1`, nil)
	if delRes.Success || driver.ErrorKind(delRes.ErrorKind) != driver.ErrConflict {
		t.Fatalf("expected conflict deleting base with clones, got %+v", delRes)
	}
}

func TestDeployRexxPolicyDenialThenSuccess(t *testing.T) {
	h, _ := newHandler(t, security.ModeStrict, 0, security.WithTrustedBinaries("/opt/rexx"), security.WithAllowedImages("debian:stable"))
	ctx := context.Background()
	h.Handle(ctx, "docker", `create image=debian:stable name=web-1`, nil)
	h.Handle(ctx, "docker", `start name=web-1`, nil)

	denied := h.Handle(ctx, "docker", `deploy_rexx container=web-1 rexx_binary=/tmp/rexx`, nil)
	if denied.Success || driver.ErrorKind(denied.ErrorKind) != driver.ErrPolicyDenied {
		t.Fatalf("expected policy_denied, got %+v", denied)
	}

	tmp := t.TempDir() + "/rexx"
	if err := os.WriteFile(tmp, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The trusted path must exist on disk for Deploy's stat step; since the
	// policy trusts the literal path "/opt/rexx" rather than tmp, point the
	// command at a binary whose path is both trusted and statable by giving
	// deploy_rexx the real file through rexx_binary but registering that
	// same path as trusted.
	h2, _ := newHandler(t, security.ModeStrict, 0, security.WithTrustedBinaries(tmp), security.WithAllowedImages("debian:stable"))
	h2.Handle(ctx, "docker", `create image=debian:stable name=web-1`, nil)
	h2.Handle(ctx, "docker", `start name=web-1`, nil)
	allowed := h2.Handle(ctx, "docker", `deploy_rexx container=web-1 rexx_binary=`+tmp, nil)
	if !allowed.Success {
		t.Fatalf("expected deploy success, got %+v", allowed)
	}
}

func TestExecuteRexxBeforeDeployFails(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	ctx := context.Background()
	h.Handle(ctx, "docker", `create name=web-1`, nil)
	h.Handle(ctx, "docker", `start name=web-1`, nil)
	res := h.Handle(ctx, "docker", `execute_rexx container=web-1 script="SAY 'hi'"`, nil)
	if res.Success || driver.ErrorKind(res.ErrorKind) != driver.ErrInvalidArgument {
		t.Fatalf("expected invalid_argument, got %+v", res)
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	h, _ := newHandler(t, security.ModeModerate, 0)
	res := h.Handle(context.Background(), "docker", `frobnicate name=web-1`, nil)
	if res.Success || driver.ErrorKind(res.ErrorKind) != driver.ErrInvalidArgument {
		t.Fatalf("expected invalid_argument for unknown op, got %+v", res)
	}
}

func TestSecurityAuditReturnsPolicyMode(t *testing.T) {
	h, _ := newHandler(t, security.ModeStrict, 0)
	res := h.Handle(context.Background(), "docker", `security_audit`, nil)
	if !res.Success {
		t.Fatalf("security_audit failed: %+v", res)
	}
	policies := res.Fields["policies"].(map[string]interface{})
	if policies["mode"] != "strict" {
		t.Fatalf("expected mode strict, got %+v", policies)
	}
}
