package security

import "testing"

func TestModerateVolumeFallsBackToWorkingDir(t *testing.T) {
	p, err := New(ModeModerate, 0, 0, WithWorkingDir("/home/ci/project"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := p.ValidateVolume("/home/ci/project/data"); len(v) != 0 {
		t.Fatalf("expected volume under CWD to be allowed, got %v", v)
	}
	if v := p.ValidateVolume("/etc"); len(v) == 0 {
		t.Fatalf("expected /etc to be rejected in moderate mode")
	}
}

func TestStrictModeRequiresAllowedImage(t *testing.T) {
	p, err := New(ModeStrict, 2<<30, 2, WithAllowedImages("debian:stable"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := p.ValidateImage("debian:stable"); len(v) != 0 {
		t.Fatalf("expected allowed image to pass, got %v", v)
	}
	if v := p.ValidateImage("evil:latest"); len(v) == 0 {
		t.Fatalf("expected disallowed image to fail")
	}
}

func TestMemoryLimitScenario(t *testing.T) {
	p, err := New(ModeStrict, 2<<30, 2, WithAllowedImages("debian:stable"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := p.ValidateResources(10<<30, 1)
	if len(v) == 0 {
		t.Fatalf("expected memory over ceiling to be rejected")
	}
}

func TestTrustedBinaryStrictMode(t *testing.T) {
	p, err := New(ModeStrict, 0, 0, WithTrustedBinaries("/opt/rexx"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := p.ValidateBinary("/tmp/rexx"); len(v) == 0 {
		t.Fatalf("expected untrusted binary rejected in strict mode")
	}
	if v := p.ValidateBinary("/opt/rexx"); len(v) != 0 {
		t.Fatalf("expected trusted binary accepted, got %v", v)
	}
}

func TestNegativeLimitFailsInit(t *testing.T) {
	if _, err := New(ModeModerate, -1, 0); err == nil {
		t.Fatalf("expected negative memory limit to fail initialization")
	}
}

func TestBannedCommandBlocked(t *testing.T) {
	p, err := New(ModeModerate, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := p.ValidateCommand("rm -rf /")
	if len(v) == 0 {
		t.Fatalf("expected rm -rf / to be blocked")
	}
}

func TestPermissiveAllowsAll(t *testing.T) {
	p, err := New(ModePermissive, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := p.ValidateCommand("rm -rf /"); len(v) != 0 {
		t.Fatalf("expected permissive mode to allow everything, got %v", v)
	}
}

func TestAuditLogRingBuffer(t *testing.T) {
	log := &AuditLog{capacity: 3, events: make([]Event, 3)}
	for i := 0; i < 5; i++ {
		log.Append(Event{Kind: EventCommandBlocked, Details: map[string]interface{}{"i": i}})
	}
	snap := log.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(snap))
	}
	if snap[0].Details["i"] != 2 {
		t.Fatalf("expected oldest retained event to be i=2, got %v", snap[0].Details["i"])
	}
	if snap[2].Details["i"] != 4 {
		t.Fatalf("expected newest event to be i=4, got %v", snap[2].Details["i"])
	}
}

func TestGateAuditsBlockedCommandExactlyOnce(t *testing.T) {
	p, err := New(ModeModerate, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := NewGate(p)
	d := g.CheckCommand("rm -rf /")
	if d.Allowed {
		t.Fatalf("expected denial")
	}
	snap := g.Audit.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(snap))
	}
	if snap[0].Kind != EventCommandBlocked {
		t.Fatalf("expected command_blocked event, got %v", snap[0].Kind)
	}
}
