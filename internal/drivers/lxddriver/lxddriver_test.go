package lxddriver

import (
	"strings"
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestParseList(t *testing.T) {
	b := backend{}
	out, err := b.ParseList("web-1,RUNNING\nweb-2,STOPPED\n\n")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(out))
	}
	if out[0].Name != "web-1" || out[0].Status != driver.StatusRunning {
		t.Errorf("unexpected first instance: %+v", out[0])
	}
	if out[1].Name != "web-2" || out[1].Status != driver.StatusStopped {
		t.Errorf("unexpected second instance: %+v", out[1])
	}
}

func TestParseProbe(t *testing.T) {
	b := backend{}
	res := b.ParseProbe("Client version: 5.19\n")
	if !res.Available || res.Version != "5.19" {
		t.Errorf("unexpected probe result: %+v", res)
	}
	empty := b.ParseProbe("")
	if empty.Available {
		t.Error("expected empty probe output to report unavailable")
	}
}

func TestCreateArgv(t *testing.T) {
	b := backend{}
	argv := b.CreateArgv(driver.CreateParams{
		Name:       "web-1",
		Image:      "ubuntu:22.04",
		Memory:     1 << 30,
		CPUs:       2,
		Privileged: true,
	})
	joined := strings.Join(argv, " ")
	for _, want := range []string{"lxc init ubuntu:22.04 web-1", "limits.memory=", "limits.cpu=2", "security.privileged=true"} {
		if !strings.Contains(joined, want) {
			t.Errorf("CreateArgv %q missing %q", joined, want)
		}
	}
}

func TestExecArgv(t *testing.T) {
	b := backend{}
	argv := b.ExecArgv("web-1", []string{"echo", "hi"})
	want := []string{"lxc", "exec", "web-1", "--", "echo", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("ExecArgv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("ExecArgv = %v, want %v", argv, want)
		}
	}
}
