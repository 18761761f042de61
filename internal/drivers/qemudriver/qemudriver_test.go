package qemudriver

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestParseListSkipsBlankLines(t *testing.T) {
	b := backend{}
	out, err := b.ParseList("web-1\n\nweb-2\n")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(out) != 2 || out[0].Name != "web-1" || out[1].Name != "web-2" {
		t.Fatalf("unexpected list: %+v", out)
	}
}

func TestDiskPathTrimsTrailingSlash(t *testing.T) {
	b := backend{imageDir: "/var/lib/libvirt/images/"}
	if got := b.diskPath("web-1"); got != "/var/lib/libvirt/images/web-1.qcow2" {
		t.Errorf("diskPath = %q", got)
	}
}

func TestCreateArgvDefaultsMemoryAndCPU(t *testing.T) {
	b := backend{imageDir: "/images"}
	argv := b.CreateArgv(driver.CreateParams{Name: "web-1"})
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "--memory 512") || !strings.Contains(joined, "--vcpus 1") {
		t.Errorf("CreateArgv missing defaults: %q", joined)
	}
}

func TestExecArgvEncodesGuestExecJSON(t *testing.T) {
	b := backend{}
	argv := b.ExecArgv("web-1", []string{"echo", "hi"})
	if argv[0] != "virsh" || argv[1] != "qemu-agent-command" || argv[2] != "web-1" {
		t.Fatalf("unexpected argv prefix: %v", argv)
	}
	var payload struct {
		Execute   string `json:"execute"`
		Arguments struct {
			Path string   `json:"path"`
			Arg  []string `json:"arg"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(argv[3]), &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.Execute != "guest-exec" || payload.Arguments.Path != "echo" || len(payload.Arguments.Arg) != 1 || payload.Arguments.Arg[0] != "hi" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
