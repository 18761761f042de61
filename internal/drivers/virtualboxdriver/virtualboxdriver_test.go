package virtualboxdriver

import (
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestParseListStripsQuotes(t *testing.T) {
	b := backend{}
	out, err := b.ParseList("\"web-1\" {5e3e1f2a-...}\n\"web-2\" {abc-...}\n\n")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(out) != 2 || out[0].Name != "web-1" || out[1].Name != "web-2" {
		t.Fatalf("unexpected list: %+v", out)
	}
}

func TestExecArgvShape(t *testing.T) {
	b := backend{}
	argv := b.ExecArgv("web-1", []string{"echo", "hi"})
	want := []string{"VBoxManage", "guestcontrol", "web-1", "run", "--exe", "echo", "--", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("ExecArgv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("ExecArgv = %v, want %v", argv, want)
		}
	}
}

func TestCreateArgvOmitsOSTypeWhenImageEmpty(t *testing.T) {
	b := backend{}
	argv := b.CreateArgv(driver.CreateParams{Name: "web-1"})
	for _, a := range argv {
		if a == "--ostype" {
			t.Fatalf("unexpected --ostype in argv with empty image: %v", argv)
		}
	}
}
