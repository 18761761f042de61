package nspawndriver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

type fakeRunner struct {
	calls [][]string
	stub  clirunner.Result
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, stdin io.Reader, timeout time.Duration) (clirunner.Result, error) {
	f.calls = append(f.calls, argv)
	return f.stub, nil
}

func TestMaxInt(t *testing.T) {
	if maxInt(3, 100) != 100 {
		t.Error("maxInt should return the larger value")
	}
	if maxInt(200, 100) != 200 {
		t.Error("maxInt should return the larger value")
	}
}

func TestLogsUsesJournalctlWithLineFloor(t *testing.T) {
	fr := &fakeRunner{stub: clirunner.Result{Stdout: "log line\n"}}
	d := New(fr)
	out, err := d.Logs(context.Background(), "web-1", 5)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "log line\n" {
		t.Errorf("unexpected logs output: %q", out)
	}
	argv := fr.calls[0]
	if argv[0] != "journalctl" || argv[2] != "web-1" {
		t.Fatalf("unexpected argv: %v", argv)
	}
	if argv[4] != "100" {
		t.Errorf("expected line floor of 100 for a requested 5, got %s", argv[4])
	}
}

func TestRegisterBaseConflict(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	if _, err := d.RegisterBase(context.Background(), "b1", "web-1", false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := d.RegisterBase(context.Background(), "b1", "web-1", false)
	if driver.KindOf(err) != driver.ErrConflict {
		t.Fatalf("expected conflict on duplicate base name, got %v", err)
	}
}

func TestDeleteBaseRefusesActiveClones(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	if _, err := d.RegisterBase(context.Background(), "b1", "web-1", false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.CloneFromBase(context.Background(), "b1", "c1"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	err := d.DeleteBase(context.Background(), "b1", false)
	if driver.KindOf(err) != driver.ErrConflict {
		t.Fatalf("expected conflict deleting base with active clone, got %v", err)
	}
	if err := d.DeleteBase(context.Background(), "b1", true); err != nil {
		t.Fatalf("forced delete should succeed: %v", err)
	}
}
