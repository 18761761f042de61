package proxmoxdriver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// fakeRunner records every argv it's given and returns a canned result,
// so these tests exercise the VMID bookkeeping without shelling to qm.
type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, stdin io.Reader, timeout time.Duration) (clirunner.Result, error) {
	f.calls = append(f.calls, argv)
	return clirunner.Result{Stdout: "ok"}, nil
}

func TestCreateAllocatesSequentialVMIDs(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	info1, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"})
	if err != nil {
		t.Fatalf("Create web-1: %v", err)
	}
	info2, err := d.Create(context.Background(), driver.CreateParams{Name: "web-2"})
	if err != nil {
		t.Fatalf("Create web-2: %v", err)
	}
	if info1.ID == info2.ID {
		t.Fatalf("expected distinct VMIDs, got %s and %s", info1.ID, info2.ID)
	}
	if info1.ID != "9000" || info2.ID != "9001" {
		t.Errorf("expected sequential VMIDs starting at 9000, got %s, %s", info1.ID, info2.ID)
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	if _, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"})
	if driver.KindOf(err) != driver.ErrConflict {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}
}

func TestStartUnknownInstanceNotFound(t *testing.T) {
	d := New(&fakeRunner{})
	err := d.Start(context.Background(), "ghost")
	if driver.KindOf(err) != driver.ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRemoveForgetsVMID(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	if _, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Remove(context.Background(), "web-1", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := d.Start(context.Background(), "web-1"); driver.KindOf(err) != driver.ErrNotFound {
		t.Fatalf("expected not_found after remove, got %v", err)
	}
}

func TestCopyFromUnsupported(t *testing.T) {
	fr := &fakeRunner{}
	d := New(fr)
	if _, err := d.Create(context.Background(), driver.CreateParams{Name: "web-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := d.CopyFrom(context.Background(), "web-1", "/etc/hostname", "/tmp/hostname")
	if driver.KindOf(err) != driver.ErrUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
