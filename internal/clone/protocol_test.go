package clone

import (
	"context"
	"sync"
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivertest"
)

func TestRegisterThenCloneConcurrently(t *testing.T) {
	d := drivertest.New("docker")
	ctx := context.Background()
	if _, err := d.Create(ctx, driver.CreateParams{Name: "web-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg := NewRegistry()
	if _, err := reg.RegisterBase(ctx, d, "b1", "web-1", false); err != nil {
		t.Fatalf("RegisterBase: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		name := fmtName(i)
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			if _, err := reg.CloneFromBase(ctx, d, "b1", n); err != nil {
				errs <- err
			}
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("clone failed: %v", err)
	}

	bases := reg.ListBases()
	if len(bases) != 1 || bases[0].CloneCount != 3 {
		t.Fatalf("expected clone_count=3, got %+v", bases)
	}
}

func TestDeleteBaseRefusesWithOutstandingClones(t *testing.T) {
	d := drivertest.New("docker")
	ctx := context.Background()
	d.Create(ctx, driver.CreateParams{Name: "web-1"})
	reg := NewRegistry()
	reg.RegisterBase(ctx, d, "b1", "web-1", false)
	reg.CloneFromBase(ctx, d, "b1", "c1")

	if err := reg.DeleteBase(ctx, d, "b1", false); driver.KindOf(err) != driver.ErrConflict {
		t.Fatalf("expected conflict deleting base with clones, got %v", err)
	}
	if err := reg.DeleteBase(ctx, d, "b1", true); err != nil {
		t.Fatalf("expected forced delete to succeed: %v", err)
	}
}

func TestRegisterBaseIdempotent(t *testing.T) {
	d := drivertest.New("docker")
	ctx := context.Background()
	d.Create(ctx, driver.CreateParams{Name: "web-1"})
	reg := NewRegistry()
	first, err := reg.RegisterBase(ctx, d, "b1", "web-1", false)
	if err != nil {
		t.Fatalf("RegisterBase: %v", err)
	}
	second, err := reg.RegisterBase(ctx, d, "b1", "web-1", false)
	if err != nil {
		t.Fatalf("RegisterBase (idempotent): %v", err)
	}
	if first.SnapshotRef != second.SnapshotRef {
		t.Fatalf("expected idempotent registration to return same snapshot ref")
	}
}

func fmtName(i int) string {
	return "c" + string(rune('0'+i))
}
