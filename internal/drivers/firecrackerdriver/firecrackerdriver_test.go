package firecrackerdriver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "base.ext4")
	if err := os.WriteFile(src, []byte("rootfs contents"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	dst := filepath.Join(dir, "clone.ext4")
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "rootfs contents" {
		t.Errorf("copyFile contents = %q", got)
	}
}

func TestProbeReportsUnavailableWithoutKernel(t *testing.T) {
	d := New(t.TempDir(), filepath.Join(t.TempDir(), "missing-vmlinux"))
	res, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Available {
		t.Error("expected Probe to report unavailable when the kernel image is missing")
	}
}

func TestCreateStoresConfigForStart(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernel, []byte("fake kernel"), 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	d := New(dir, kernel)
	info, err := d.Create(context.Background(), driver.CreateParams{Name: "vm-1", Memory: 256 << 20, CPUs: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Status != driver.StatusCreated {
		t.Errorf("status = %q, want created", info.Status)
	}
	cfg, ok := d.configs["vm-1"]
	if !ok {
		t.Fatal("expected Create to store a config for later Start")
	}
	if cfg.KernelImagePath != kernel {
		t.Errorf("stored config kernel path = %q, want %q", cfg.KernelImagePath, kernel)
	}
	if len(cfg.Drives) != 1 {
		t.Fatalf("expected 1 drive, got %d", len(cfg.Drives))
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	_ = os.WriteFile(kernel, []byte("fake kernel"), 0o644)
	d := New(dir, kernel)
	if _, err := d.Create(context.Background(), driver.CreateParams{Name: "vm-1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := d.Create(context.Background(), driver.CreateParams{Name: "vm-1"})
	if driver.KindOf(err) != driver.ErrConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}
