package dockerdriver

import (
	"sort"
	"testing"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

func TestMapState(t *testing.T) {
	cases := map[string]driver.Status{
		"running": driver.StatusRunning,
		"exited":  driver.StatusStopped,
		"created": driver.StatusCreated,
		"paused":  driver.StatusUnknown,
	}
	for in, want := range cases {
		if got := mapState(in); got != want {
			t.Errorf("mapState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstOrEmpty(t *testing.T) {
	if firstOrEmpty(nil) != "" {
		t.Error("expected empty string for nil names")
	}
	if got := firstOrEmpty([]string{"/web-1"}); got != "/web-1" {
		t.Errorf("firstOrEmpty = %q", got)
	}
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	if len(out) != 1 || out[0] != "FOO=bar" {
		t.Errorf("envSlice = %v", out)
	}
}

func TestBindSlice(t *testing.T) {
	out := bindSlice([]driver.VolumeMount{{Host: "/data", Guest: "/mnt/data"}, {Host: "/logs", Guest: "/mnt/logs"}})
	sort.Strings(out)
	want := []string{"/data:/mnt/data", "/logs:/mnt/logs"}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("bindSlice = %v, want %v", out, want)
		}
	}
}
