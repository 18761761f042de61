package logging

import (
	"bytes"
	"log"
	"testing"
)

func TestDebugfGatedByFlag(t *testing.T) {
	var buf bytes.Buffer
	l := New("test", false)
	l.Logger = log.New(&buf, "", 0)
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("expected no output with debug disabled, got %q", buf.String())
	}

	l.debug = true
	l.Debugf("shown %d", 2)
	if !bytes.Contains(buf.Bytes(), []byte("shown 2")) {
		t.Errorf("expected debug output, got %q", buf.String())
	}
}

func TestDebugEnabled(t *testing.T) {
	t.Setenv("FLEETENGINE_DEBUG", "")
	t.Setenv("DEBUG", "")
	if DebugEnabled() {
		t.Error("expected DebugEnabled() false with both vars unset")
	}
	t.Setenv("DEBUG", "1")
	if !DebugEnabled() {
		t.Error("expected DebugEnabled() true with DEBUG set")
	}
}
