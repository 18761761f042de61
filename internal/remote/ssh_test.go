package remote

import (
	"bufio"
	"strings"
	"testing"
)

func TestQuoteSingleEscapesEmbeddedQuotes(t *testing.T) {
	got := quoteSingle("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("quoteSingle: got %q want %q", got, want)
	}
}

func TestJoinShellArgsQuotesEachArgument(t *testing.T) {
	got := joinShellArgs([]string{"echo", "hello world", "it's fine"})
	want := `'echo' 'hello world' 'it'\''s fine'`
	if got != want {
		t.Fatalf("joinShellArgs: got %q want %q", got, want)
	}
}

func TestLooksLikePermissionDeniedMatchesCommonPhrasing(t *testing.T) {
	if !looksLikePermissionDenied("bash: /opt/x: Permission denied\n", errExit(1)) {
		t.Fatalf("expected permission denied to be detected")
	}
	if looksLikePermissionDenied("file not found", errExit(1)) {
		t.Fatalf("did not expect permission denied match")
	}
}

type errExit int

func (e errExit) Error() string { return "exit status" }

func TestReadSCPAckSuccess(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\x00"))
	if err := readSCPAck(r); err != nil {
		t.Fatalf("expected ack success, got %v", err)
	}
}

func TestReadSCPAckErrorCarriesMessage(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\x01permission denied\n"))
	err := readSCPAck(r)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected permission denied error, got %v", err)
	}
}

func TestReadSCPAckUnexpectedByte(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\x09"))
	if err := readSCPAck(r); err == nil {
		t.Fatalf("expected error for unexpected protocol byte")
	}
}
