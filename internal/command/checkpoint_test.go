package command

import (
	"strings"
	"testing"
)

func TestScanCheckpointsOrderAndParams(t *testing.T) {
	input := strings.NewReader(
		"line one\n" +
			"CHECKPOINT('STEP', 'pct=50')\n" +
			"noise\n" +
			`CHECKPOINT('STEP', '{"pct":100}')` + "\n",
	)
	var recs []CheckpointRecord
	if err := ScanCheckpoints(input, func(r CheckpointRecord) {
		recs = append(recs, r)
	}); err != nil {
		t.Fatalf("ScanCheckpoints: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(recs))
	}
	if recs[0].Params["pct"] != int64(50) {
		t.Fatalf("first checkpoint pct = %v", recs[0].Params["pct"])
	}
	if recs[1].Params["pct"] != float64(100) {
		t.Fatalf("second checkpoint pct = %v", recs[1].Params["pct"])
	}
}

func TestWrapWithCheckpointsDisabled(t *testing.T) {
	if out := WrapWithCheckpoints("SAY 'hi'", false); out != "SAY 'hi'" {
		t.Fatalf("expected unchanged script, got %q", out)
	}
}

func TestWrapWithCheckpointsEnabled(t *testing.T) {
	out := WrapWithCheckpoints("SAY 'hi'", true)
	if !strings.Contains(out, "INIT") || !strings.Contains(out, "COMPLETE") {
		t.Fatalf("expected INIT/COMPLETE markers, got %q", out)
	}
}
