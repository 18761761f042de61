package command

import "testing"

func TestParseLineBasic(t *testing.T) {
	cmd, err := ParseLine(`create image=debian:stable name=web-1 interactive`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Operation != "create" {
		t.Fatalf("operation = %q", cmd.Operation)
	}
	if v, _ := cmd.Get("image"); v != "debian:stable" {
		t.Fatalf("image = %q", v)
	}
	if v, _ := cmd.Get("name"); v != "web-1" {
		t.Fatalf("name = %q", v)
	}
	if !cmd.Bool("interactive") {
		t.Fatalf("expected interactive flag true")
	}
}

func TestParseLineQuotedValueWithEquals(t *testing.T) {
	cmd, err := ParseLine(`execute command="echo a=b"`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if v, _ := cmd.Get("command"); v != "echo a=b" {
		t.Fatalf("command = %q", v)
	}
}

func TestParseLineSingleQuotes(t *testing.T) {
	cmd, err := ParseLine(`execute script='SAY "hi there"'`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if v, _ := cmd.Get("script"); v != `SAY "hi there"` {
		t.Fatalf("script = %q", v)
	}
}

func TestParseLineEmpty(t *testing.T) {
	cmd, err := ParseLine("   ")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Operation != "" {
		t.Fatalf("expected empty operation, got %q", cmd.Operation)
	}
}

func TestParseLineUnterminatedQuote(t *testing.T) {
	if _, err := ParseLine(`create name="oops`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		`create image=debian:stable name=web-1`,
		`execute command="echo hi" timeout=5000`,
		`clone_from_base base=b1 name=c1 force`,
	}
	for _, in := range inputs {
		first, err := ParseLine(in)
		if err != nil {
			t.Fatalf("parse(%q): %v", in, err)
		}
		again, err := ParseLine(Unparse(first))
		if err != nil {
			t.Fatalf("parse(unparse(%q)): %v", in, err)
		}
		if again.Operation != first.Operation || len(again.Params) != len(first.Params) {
			t.Fatalf("round trip mismatch for %q: %+v vs %+v", in, first, again)
		}
		for k, v := range first.Params {
			if again.Params[k].String() != v.String() {
				t.Fatalf("round trip param %q mismatch: %v vs %v", k, v, again.Params[k])
			}
		}
	}
}
