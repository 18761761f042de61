package command

import "testing"

func TestParseMemory(t *testing.T) {
	cases := map[string]int64{
		"0":     0,
		"2g":    1 << 31,
		"1024k": 1 << 20,
		"abc":   0,
		"":      0,
		"4M":    4 << 20,
	}
	for in, want := range cases {
		if got := ParseMemory(in); got != want {
			t.Fatalf("ParseMemory(%q) = %d, want %d", in, got, want)
		}
	}
}
