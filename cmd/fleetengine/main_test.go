package main

import "testing"

func TestParseAddress(t *testing.T) {
	cases := []struct {
		line       string
		wantTarget string
		wantOK     bool
	}{
		{"ADDRESS docker", "docker", true},
		{"address PODMAN", "podman", true},
		{"AdDrEsS lxd", "lxd", true},
		{"create image=debian:stable name=web-1", "", false},
		{"ADDRESS", "", false},
		{"ADDRESS docker extra", "", false},
	}
	for _, c := range cases {
		target, ok := parseAddress(c.line)
		if ok != c.wantOK || target != c.wantTarget {
			t.Errorf("parseAddress(%q) = (%q, %v), want (%q, %v)", c.line, target, ok, c.wantTarget, c.wantOK)
		}
	}
}
