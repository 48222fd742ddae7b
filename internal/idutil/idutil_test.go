package idutil

import "testing"

func TestTargetIDStable(t *testing.T) {
	a := TargetID(9222, "ABC")
	if a != TargetID(9222, "ABC") {
		t.Error("TargetID not stable")
	}
	if !IsTargetID(a) || len(a) != 12 {
		t.Errorf("TargetID format = %q", a)
	}
	if TargetID(9223, "ABC") == a {
		t.Error("port must be part of the id")
	}
}

func TestConfigHash(t *testing.T) {
	h1 := ConfigHash([]byte(`{"mode":"interactive"}`))
	h2 := ConfigHash([]byte(`{"mode":"background"}`))
	if h1 == h2 {
		t.Error("different payloads must hash differently")
	}
	if Prefix(h1) != PrefixConfig {
		t.Errorf("prefix = %q", Prefix(h1))
	}
	if IsTargetID(h1) {
		t.Error("config hash is not a target id")
	}
}

func TestPrefix(t *testing.T) {
	tests := []struct{ id, want string }{
		{"tgt_12345678", "tgt"},
		{"noprefix", ""},
		{"_x", ""},
		{"tgt_", ""},
	}
	for _, tt := range tests {
		if got := Prefix(tt.id); got != tt.want {
			t.Errorf("Prefix(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestIsTargetID(t *testing.T) {
	for id, want := range map[string]bool{
		"tgt_1a2b3c4d": true,
		"tgt_1":        true,
		"cfg_1a2b3c4d": false,
		"tgt_a b":      false,
		"":             false,
	} {
		if got := IsTargetID(id); got != want {
			t.Errorf("IsTargetID(%q) = %v", id, got)
		}
	}
}
