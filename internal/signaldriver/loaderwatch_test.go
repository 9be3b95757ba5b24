package signaldriver

import "testing"

func TestParseMapsLineExtractsBaseLengthAndPath(t *testing.T) {
	line := "00400000-00452000 r-xp 00000000 08:02 1234  /bin/example"
	base, length, path, ok := parseMapsLine(line)
	if !ok {
		t.Fatal("parseMapsLine: ok = false, want true")
	}
	if base != 0x400000 {
		t.Fatalf("base = %#x, want 0x400000", base)
	}
	if length != 0x52000 {
		t.Fatalf("length = %#x, want 0x52000", length)
	}
	if path != "/bin/example" {
		t.Fatalf("path = %q, want /bin/example", path)
	}
}

func TestParseMapsLineRejectsAnonymousMapping(t *testing.T) {
	line := "7f0000000000-7f0000001000 rw-p 00000000 00:00 0 "
	if _, _, _, ok := parseMapsLine(line); ok {
		t.Fatal("parseMapsLine on an anonymous mapping: ok = true, want false")
	}
}

func TestParseMapsLineRejectsMalformed(t *testing.T) {
	if _, _, _, ok := parseMapsLine("not a maps line"); ok {
		t.Fatal("parseMapsLine on malformed input: ok = true, want false")
	}
}
