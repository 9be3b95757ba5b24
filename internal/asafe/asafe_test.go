package asafe

import (
	"os"
	"testing"
)

func TestDebugfWritesPrefixedHexLine(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	p := New(w, 64)
	p.Debugf("bad frame at", 0xdeadbeef)
	w.Close()

	buf := make([]byte, 256)
	n, _ := r.Read(buf)
	got := string(buf[:n])

	want := "[crashwatch] bad frame at 0xdeadbeef\n"
	if got != want {
		t.Fatalf("Debugf output = %q, want %q", got, want)
	}
}

func TestDebugWritesPlainLine(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	p := New(w, 64)
	p.Debug("unwind terminated")
	w.Close()

	buf := make([]byte, 256)
	n, _ := r.Read(buf)
	got := string(buf[:n])

	want := "[crashwatch] unwind terminated\n"
	if got != want {
		t.Fatalf("Debug output = %q, want %q", got, want)
	}
}

func TestNewDefaultsNonPositiveCapacity(t *testing.T) {
	p := New(nil, 0)
	if cap(p.buf) != 512 {
		t.Fatalf("default capacity = %d, want 512", cap(p.buf))
	}
}
