package mobject

import (
	"os"
	"testing"
	"unsafe"
)

// Reading from one's own pid via process_vm_readv requires no ptrace
// attachment (the kernel always allows a process to read itself), so
// this exercises the real syscall path without root or CAP_SYS_PTRACE.
func TestOpenAndRemapSelf(t *testing.T) {
	data := [64]byte{}
	for i := range data {
		data[i] = byte(i)
	}
	addr := uintptr(unsafe.Pointer(&data[0]))

	obj, err := Open(os.Getpid(), addr, uintptr(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Close()

	got, err := obj.Remap(addr, 0, uintptr(len(data)))
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("byte %d: got %#x want %#x", i, b, byte(i))
		}
	}
}

func TestRemapRejectsOutOfRange(t *testing.T) {
	data := [16]byte{}
	addr := uintptr(unsafe.Pointer(&data[0]))

	obj, err := Open(os.Getpid(), addr, uintptr(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Close()

	if _, err := obj.Remap(addr, 8, 16); err == nil {
		t.Fatal("expected out-of-range error for a window extending past the object")
	}

	// offset+length overflowing uintptr must also be rejected, not panic.
	if _, err := obj.Remap(addr, ^uintptr(0), 1); err == nil {
		t.Fatal("expected out-of-range error on overflow")
	}
}

func TestOpenRejectsUnmappedRange(t *testing.T) {
	// An address deep in low (typically unmapped) memory.
	if _, err := Open(os.Getpid(), 0x1000, 16); err == nil {
		t.Fatal("expected error opening an unmapped range")
	}
}
