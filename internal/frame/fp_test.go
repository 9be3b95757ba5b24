package frame

import (
	"os"
	"testing"
	"unsafe"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/mobject"
	"github.com/blacktop/crashwatch/internal/regstate"
)

func selfOpen(pid int) func(addr, length uintptr) (*mobject.Object, error) {
	return func(addr, length uintptr) (*mobject.Object, error) {
		return mobject.Open(pid, addr, length)
	}
}

// TestFramePointerReaderWalksOneFrame builds a real two-word saved
// frame (saved FP, return address) on the Go stack and confirms
// Advance reads it and clears volatile registers.
func TestFramePointerReaderWalksOneFrame(t *testing.T) {
	var frame [2]uint64
	frame[0] = 0xaaaaaaaa // saved FP of the "caller"
	frame[1] = 0xdeadbeef // return address

	fp := uintptr(unsafe.Pointer(&frame[0]))
	sp := fp - 16 // must be <= fp for the BadFrame check to pass

	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RBP, uint64(fp))
	s.Set(regstate.AMD64_RSP, uint64(sp))
	s.Set(regstate.AMD64_RBX, 0x1111) // non-volatile, should survive
	s.Set(regstate.AMD64_RAX, 0x2222) // volatile, should be cleared

	r := &FramePointerReader{Open: selfOpen(os.Getpid())}
	out, err := r.Advance(s, nil)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	gotFP, _ := out.Get(regstate.AMD64_RBP)
	if gotFP != 0xaaaaaaaa {
		t.Fatalf("RBP = %#x, want 0xaaaaaaaa", gotFP)
	}
	gotIP, _ := out.Get(regstate.AMD64_RIP)
	if gotIP != 0xdeadbeef {
		t.Fatalf("RIP = %#x, want 0xdeadbeef", gotIP)
	}
	gotSP, _ := out.Get(regstate.AMD64_RSP)
	if gotSP != uint64(fp)+16 {
		t.Fatalf("RSP = %#x, want %#x", gotSP, uint64(fp)+16)
	}
	if _, err := out.Get(regstate.AMD64_RBX); err != nil {
		t.Fatal("expected RBX (non-volatile) to survive ClearVolatile")
	}
	if _, err := out.Get(regstate.AMD64_RAX); err == nil {
		t.Fatal("expected RAX (volatile) to be cleared")
	}
}

func TestFramePointerReaderZeroFPIsEOF(t *testing.T) {
	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RBP, 0)
	s.Set(regstate.AMD64_RSP, 0x1000)

	r := &FramePointerReader{Open: selfOpen(os.Getpid())}
	if _, err := r.Advance(s, nil); !errs.Is(err, errs.EOF) {
		t.Fatalf("Advance with zero FP: got %v, want EOF", err)
	}
}

func TestFramePointerReaderRejectsNonIncreasingFP(t *testing.T) {
	var frame [2]uint64
	fp := uintptr(unsafe.Pointer(&frame[0]))
	frame[0] = uint64(fp) // saved FP equal to current FP: not progressing
	frame[1] = 0xdeadbeef

	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RBP, uint64(fp))
	s.Set(regstate.AMD64_RSP, uint64(fp)-16)

	r := &FramePointerReader{Open: selfOpen(os.Getpid())}
	first, err := r.Advance(s, nil)
	if err != nil {
		t.Fatalf("first Advance: %v", err)
	}

	if _, err := r.Advance(first, nil); !errs.Is(err, errs.BadFrame) {
		t.Fatalf("second Advance (non-increasing FP): got %v, want BadFrame", err)
	}
}

func TestFramePointerReaderRejectsFPBelowSP(t *testing.T) {
	var frame [2]uint64
	fp := uintptr(unsafe.Pointer(&frame[0]))

	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RBP, uint64(fp))
	s.Set(regstate.AMD64_RSP, uint64(fp)+8) // SP above FP: invalid

	r := &FramePointerReader{Open: selfOpen(os.Getpid())}
	if _, err := r.Advance(s, nil); !errs.Is(err, errs.BadFrame) {
		t.Fatalf("Advance with FP < SP: got %v, want BadFrame", err)
	}
}
