//go:build linux && amd64

package regstate

import (
	"golang.org/x/sys/unix"

	"github.com/blacktop/crashwatch/internal/errs"
)

// Current snapshots an already-ptrace-stopped tracee's general
// purpose registers, per the redesign in SPEC_FULL.md §0/§6: this
// port has no access to the calling goroutine's own register file
// without cgo or hand-written per-arch assembly (neither of which any
// example in this corpus grounds), so the only producer of a live
// State is a ptrace GETREGS call against a stopped tid. The signal
// driver routes through this; the test harness builds its States
// directly.
func Current(tid int) (*State, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, errs.ErrInternal
	}
	s := New(AMD64)
	s.Set(AMD64_RAX, regs.Rax)
	s.Set(AMD64_RBX, regs.Rbx)
	s.Set(AMD64_RCX, regs.Rcx)
	s.Set(AMD64_RDX, regs.Rdx)
	s.Set(AMD64_RDI, regs.Rdi)
	s.Set(AMD64_RSI, regs.Rsi)
	s.Set(AMD64_RBP, regs.Rbp)
	s.Set(AMD64_RSP, regs.Rsp)
	s.Set(AMD64_R8, regs.R8)
	s.Set(AMD64_R9, regs.R9)
	s.Set(AMD64_R10, regs.R10)
	s.Set(AMD64_R11, regs.R11)
	s.Set(AMD64_R12, regs.R12)
	s.Set(AMD64_R13, regs.R13)
	s.Set(AMD64_R14, regs.R14)
	s.Set(AMD64_R15, regs.R15)
	s.Set(AMD64_RIP, regs.Rip)
	s.Set(AMD64_RFLAGS, regs.Eflags)
	return s, nil
}

// SetSentinels writes values (logical register number to value) into
// the tracee's live register file via PTRACE_SETREGS, for installing
// known callee-saved sentinel values before resuming a traced fixture
// (spec §8, scenario 1). Only RBX and R12-R15 are written; other
// entries are ignored.
func SetSentinels(tid int, values map[int]uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return errs.ErrInternal
	}
	for reg, v := range values {
		switch reg {
		case AMD64_RBX:
			regs.Rbx = v
		case AMD64_R12:
			regs.R12 = v
		case AMD64_R13:
			regs.R13 = v
		case AMD64_R14:
			regs.R14 = v
		case AMD64_R15:
			regs.R15 = v
		}
	}
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return errs.ErrInternal
	}
	return nil
}
