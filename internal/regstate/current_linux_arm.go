//go:build linux && arm

package regstate

import (
	"golang.org/x/sys/unix"

	"github.com/blacktop/crashwatch/internal/errs"
)

// Current snapshots an already-ptrace-stopped tracee's general
// purpose registers. unix.PtraceRegs on linux/arm is a flat
// Uregs [18]uint32 array; indices 0-15 are r0-r15 (r13=sp, r14=lr,
// r15=pc) and index 16 is cpsr, per the kernel's struct pt_regs for
// this arch.
func Current(tid int) (*State, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, errs.ErrInternal
	}
	s := New(ARM)
	for i := ARM_R0; i <= ARM_R12; i++ {
		s.Set(i, uint64(regs.Uregs[i]))
	}
	s.Set(ARM_SP, uint64(regs.Uregs[13]))
	s.Set(ARM_LR, uint64(regs.Uregs[14]))
	s.Set(ARM_PC, uint64(regs.Uregs[15]))
	s.Set(ARM_CPSR, uint64(regs.Uregs[16]))
	return s, nil
}

// SetSentinels writes values (logical register number to value) into
// the tracee's live register file via PTRACE_SETREGS, for installing
// known callee-saved sentinel values before resuming a traced fixture
// (spec §8, scenario 1). Only R0-R12 are written; other entries are
// ignored.
func SetSentinels(tid int, values map[int]uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return errs.ErrInternal
	}
	for reg, v := range values {
		if reg >= ARM_R0 && reg <= ARM_R12 {
			regs.Uregs[reg] = uint32(v)
		}
	}
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return errs.ErrInternal
	}
	return nil
}
