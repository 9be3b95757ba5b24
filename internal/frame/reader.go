// Package frame implements the pluggable frame-advance readers from
// spec §4.E: a chain of independent strategies, each presented the
// current register state and the live image list, each reporting
// either an advanced state, errs.NotFound ("not my format, try the
// next reader"), errs.EOF (stack bottom reached), or an abort error
// (errs.BadFrame / errs.InvalidData).
package frame

import (
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// Reader advances from one frame's register state to its caller's.
type Reader interface {
	Advance(s *regstate.State, images *imagelist.Snapshot) (*regstate.State, error)
}

// pointerSize returns the architecture's pointer width in bytes.
func pointerSize(arch regstate.Arch) uintptr {
	switch arch {
	case regstate.AMD64:
		return 8
	default:
		return 4
	}
}

// ipReg and spReg name the logical registers that hold the
// instruction pointer and stack pointer for an architecture, since
// the three readers all need to read/write them through the
// architecture-neutral State.
func ipReg(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RIP
	case regstate.X86:
		return regstate.X86_EIP
	default:
		return regstate.ARM_PC
	}
}

func spReg(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RSP
	case regstate.X86:
		return regstate.X86_ESP
	default:
		return regstate.ARM_SP
	}
}

func fpReg(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RBP
	case regstate.X86:
		return regstate.X86_EBP
	default:
		return regstate.ARM_R7 // iOS ARM ABI frame pointer
	}
}
