// Package regstate implements the architecture-neutral register-state
// snapshot described in spec §4.D: a fixed set of integer registers
// plus a validity bitmap, with DWARF-number <-> logical-number mapping
// and the per-architecture callee-saved set used by ClearVolatile.
package regstate

import "github.com/blacktop/crashwatch/internal/errs"

// Arch identifies one of the three architectures named in spec's
// Non-goals as in (not out of) scope.
type Arch int

const (
	AMD64 Arch = iota
	X86
	ARM
)

// MaxRegs bounds the fixed register array; amd64 has the most
// entries among the three supported architectures.
const MaxRegs = 32

// State is a fixed-size register file plus a bitmap of which slots
// hold a known-valid value, per spec §3/§4.D.
type State struct {
	Arch   Arch
	regs   [MaxRegs]uint64
	valid  uint64 // bit i set => regs[i] valid
}

// New returns an empty (all-invalid) State for the given architecture.
func New(arch Arch) *State {
	return &State{Arch: arch}
}

// Get returns the value of regnum, or errs.NotFound if it has never
// been set (or was cleared).
func (s *State) Get(regnum int) (uint64, error) {
	if regnum < 0 || regnum >= MaxRegs {
		return 0, errs.ErrInvalidData
	}
	if s.valid&(1<<uint(regnum)) == 0 {
		return 0, errs.ErrNotFound
	}
	return s.regs[regnum], nil
}

// Set stores value in regnum and marks it valid.
func (s *State) Set(regnum int, value uint64) {
	if regnum < 0 || regnum >= MaxRegs {
		return
	}
	s.regs[regnum] = value
	s.valid |= 1 << uint(regnum)
}

// Clear marks regnum invalid without altering the stored bit pattern
// (spec §4.D: "reading a register marked invalid is an error").
func (s *State) Clear(regnum int) {
	if regnum < 0 || regnum >= MaxRegs {
		return
	}
	s.valid &^= 1 << uint(regnum)
}

// Has reports whether regnum currently holds a valid value.
func (s *State) Has(regnum int) bool {
	if regnum < 0 || regnum >= MaxRegs {
		return false
	}
	return s.valid&(1<<uint(regnum)) != 0
}

// Clone returns an independent copy of s, used by frame readers that
// must produce a new output State from an input one (spec §4.E:
// "consumed (read) and mutated (written) by a single frame reader per
// step" — each step operates on its own copy, never the caller's).
func (s *State) Clone() *State {
	c := *s
	return &c
}

// ClearVolatile retains only the architecture's callee-preserved
// registers, per spec §4.D. Volatile registers are cleared because,
// after a call instruction, their caller-side values are by
// definition unknowable.
func (s *State) ClearVolatile() {
	table := nonVolatileTables[s.Arch]
	var keep uint64
	for _, r := range table {
		keep |= 1 << uint(r)
	}
	s.valid &= keep
}

// DWARFNumber maps a logical register number to its DWARF register
// number for this architecture, or ok=false if none is defined (spec
// §4.D/§4.E.3).
func (s *State) DWARFNumber(regnum int) (dwarfNum int, ok bool) {
	return regToDwarf(s.Arch, regnum)
}

// RegNumber maps a DWARF register number back to this architecture's
// logical register number.
func (s *State) RegNumber(dwarfNum int) (regnum int, ok bool) {
	return dwarfToReg(s.Arch, dwarfNum)
}
