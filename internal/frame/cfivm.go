package frame

import (
	"encoding/binary"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// cfiMachine runs CIE initial instructions then one FDE's instructions,
// maintaining the register-rule table and CFA rule described in spec
// §4.E.3.
type cfiMachine struct {
	arch regstate.Arch
	cie  *cie

	rules map[int]rule // dwarf register column -> rule
	cfa   cfaRule

	initialRules map[int]rule
	loc          uint64

	savedStates []savedState
}

type savedState struct {
	rules map[int]rule
	cfa   cfaRule
}

func newCFIMachine(arch regstate.Arch, c *cie) *cfiMachine {
	return &cfiMachine{arch: arch, cie: c, rules: map[int]rule{}}
}

// snapshotInitial records the rule table as it stands after the CIE's
// initial instructions, used by DW_CFA_restore{,_extended}.
func (m *cfiMachine) snapshotInitial() {
	m.initialRules = make(map[int]rule, len(m.rules))
	for k, v := range m.rules {
		m.initialRules[k] = v
	}
}

func (m *cfiMachine) pushState() {
	snap := make(map[int]rule, len(m.rules))
	for k, v := range m.rules {
		snap[k] = v
	}
	m.savedStates = append(m.savedStates, savedState{rules: snap, cfa: m.cfa})
}

func (m *cfiMachine) popState() {
	if len(m.savedStates) == 0 {
		return
	}
	top := m.savedStates[len(m.savedStates)-1]
	m.savedStates = m.savedStates[:len(m.savedStates)-1]
	m.rules = top.rules
	m.cfa = top.cfa
}

// run executes instr starting at the machine's current location,
// stopping (without error) as soon as an advance would move the
// location past targetIP, per spec §4.E.3: "stopping at the
// instruction whose location ≤ IP < next-location".
func (m *cfiMachine) run(instr []byte, bo binary.ByteOrder, targetIP uint64, initLoc uint64) error {
	if m.loc == 0 {
		m.loc = initLoc
	}
	pos := 0
	for pos < len(instr) {
		op := instr[pos]
		pos++
		high2 := op & 0xc0
		low6 := int(op & 0x3f)

		switch {
		case high2 == 0x40: // DW_CFA_advance_loc
			delta := uint64(low6) * m.cie.codeAlign
			if m.loc+delta > targetIP {
				return nil
			}
			m.loc += delta
		case high2 == 0x80: // DW_CFA_offset
			off, n := uleb128(instr[pos:])
			pos += n
			m.rules[low6] = rule{kind: ruleOffset, n: int64(off) * m.cie.dataAlign}
		case high2 == 0xc0: // DW_CFA_restore
			if r0, ok := m.initialRules[low6]; ok {
				m.rules[low6] = r0
			} else {
				delete(m.rules, low6)
			}
		default:
			var err error
			pos, err = m.runExtended(op, instr, pos, bo, targetIP)
			if err == errStopCFI {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// errStopCFI signals "location has reached targetIP, stop cleanly"
// from runExtended back up to run; it is never returned to a caller
// outside this file.
var errStopCFI = errs.Error{Kind: errs.Kind(-1)}

func (m *cfiMachine) runExtended(op byte, instr []byte, pos int, bo binary.ByteOrder, targetIP uint64) (int, error) {
	switch op {
	case 0x00: // nop
	case 0x01: // set_loc
		if pos+8 > len(instr) {
			return pos, errs.ErrInvalidData
		}
		newLoc := bo.Uint64(instr[pos : pos+8])
		pos += 8
		if newLoc > targetIP {
			return pos, errStopCFI
		}
		m.loc = newLoc
	case 0x02: // advance_loc1
		d := uint64(instr[pos])
		pos++
		if m.loc+d*m.cie.codeAlign > targetIP {
			return pos, errStopCFI
		}
		m.loc += d * m.cie.codeAlign
	case 0x03: // advance_loc2
		d := uint64(bo.Uint16(instr[pos : pos+2]))
		pos += 2
		if m.loc+d*m.cie.codeAlign > targetIP {
			return pos, errStopCFI
		}
		m.loc += d * m.cie.codeAlign
	case 0x04: // advance_loc4
		d := uint64(bo.Uint32(instr[pos : pos+4]))
		pos += 4
		if m.loc+d*m.cie.codeAlign > targetIP {
			return pos, errStopCFI
		}
		m.loc += d * m.cie.codeAlign
	case 0x05: // offset_extended
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := uleb128(instr[pos:])
		pos += n2
		m.rules[int(reg)] = rule{kind: ruleOffset, n: int64(off) * m.cie.dataAlign}
	case 0x06: // restore_extended
		reg, n := uleb128(instr[pos:])
		pos += n
		if r0, ok := m.initialRules[int(reg)]; ok {
			m.rules[int(reg)] = r0
		} else {
			delete(m.rules, int(reg))
		}
	case 0x07: // undefined
		reg, n := uleb128(instr[pos:])
		pos += n
		m.rules[int(reg)] = rule{kind: ruleUndefined}
	case 0x08: // same_value
		reg, n := uleb128(instr[pos:])
		pos += n
		m.rules[int(reg)] = rule{kind: ruleSameValue}
	case 0x09: // register
		reg, n := uleb128(instr[pos:])
		pos += n
		reg2, n2 := uleb128(instr[pos:])
		pos += n2
		m.rules[int(reg)] = rule{kind: ruleRegister, reg: int(reg2)}
	case 0x0a: // remember_state
		m.pushState()
	case 0x0b: // restore_state
		m.popState()
	case 0x0c: // def_cfa
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := uleb128(instr[pos:])
		pos += n2
		m.cfa = cfaRule{reg: int(reg), offset: int64(off)}
	case 0x0d: // def_cfa_register
		reg, n := uleb128(instr[pos:])
		pos += n
		m.cfa.reg = int(reg)
		m.cfa.isExpr = false
	case 0x0e: // def_cfa_offset
		off, n := uleb128(instr[pos:])
		pos += n
		m.cfa.offset = int64(off)
	case 0x0f: // def_cfa_expression
		blen, n := uleb128(instr[pos:])
		pos += n
		expr := instr[pos : pos+int(blen)]
		pos += int(blen)
		m.cfa = cfaRule{isExpr: true, expr: expr}
	case 0x10: // expression
		reg, n := uleb128(instr[pos:])
		pos += n
		blen, n2 := uleb128(instr[pos:])
		pos += n2
		expr := instr[pos : pos+int(blen)]
		pos += int(blen)
		m.rules[int(reg)] = rule{kind: ruleExpression, expr: expr}
	case 0x11: // offset_extended_sf
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := sleb128(instr[pos:])
		pos += n2
		m.rules[int(reg)] = rule{kind: ruleOffset, n: off * m.cie.dataAlign}
	case 0x12: // def_cfa_sf
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := sleb128(instr[pos:])
		pos += n2
		m.cfa = cfaRule{reg: int(reg), offset: off * m.cie.dataAlign}
	case 0x13: // def_cfa_offset_sf
		off, n := sleb128(instr[pos:])
		pos += n
		m.cfa.offset = off * m.cie.dataAlign
	case 0x14: // val_offset
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := uleb128(instr[pos:])
		pos += n2
		m.rules[int(reg)] = rule{kind: ruleValOffset, n: int64(off) * m.cie.dataAlign}
	case 0x15: // val_offset_sf
		reg, n := uleb128(instr[pos:])
		pos += n
		off, n2 := sleb128(instr[pos:])
		pos += n2
		m.rules[int(reg)] = rule{kind: ruleValOffset, n: off * m.cie.dataAlign}
	case 0x16: // val_expression
		reg, n := uleb128(instr[pos:])
		pos += n
		blen, n2 := uleb128(instr[pos:])
		pos += n2
		expr := instr[pos : pos+int(blen)]
		pos += int(blen)
		m.rules[int(reg)] = rule{kind: ruleValExpression, expr: expr}
	default:
		return pos, errs.ErrInvalidData
	}
	return pos, nil
}

// computeCFA evaluates the machine's current CFA rule against s.
func (m *cfiMachine) computeCFA(s *regstate.State, mem *targetMemory) (uintptr, error) {
	if m.cfa.isExpr {
		v, err := m.evalExpr(m.cfa.expr, s, mem, 0)
		if err != nil {
			return 0, err
		}
		return uintptr(v), nil
	}
	regnum, ok := s.RegNumber(m.cfa.reg)
	if !ok {
		return 0, errs.ErrInvalidData
	}
	v, err := s.Get(regnum)
	if err != nil {
		return 0, errs.ErrBadFrame
	}
	return uintptr(int64(v) + m.cfa.offset), nil
}

// evalExpr interprets the DWARF expression opcode subset named in
// spec §4.E.3 against a small operand stack.
func (m *cfiMachine) evalExpr(expr []byte, s *regstate.State, mem *targetMemory, cfa uintptr) (int64, error) {
	var stack []int64
	push := func(v int64) { stack = append(stack, v) }
	pop := func() (int64, error) {
		if len(stack) == 0 {
			return 0, errs.ErrInvalidData
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	pos := 0
	for pos < len(expr) {
		op := expr[pos]
		pos++
		switch {
		case op >= 0x30 && op <= 0x4f: // DW_OP_litN
			push(int64(op - 0x30))
		case op >= 0x50 && op <= 0x6f: // DW_OP_regN
			regnum, ok := s.RegNumber(int(op - 0x50))
			if !ok {
				return 0, errs.ErrInvalidData
			}
			v, err := s.Get(regnum)
			if err != nil {
				return 0, errs.ErrBadFrame
			}
			push(int64(v))
		case op >= 0x70 && op <= 0x8f: // DW_OP_bregN
			off, n := sleb128(expr[pos:])
			pos += n
			regnum, ok := s.RegNumber(int(op - 0x70))
			if !ok {
				return 0, errs.ErrInvalidData
			}
			v, err := s.Get(regnum)
			if err != nil {
				return 0, errs.ErrBadFrame
			}
			push(int64(v) + off)
		default:
			var err error
			pos, err = m.evalExtendedOp(op, expr, pos, push, pop, mem)
			if err != nil {
				return 0, err
			}
		}
	}
	return pop()
}

func (m *cfiMachine) evalExtendedOp(op byte, expr []byte, pos int, push func(int64), pop func() (int64, error), mem *targetMemory) (int, error) {
	switch op {
	case 0x06: // deref
		addr, err := pop()
		if err != nil {
			return pos, err
		}
		v, err := mem.readWord(uintptr(addr))
		if err != nil {
			return pos, errs.ErrBadFrame
		}
		push(int64(v))
	case 0x22: // plus
		b, err := pop()
		if err != nil {
			return pos, err
		}
		a, err := pop()
		if err != nil {
			return pos, err
		}
		push(a + b)
	case 0x1c: // minus
		b, err := pop()
		if err != nil {
			return pos, err
		}
		a, err := pop()
		if err != nil {
			return pos, err
		}
		push(a - b)
	case 0x08: // const1u
		push(int64(expr[pos]))
		pos++
	case 0x09: // const1s
		push(int64(int8(expr[pos])))
		pos++
	case 0x0a: // const2u
		push(int64(binary.LittleEndian.Uint16(expr[pos : pos+2])))
		pos += 2
	case 0x0b: // const2s
		push(int64(int16(binary.LittleEndian.Uint16(expr[pos : pos+2]))))
		pos += 2
	case 0x0c: // const4u
		push(int64(binary.LittleEndian.Uint32(expr[pos : pos+4])))
		pos += 4
	case 0x0d: // const4s
		push(int64(int32(binary.LittleEndian.Uint32(expr[pos : pos+4]))))
		pos += 4
	case 0x10: // constu
		v, n := uleb128(expr[pos:])
		pos += n
		push(int64(v))
	case 0x11: // consts
		v, n := sleb128(expr[pos:])
		pos += n
		push(v)
	default:
		return pos, errs.ErrInvalidData
	}
	return pos, nil
}
