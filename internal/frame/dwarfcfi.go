package frame

import (
	"encoding/binary"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/machofmt"
	"github.com/blacktop/crashwatch/internal/mobject"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// ruleKind is one of the seven register-rule classes from spec §4.E.3.
type ruleKind int

const (
	ruleUndefined ruleKind = iota
	ruleSameValue
	ruleOffset
	ruleValOffset
	ruleRegister
	ruleExpression
	ruleValExpression
)

type rule struct {
	kind ruleKind
	n    int64  // offset(N) / valOffset(N)
	reg  int    // register(R)
	expr []byte // expression(E) / valExpression(E)
}

// cfaRule describes how to compute the Canonical Frame Address: either
// register+offset, or an expression.
type cfaRule struct {
	isExpr bool
	reg    int
	offset int64
	expr   []byte
}

type cie struct {
	codeAlign    uint64
	dataAlign    int64
	raColumn     uint64
	initialInstr []byte
	augZ         bool
	fdeEncoding  byte // DW_EH_PE_* for FDE pointers, only valid if augZ && 'R' seen
}

// DWARFCFIReader evaluates Call Frame Information from __eh_frame, per
// spec §4.E.3.
type DWARFCFIReader struct {
	Pid int
}

func NewDWARFCFIReader(pid int) *DWARFCFIReader {
	return &DWARFCFIReader{Pid: pid}
}

func (r *DWARFCFIReader) Advance(s *regstate.State, images *imagelist.Snapshot) (*regstate.State, error) {
	ip, err := s.Get(ipReg(s.Arch))
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	img := images.FindByAddress(uintptr(ip))
	if img == nil {
		return nil, errs.ErrNotFound
	}

	sec, bo, err := r.mapEHFrame(img)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	defer sec.Close()

	raw, err := sec.Remap(sec.TaskAddress, 0, sec.Length)
	if err != nil {
		return nil, errs.ErrNotFound
	}

	fdeOff, ok := findFDE(raw, bo, uint64(ip))
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.evaluate(s, raw, bo, fdeOff)
}

// advanceWithFDEOffset is the compact-unwind DWARF-mode handoff path:
// the encoding word already names the FDE's offset into __eh_frame.
func (r *DWARFCFIReader) advanceWithFDEOffset(s *regstate.State, img *imagelist.Image, fdeOff uint32) (*regstate.State, error) {
	sec, bo, err := r.mapEHFrame(img)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	defer sec.Close()

	raw, err := sec.Remap(sec.TaskAddress, 0, sec.Length)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	if int(fdeOff) >= len(raw) {
		return nil, errs.ErrNotFound
	}
	return r.evaluate(s, raw, bo, int(fdeOff))
}

func (r *DWARFCFIReader) mapEHFrame(img *imagelist.Image) (*mobject.Object, binary.ByteOrder, error) {
	mobj, err := mobject.Open(r.Pid, img.Base, 4096)
	if err != nil {
		return nil, nil, err
	}
	reader, err := machofmt.NewReader(mobj, img.Base, uint64(img.Slide))
	if err != nil {
		mobj.Close()
		return nil, nil, err
	}
	sec, err := reader.MapSection("__TEXT", "__eh_frame")
	if err != nil {
		mobj.Close()
		return nil, nil, err
	}
	return sec, reader.ByteOrder(), nil
}

// findFDE linearly scans __eh_frame for the FDE whose PC range covers
// ip, per spec §4.E.3. Pointers in the initial_location/address_range
// fields are treated as raw 8-byte, section-relative-to-image
// absolute values (the common "absptr" encoding); pc-relative
// augmentations are not decoded.
func findFDE(raw []byte, bo binary.ByteOrder, ip uint64) (int, bool) {
	off := 0
	cies := map[int]*cie{}
	for off+4 <= len(raw) {
		start := off
		length := bo.Uint32(raw[off : off+4])
		off += 4
		if length == 0 {
			break // terminator
		}
		recordEnd := off + int(length)
		if recordEnd > len(raw) {
			break
		}
		idField := bo.Uint32(raw[off : off+4])
		if idField == 0 {
			c, err := parseCIE(raw[off+4:recordEnd], bo)
			if err == nil {
				cies[start] = c
			}
			off = recordEnd
			continue
		}

		cieAddr := off - int(idField)
		c, ok := cies[cieAddr]
		if !ok {
			parsed, err := locateCIE(raw, bo, cieAddr)
			if err != nil {
				off = recordEnd
				continue
			}
			c = parsed
			cies[cieAddr] = c
		}

		body := raw[off+4 : recordEnd]
		if len(body) < 16 {
			off = recordEnd
			continue
		}
		initLoc := bo.Uint64(body[0:8])
		addrRange := bo.Uint64(body[8:16])
		lo := initLoc
		hi := lo + addrRange
		if ip >= lo && ip < hi {
			return start, true
		}
		_ = c
		off = recordEnd
	}
	return 0, false
}

func locateCIE(raw []byte, bo binary.ByteOrder, cieAddr int) (*cie, error) {
	if cieAddr < 0 || cieAddr+4 > len(raw) {
		return nil, errs.ErrInvalidData
	}
	length := bo.Uint32(raw[cieAddr : cieAddr+4])
	end := cieAddr + 4 + int(length)
	if end > len(raw) {
		return nil, errs.ErrInvalidData
	}
	return parseCIE(raw[cieAddr+8:end], bo)
}

func parseCIE(body []byte, bo binary.ByteOrder) (*cie, error) {
	if len(body) < 1 {
		return nil, errs.ErrInvalidData
	}
	pos := 0
	version := body[pos]
	pos++
	_ = version

	augStart := pos
	for pos < len(body) && body[pos] != 0 {
		pos++
	}
	if pos >= len(body) {
		return nil, errs.ErrInvalidData
	}
	aug := string(body[augStart:pos])
	pos++ // NUL

	codeAlign, n := uleb128(body[pos:])
	pos += n
	dataAlign, n := sleb128(body[pos:])
	pos += n
	raColumn, n := uleb128(body[pos:])
	pos += n

	c := &cie{codeAlign: codeAlign, dataAlign: dataAlign, raColumn: raColumn}

	if len(aug) > 0 && aug[0] == 'z' {
		c.augZ = true
		augLen, n := uleb128(body[pos:])
		pos += n
		augDataEnd := pos + int(augLen)
		if augDataEnd > len(body) {
			return nil, errs.ErrInvalidData
		}
		augData := body[pos:augDataEnd]
		ai := 0
		for _, ch := range aug[1:] {
			switch ch {
			case 'R':
				if ai < len(augData) {
					c.fdeEncoding = augData[ai]
					ai++
				}
			case 'P':
				ai++ // personality encoding byte, then pointer-sized operand: skip
				if ai < len(augData) {
					ai += 8
				}
			case 'L':
				ai++ // LSDA encoding byte
			}
		}
		pos = augDataEnd
	}

	if pos > len(body) {
		return nil, errs.ErrInvalidData
	}
	c.initialInstr = body[pos:]
	return c, nil
}

// evaluate runs the CIE's initial instructions then the FDE's
// instructions up to the instruction covering ip, then computes the
// CFA and restores every register per its final rule.
func (r *DWARFCFIReader) evaluate(s *regstate.State, raw []byte, bo binary.ByteOrder, fdeOff int) (*regstate.State, error) {
	length := bo.Uint32(raw[fdeOff : fdeOff+4])
	recordEnd := fdeOff + 4 + int(length)
	idField := bo.Uint32(raw[fdeOff+4 : fdeOff+8])
	cieAddr := fdeOff + 4 - int(idField)
	c, err := locateCIE(raw, bo, cieAddr)
	if err != nil {
		return nil, errs.ErrNotFound
	}

	body := raw[fdeOff+8 : recordEnd]
	if len(body) < 16 {
		return nil, errs.ErrBadFrame
	}
	initLoc := bo.Uint64(body[0:8])
	pos := 16
	if c.augZ {
		augLen, n := uleb128(body[pos:])
		pos += n
		pos += int(augLen)
	}
	instr := body[pos:]

	ip, _ := s.Get(ipReg(s.Arch))

	vm := newCFIMachine(s.Arch, c)
	if err := vm.run(c.initialInstr, bo, ip, initLoc); err != nil {
		return nil, err
	}
	vm.snapshotInitial()
	if err := vm.run(instr, bo, ip, initLoc); err != nil {
		return nil, err
	}

	mem := &targetMemory{pid: r.Pid}
	cfa, err := vm.computeCFA(s, mem)
	if err != nil {
		return nil, err
	}

	out := s.Clone()
	out.ClearVolatile()
	for dwarfReg, ru := range vm.rules {
		regnum, ok := s.RegNumber(dwarfReg)
		if !ok {
			continue
		}
		switch ru.kind {
		case ruleUndefined:
			out.Clear(regnum)
		case ruleSameValue:
			if v, err := s.Get(regnum); err == nil {
				out.Set(regnum, v)
			}
		case ruleOffset:
			v, err := mem.readWord(cfa + uintptr(ru.n))
			if err != nil {
				return nil, errs.ErrBadFrame
			}
			out.Set(regnum, v)
		case ruleValOffset:
			out.Set(regnum, uint64(cfa+uintptr(ru.n)))
		case ruleRegister:
			if srcReg, ok := s.RegNumber(ru.reg); ok {
				if v, err := s.Get(srcReg); err == nil {
					out.Set(regnum, v)
				}
			}
		case ruleExpression:
			v, err := vm.evalExpr(ru.expr, s, mem, cfa)
			if err != nil {
				return nil, err
			}
			readVal, err := mem.readWord(uintptr(v))
			if err != nil {
				return nil, errs.ErrBadFrame
			}
			out.Set(regnum, readVal)
		case ruleValExpression:
			v, err := vm.evalExpr(ru.expr, s, mem, cfa)
			if err != nil {
				return nil, err
			}
			out.Set(regnum, uint64(v))
		}
	}

	raReg, ok := s.RegNumber(int(c.raColumn))
	if ok {
		if newIP, err := out.Get(raReg); err == nil {
			out.Set(ipReg(s.Arch), newIP)
		}
	}
	if newIP, err := out.Get(ipReg(s.Arch)); err == nil && newIP == 0 {
		return nil, errs.ErrEOF
	}
	out.Set(spReg(s.Arch), uint64(cfa))
	return out, nil
}

// targetMemory reads the traced task's memory on demand during CFA /
// expression evaluation.
type targetMemory struct {
	pid int
}

func (m *targetMemory) readWord(addr uintptr) (uint64, error) {
	mobj, err := mobject.Open(m.pid, addr, 8)
	if err != nil {
		return 0, err
	}
	defer mobj.Close()
	buf, err := mobj.Remap(addr, 0, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(b); i++ {
		byt := b[i]
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			i++
			break
		}
		shift += 7
	}
	return result, i
}

func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var byt byte
	for i = 0; i < len(b); i++ {
		byt = b[i]
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}
