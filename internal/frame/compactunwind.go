package frame

import (
	"encoding/binary"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/machofmt"
	"github.com/blacktop/crashwatch/internal/mobject"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// Compact unwind encoding masks, from mach-o/compact_unwind_encoding.h.
// Only the x86_64 modes are decoded directly; other architectures fall
// through to DWARF or report errs.NotFound.
const (
	unwindModeMask  = 0x0F000000
	unwindModeBP    = 0x01000000
	unwindModeStack = 0x02000000
	unwindModeDwarf = 0x04000000

	bpRegistersMask = 0x00007FFF
	bpFrameOffMask  = 0x00FF0000
	bpFrameOffShift = 16

	framelessStackSizeMask  = 0x00FF0000
	framelessStackSizeShift = 16
	framelessRegCountMask   = 0x00001C00
	framelessRegCountShift  = 10
	framelessPermMask       = 0x000003FF
)

// amd64CompactRegs is the Apple convention mapping permutation slots
// 1-6 to logical amd64 registers, shared by both the BP-frame register
// list (5-bit fields) and the frameless permutation decode.
var amd64CompactRegs = [...]int{
	0, // slot 0 unused ("no register")
	regstate.AMD64_RBX,
	regstate.AMD64_R12,
	regstate.AMD64_R13,
	regstate.AMD64_R14,
	regstate.AMD64_R15,
	regstate.AMD64_RBP,
}

// unwindInfoHeader mirrors the fixed fields at the start of an
// __unwind_info section (mach-o/compact_unwind_encoding.h's
// unwind_info_section_header), used to locate the first-level index.
type unwindInfoHeader struct {
	Version                   uint32
	CommonEncodingsOffset     uint32
	CommonEncodingsCount      uint32
	PersonalityArrayOffset    uint32
	PersonalityArrayCount     uint32
	IndexSectionOffset        uint32
	IndexCount                uint32
}

// CompactUnwindReader decodes Apple's compact-unwind-info format,
// per spec §4.E.2, handing off DWARF-mode encodings to a
// DWARFCFIReader.
type CompactUnwindReader struct {
	Pid  int
	DWARF *DWARFCFIReader
}

func NewCompactUnwindReader(pid int, dwarf *DWARFCFIReader) *CompactUnwindReader {
	return &CompactUnwindReader{Pid: pid, DWARF: dwarf}
}

func (r *CompactUnwindReader) Advance(s *regstate.State, images *imagelist.Snapshot) (*regstate.State, error) {
	ip, err := s.Get(ipReg(s.Arch))
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	img := images.FindByAddress(uintptr(ip))
	if img == nil {
		return nil, errs.ErrNotFound
	}

	reader, err := r.openImage(img)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	sec, err := reader.MapSection("__TEXT", "__unwind_info")
	if err != nil {
		return nil, errs.ErrNotFound
	}
	defer sec.Close()

	raw, err := sec.Remap(sec.TaskAddress, 0, sec.Length)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	if len(raw) < 28 {
		return nil, errs.ErrNotFound
	}

	bo := reader.ByteOrder()
	hdr := unwindInfoHeader{
		Version:                bo.Uint32(raw[0:4]),
		CommonEncodingsOffset:  bo.Uint32(raw[4:8]),
		CommonEncodingsCount:   bo.Uint32(raw[8:12]),
		PersonalityArrayOffset: bo.Uint32(raw[12:16]),
		PersonalityArrayCount:  bo.Uint32(raw[16:20]),
		IndexSectionOffset:     bo.Uint32(raw[20:24]),
		IndexCount:             bo.Uint32(raw[24:28]),
	}
	if hdr.IndexCount < 2 {
		return nil, errs.ErrNotFound
	}

	funcOff := uint32(uint64(ip) - uint64(img.Base))

	// First-level index: {functionOffset, secondLevelPagesOffset,
	// lsdaIndexOffset} uint32 triples, IndexCount entries, the last a
	// sentinel carrying only functionOffset.
	const firstLevelEntrySize = 12
	idxBase := int(hdr.IndexSectionOffset)
	entry := -1
	for i := 0; i < int(hdr.IndexCount)-1; i++ {
		off := idxBase + i*firstLevelEntrySize
		if off+firstLevelEntrySize > len(raw) {
			return nil, errs.ErrNotFound
		}
		lo := bo.Uint32(raw[off : off+4])
		nextOff := off + firstLevelEntrySize
		hi := bo.Uint32(raw[nextOff : nextOff+4])
		if funcOff >= lo && funcOff < hi {
			entry = i
			break
		}
	}
	if entry < 0 {
		return nil, errs.ErrNotFound
	}
	secondPageOff := bo.Uint32(raw[idxBase+entry*firstLevelEntrySize+4 : idxBase+entry*firstLevelEntrySize+8])
	if secondPageOff == 0 || int(secondPageOff) >= len(raw) {
		return nil, errs.ErrNotFound
	}

	encoding, found := lookupSecondLevel(raw, int(secondPageOff), bo, funcOff,
		uint32(int(bo.Uint32(raw[idxBase+entry*firstLevelEntrySize:idxBase+entry*firstLevelEntrySize+4]))),
		int(hdr.CommonEncodingsOffset), int(hdr.CommonEncodingsCount))
	if !found {
		return nil, errs.ErrNotFound
	}

	mode := encoding & unwindModeMask
	if mode == unwindModeDwarf {
		if r.DWARF == nil {
			return nil, errs.ErrNotFound
		}
		return r.DWARF.advanceWithFDEOffset(s, img, encoding&0x00FFFFFF)
	}

	if s.Arch != regstate.AMD64 {
		// Only the amd64 bit layout is decoded; other architectures'
		// compact-unwind formats are left to the DWARF reader.
		return nil, errs.ErrNotFound
	}

	switch mode {
	case unwindModeBP:
		return r.decodeBPFrame(s, encoding)
	case unwindModeStack:
		return r.decodeFrameless(s, encoding)
	default:
		return nil, errs.ErrNotFound
	}
}

// readStackWord reads one 8-byte little-endian word from the target
// task at addr, used by both compact-unwind decode paths to recover
// the values the encoding only describes the location of.
func (r *CompactUnwindReader) readStackWord(addr uintptr) (uint64, error) {
	mobj, err := mobject.Open(r.Pid, addr, 8)
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

func (r *CompactUnwindReader) openImage(img *imagelist.Image) (*machofmt.Reader, error) {
	mobj, err := mobject.Open(r.Pid, img.Base, 4096)
	if err != nil {
		return nil, err
	}
	return machofmt.NewReader(mobj, img.Base, uint64(img.Slide))
}

// lookupSecondLevel finds the encoding for funcOff within the
// second-level page at pageOff, handling both "regular" (uncompressed)
// and "compressed" page kinds. commonEncOff/commonEncCount locate the
// section-level common-encodings array a compressed page's index can
// refer into, ahead of its own page-local array.
func lookupSecondLevel(raw []byte, pageOff int, bo binary.ByteOrder, funcOff uint32, pageFuncBase uint32, commonEncOff, commonEncCount int) (uint32, bool) {
	if pageOff+4 > len(raw) {
		return 0, false
	}
	kind := bo.Uint32(raw[pageOff : pageOff+4])
	switch kind {
	case 2: // UNWIND_SECOND_LEVEL_REGULAR
		if pageOff+12 > len(raw) {
			return 0, false
		}
		entryOff := int(bo.Uint32(raw[pageOff+4 : pageOff+8]))
		count := int(bo.Uint32(raw[pageOff+8 : pageOff+12]))
		for i := 0; i < count; i++ {
			off := pageOff + entryOff + i*8
			if off+8 > len(raw) {
				break
			}
			entryFunc := bo.Uint32(raw[off : off+4])
			entryEnc := bo.Uint32(raw[off+4 : off+8])
			var nextFunc uint32 = ^uint32(0)
			if i+1 < count {
				nOff := pageOff + entryOff + (i+1)*8
				nextFunc = bo.Uint32(raw[nOff : nOff+4])
			}
			if funcOff >= entryFunc && funcOff < nextFunc {
				return entryEnc, true
			}
		}
	case 3: // UNWIND_SECOND_LEVEL_COMPRESSED
		if pageOff+16 > len(raw) {
			return 0, false
		}
		entryOff := int(bo.Uint32(raw[pageOff+4 : pageOff+8]))
		count := int(bo.Uint32(raw[pageOff+8 : pageOff+12]))
		encOff := int(bo.Uint32(raw[pageOff+12 : pageOff+16]))
		for i := 0; i < count; i++ {
			off := pageOff + entryOff + i*4
			if off+4 > len(raw) {
				break
			}
			word := bo.Uint32(raw[off : off+4])
			relFunc := word & 0x00FFFFFF
			encIdx := word >> 24
			absFunc := pageFuncBase + relFunc
			var nextAbs uint32 = ^uint32(0)
			if i+1 < count {
				nOff := pageOff + entryOff + (i+1)*4
				nWord := bo.Uint32(raw[nOff : nOff+4])
				nextAbs = pageFuncBase + (nWord & 0x00FFFFFF)
			}
			if funcOff >= absFunc && funcOff < nextAbs {
				var eOff int
				if int(encIdx) < commonEncCount {
					eOff = commonEncOff + int(encIdx)*4
				} else {
					eOff = pageOff + encOff + (int(encIdx)-commonEncCount)*4
				}
				if eOff+4 > len(raw) || eOff < 0 {
					return 0, false
				}
				return bo.Uint32(raw[eOff : eOff+4]), true
			}
		}
	}
	return 0, false
}

// decodeBPFrame restores a BP_FRAME-mode function: RBP already points
// at a standard saved-RBP/return-address pair, optionally preceded by
// up to five callee-saved registers pushed below it at a fixed offset.
func (r *CompactUnwindReader) decodeBPFrame(s *regstate.State, encoding uint32) (*regstate.State, error) {
	fp, err := s.Get(regstate.AMD64_RBP)
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	offsetUnits := (encoding & bpFrameOffMask) >> bpFrameOffShift
	savedRegs := encoding & bpRegistersMask

	out := s.Clone()
	out.ClearVolatile()

	fpAddr := uintptr(fp)
	slotAddr := fpAddr - uintptr(offsetUnits)*8
	for i := 0; i < 5; i++ {
		regSel := (savedRegs >> uint(i*3)) & 0x7
		if regSel != 0 {
			if int(regSel) >= len(amd64CompactRegs) {
				return nil, errs.ErrInvalidData
			}
			v, err := r.readStackWord(slotAddr)
			if err != nil {
				return nil, errs.ErrBadFrame
			}
			out.Set(amd64CompactRegs[regSel], v)
		}
		slotAddr += 8
	}

	savedFP, err := r.readStackWord(fpAddr)
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	savedRA, err := r.readStackWord(fpAddr + 8)
	if err != nil {
		return nil, errs.ErrBadFrame
	}

	out.Set(regstate.AMD64_RBP, savedFP)
	out.Set(regstate.AMD64_RSP, fp+16)
	out.Set(regstate.AMD64_RIP, savedRA)
	return out, nil
}

// decodeFrameless restores a frameless function: the stack pointer
// simply grows by stackSize, with regCount callee-saved registers
// spilled just below the return address, in the order described by
// the factorial-base permutation.
func (r *CompactUnwindReader) decodeFrameless(s *regstate.State, encoding uint32) (*regstate.State, error) {
	sp, err := s.Get(regstate.AMD64_RSP)
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	stackSize := ((encoding & framelessStackSizeMask) >> framelessStackSizeShift) * 8
	regCount := int((encoding & framelessRegCountMask) >> framelessRegCountShift)
	permutation := encoding & framelessPermMask

	var perm [6]uint32
	decodePermutation(permutation, regCount, &perm)

	out := s.Clone()
	out.ClearVolatile()

	newSP := uintptr(sp) + uintptr(stackSize)
	raAddr := newSP - 8
	slot := raAddr - uintptr(8*regCount)
	for i := 0; i < regCount; i++ {
		regNum := perm[i]
		if regNum == 0 || int(regNum) >= len(amd64CompactRegs) {
			slot += 8
			continue
		}
		v, err := r.readStackWord(slot)
		if err != nil {
			return nil, errs.ErrBadFrame
		}
		out.Set(amd64CompactRegs[regNum], v)
		slot += 8
	}

	savedRA, err := r.readStackWord(raAddr)
	if err != nil {
		return nil, errs.ErrBadFrame
	}

	out.Set(regstate.AMD64_RSP, uint64(newSP))
	out.Set(regstate.AMD64_RIP, savedRA)
	return out, nil
}

// decodePermutation reverses Apple's factorial-base encoding of a
// register permutation, ported from libunwind's
// CompactUnwinder::decodeCompactUnwindFrameless.
func decodePermutation(permutation uint32, count int, registers *[6]uint32) {
	var permunreg [6]uint32
	p := permutation
	switch count {
	case 6:
		permunreg[0] = p / 120
		p -= permunreg[0] * 120
		permunreg[1] = p / 24
		p -= permunreg[1] * 24
		permunreg[2] = p / 6
		p -= permunreg[2] * 6
		permunreg[3] = p / 2
		p -= permunreg[3] * 2
		permunreg[4] = p
		permunreg[5] = 0
	case 5:
		permunreg[0] = p / 120
		p -= permunreg[0] * 120
		permunreg[1] = p / 24
		p -= permunreg[1] * 24
		permunreg[2] = p / 6
		p -= permunreg[2] * 6
		permunreg[3] = p / 2
		p -= permunreg[3] * 2
		permunreg[4] = p
	case 4:
		permunreg[0] = p / 60
		p -= permunreg[0] * 60
		permunreg[1] = p / 12
		p -= permunreg[1] * 12
		permunreg[2] = p / 3
		p -= permunreg[2] * 3
		permunreg[3] = p
	case 3:
		permunreg[0] = p / 20
		p -= permunreg[0] * 20
		permunreg[1] = p / 4
		p -= permunreg[1] * 4
		permunreg[2] = p
	case 2:
		permunreg[0] = p / 5
		p -= permunreg[0] * 5
		permunreg[1] = p
	case 1:
		permunreg[0] = p
	}

	var used [7]bool
	for i := 0; i < count; i++ {
		renum := uint32(0)
		for u := 1; u < 7; u++ {
			if used[u] {
				continue
			}
			if renum == permunreg[i] {
				registers[i] = uint32(u)
				used[u] = true
				break
			}
			renum++
		}
	}
}
