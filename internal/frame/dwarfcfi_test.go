package frame

import (
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"github.com/blacktop/crashwatch/internal/regstate"
)

// buildCIEFDE assembles one CIE (augmentation "zR", CFA = rsp+8,
// return address at CFA-8 — the standard x86-64 function-entry CFI
// row) followed by one FDE spanning [initLoc, initLoc+addrRange),
// with no FDE-local instructions of its own.
func buildCIEFDE(initLoc, addrRange uint64) (raw []byte, fdeOff int) {
	cieBody := []byte{
		0x01,                   // version
		'z', 'R', 0x00,         // augmentation string
		0x01,                   // code_alignment_factor (uleb128) = 1
		0x78,                   // data_alignment_factor (sleb128) = -8
		0x10,                   // return_address_register (uleb128) = 16 (DWARF RIP)
		0x01, 0x00,             // augmentation length=1, data=[0x00]
		0x0c, 0x07, 0x08, // DW_CFA_def_cfa(reg=7, offset=8)
		0x05, 0x10, 0x01, // DW_CFA_offset_extended(reg=16, factor=1)
	}
	cieLength := uint32(4 + len(cieBody)) // id field + body

	var buf []byte
	appendU32 := func(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); buf = append(buf, b[:]...) }

	appendU32(cieLength)
	appendU32(0) // CIE id
	buf = append(buf, cieBody...)

	fdeOff = len(buf)
	cieOffsetField := uint32(fdeOff + 4) // cieAddr 0: (fdeOff+4) - 0

	fdeBody := make([]byte, 0, 8+8+1)
	var initLocBuf, addrRangeBuf [8]byte
	binary.LittleEndian.PutUint64(initLocBuf[:], initLoc)
	binary.LittleEndian.PutUint64(addrRangeBuf[:], addrRange)
	fdeBody = append(fdeBody, initLocBuf[:]...)
	fdeBody = append(fdeBody, addrRangeBuf[:]...)
	fdeBody = append(fdeBody, 0x00) // augmentation length 0

	fdeLength := uint32(4 + len(fdeBody))
	appendU32(fdeLength)
	appendU32(cieOffsetField)
	buf = append(buf, fdeBody...)

	return buf, fdeOff
}

// TestEvaluateRecoversEntryStateCFA drives evaluate directly against
// a hand-built CIE/FDE pair matching the textbook x86-64 function-entry
// unwind row, confirming CFA computation and return-address recovery.
func TestEvaluateRecoversEntryStateCFA(t *testing.T) {
	const imgBase = 0x100000
	const ip = imgBase + 4

	var retAddr uint64 = 0xfeedface
	rsp := uintptr(unsafe.Pointer(&retAddr))

	raw, fdeOff := buildCIEFDE(imgBase, 0x1000)

	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RIP, ip)
	s.Set(regstate.AMD64_RSP, uint64(rsp))

	r := &DWARFCFIReader{Pid: os.Getpid()}
	out, err := r.evaluate(s, raw, binary.LittleEndian, fdeOff)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	wantCFA := uint64(rsp) + 8
	if v, _ := out.Get(regstate.AMD64_RSP); v != wantCFA {
		t.Fatalf("RSP (new CFA) = %#x, want %#x", v, wantCFA)
	}
	if v, _ := out.Get(regstate.AMD64_RIP); v != 0xfeedface {
		t.Fatalf("RIP = %#x, want 0xfeedface", v)
	}
}

func TestFindFDELocatesCoveringRecord(t *testing.T) {
	const imgBase = 0x100000
	raw, fdeOff := buildCIEFDE(imgBase, 0x1000)

	off, ok := findFDE(raw, binary.LittleEndian, imgBase+0x10)
	if !ok || off != fdeOff {
		t.Fatalf("findFDE = %d, %v; want %d, true", off, ok, fdeOff)
	}

	if _, ok := findFDE(raw, binary.LittleEndian, imgBase+0x2000); ok {
		t.Fatal("findFDE matched an IP outside the FDE's range")
	}
}

func TestULEB128AndSLEB128RoundTrip(t *testing.T) {
	v, n := uleb128([]byte{0xe5, 0x8e, 0x26})
	if v != 624485 || n != 3 {
		t.Fatalf("uleb128 = %d (%d bytes), want 624485 (3 bytes)", v, n)
	}

	sv, sn := sleb128([]byte{0x9b, 0xf1, 0x59})
	if sv != -624485 || sn != 3 {
		t.Fatalf("sleb128 = %d (%d bytes), want -624485 (3 bytes)", sv, sn)
	}
}
