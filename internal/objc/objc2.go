package objc

import (
	"encoding/binary"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/machofmt"
)

const (
	rwRealized     = uint32(1) << 31
	listHeaderSize = 8 // entsize uint32, count uint32
)

// parseObjC2 ports pl_async_objc_parse_from_data_section: walk
// __DATA/__objc_classlist, per spec §4.G.
func (p *Parser) parseObjC2(reader *machofmt.Reader, cb MethodCallback) error {
	sec, err := reader.MapSection("__DATA", "__objc_classlist")
	if err != nil {
		return errs.ErrNotFound
	}
	defer sec.Close()

	ptrSize := uintptr(4)
	if reader.Is64() {
		ptrSize = 8
	}
	count := int(sec.Length) / int(ptrSize)
	if count == 0 {
		return errs.ErrNotFound
	}

	bo := reader.ByteOrder()
	raw, err := sec.Remap(sec.TaskAddress, 0, sec.Length)
	if err != nil {
		return errs.ErrNotFound
	}

	for i := 0; i < count; i++ {
		var classPtr uint64
		if ptrSize == 8 {
			classPtr = bo.Uint64(raw[i*8 : i*8+8])
		} else {
			classPtr = uint64(bo.Uint32(raw[i*4 : i*4+4]))
		}

		if err := p.parseObjC2ClassAndMeta(classPtr, reader.Is64(), bo, cb); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) parseObjC2ClassAndMeta(classPtr uint64, is64 bool, bo binary.ByteOrder, cb MethodCallback) error {
	classSize := 20 // isa, superclass, cache, vtable, data_rw: uint32 x5
	if is64 {
		classSize = 40 // uint64 x5
	}

	classBuf, err := p.readAt(uintptr(classPtr), uintptr(classSize))
	if err != nil {
		return errs.ErrInvalidImage
	}

	var isa uint64
	if is64 {
		isa = bo.Uint64(classBuf[0:8])
	} else {
		isa = uint64(bo.Uint32(classBuf[0:4]))
	}

	if err := p.parseObjC2Class(classBuf, is64, bo, false, cb); err != nil {
		return err
	}

	metaBuf, err := p.readAt(uintptr(isa), uintptr(classSize))
	if err != nil {
		return errs.ErrInvalidImage
	}
	return p.parseObjC2Class(metaBuf, is64, bo, true, cb)
}

func (p *Parser) parseObjC2Class(classBuf []byte, is64 bool, bo binary.ByteOrder, isMeta bool, cb MethodCallback) error {
	var dataRW uint64
	if is64 {
		dataRW = bo.Uint64(classBuf[32:40])
	} else {
		dataRW = uint64(bo.Uint32(classBuf[16:20]))
	}
	dataRW &^= 3

	ro, ok := p.Cache.Lookup(dataRW)
	if !ok {
		var err error
		ro, err = p.readClassRO(dataRW, is64, bo)
		if err != nil {
			// unrealized or unreadable: not an error for the overall
			// walk, just nothing to report for this class.
			return nil
		}
		p.Cache.Insert(dataRW, ro)
	}

	if ro.baseMethods == 0 {
		return nil
	}

	hdrBuf, err := p.readAt(uintptr(ro.baseMethods), listHeaderSize)
	if err != nil {
		return errs.ErrInvalidImage
	}
	entsize := bo.Uint32(hdrBuf[0:4]) &^ 3
	methodCount := bo.Uint32(hdrBuf[4:8])
	if entsize == 0 {
		return nil
	}

	methodListStart := ro.baseMethods + listHeaderSize
	for i := uint32(0); i < methodCount; i++ {
		addr := methodListStart + uint64(i)*uint64(entsize)
		methodBuf, err := p.readAt(uintptr(addr), uintptr(entsize))
		if err != nil {
			return errs.ErrInvalidImage
		}
		var namePtr, imp uint64
		if is64 {
			namePtr = bo.Uint64(methodBuf[0:8])
			imp = bo.Uint64(methodBuf[16:24])
		} else {
			namePtr = uint64(bo.Uint32(methodBuf[0:4]))
			imp = uint64(bo.Uint32(methodBuf[8:12]))
		}
		cb(isMeta, ro.name, cstrAt(p, namePtr), imp)
	}
	return nil
}

func (p *Parser) readClassRO(dataRW uint64, is64 bool, bo binary.ByteOrder) (classRO, error) {
	rwSize := uintptr(12) // flags, version, data_ro: uint32 x2 + uint32
	if is64 {
		rwSize = 16 // flags uint32, version uint32, data_ro uint64
	}
	rwBuf, err := p.readAt(uintptr(dataRW), rwSize)
	if err != nil {
		return classRO{}, err
	}
	flags := bo.Uint32(rwBuf[0:4])
	if flags&rwRealized == 0 {
		return classRO{}, errs.ErrNotFound
	}

	var dataROAddr uint64
	if is64 {
		dataROAddr = bo.Uint64(rwBuf[8:16])
	} else {
		dataROAddr = uint64(bo.Uint32(rwBuf[8:12]))
	}
	roSize := uintptr(40) // 10 uint32 fields
	if is64 {
		roSize = 72
	}
	roBuf, err := p.readAt(uintptr(dataROAddr), roSize)
	if err != nil {
		return classRO{}, err
	}

	var namePtr, baseMethods uint64
	if is64 {
		namePtr = bo.Uint64(roBuf[24:32])
		baseMethods = bo.Uint64(roBuf[32:40])
	} else {
		namePtr = uint64(bo.Uint32(roBuf[16:20]))
		baseMethods = uint64(bo.Uint32(roBuf[20:24]))
	}

	return classRO{name: cstrAt(p, namePtr), baseMethods: baseMethods}, nil
}
