package objc

import (
	"encoding/binary"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/machofmt"
)

// clsNoMethodArray mirrors PLCrashAsyncObjCSection.c's CLS_NO_METHOD_ARRAY
// info bit: when set, a class's methods field points at a single
// method_list; when clear, it points at a NUL/sentinel-terminated
// array of method_list pointers.
const clsNoMethodArray = 0x4000

// endOfMethodsList is the legacy runtime's array-terminator sentinel,
// distinct from a plain NULL pointer.
const endOfMethodsList = 0xffffffff

const (
	sizeofObjc1Module     = 16 // version, size, name, symtab: uint32 x4
	sizeofObjc1Symtab     = 12 // sel_ref_cnt uint32, refs uint32, cls_def_count uint16, cat_def_count uint16
	sizeofObjc1Class      = 40 // 10 uint32 fields
	sizeofObjc1MethodList = 8  // obsolete uint32, count uint32
	sizeofObjc1Method     = 12 // name, types, imp: uint32 x3
)

// parseObjC1 ports pl_async_objc_parse_from_module_info: walk
// __OBJC/__module_info, per spec §4.G.
func (p *Parser) parseObjC1(reader *machofmt.Reader, cb MethodCallback) error {
	sec, err := reader.MapSection("__OBJC", "__module_info")
	if err != nil {
		return errs.ErrNotFound
	}
	defer sec.Close()

	moduleCount := int(sec.Length) / sizeofObjc1Module
	if moduleCount == 0 {
		return errs.ErrNotFound
	}

	bo := reader.ByteOrder()
	raw, err := sec.Remap(sec.TaskAddress, 0, sec.Length)
	if err != nil {
		return errs.ErrNotFound
	}

	for m := 0; m < moduleCount; m++ {
		off := m * sizeofObjc1Module
		symtabPtr := uint64(bo.Uint32(raw[off+12 : off+16]))
		if symtabPtr == 0 {
			continue
		}

		symtabBuf, err := p.readAt(uintptr(symtabPtr), sizeofObjc1Symtab)
		if err != nil {
			return errs.ErrInvalidImage
		}
		classCount := int(bo.Uint16(symtabBuf[8:10]))

		for i := 0; i < classCount; i++ {
			cursor := symtabPtr + sizeofObjc1Symtab + uint64(i)*4
			ptrBuf, err := p.readAt(uintptr(cursor), 4)
			if err != nil {
				return errs.ErrInvalidImage
			}
			classPtr := uint64(bo.Uint32(ptrBuf))

			if err := p.parseObjC1ClassAndMeta(classPtr, bo, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parser) parseObjC1ClassAndMeta(classPtr uint64, bo binary.ByteOrder, cb MethodCallback) error {
	classBuf, err := p.readAt(uintptr(classPtr), sizeofObjc1Class)
	if err != nil {
		return errs.ErrInvalidImage
	}
	if err := p.parseObjC1Class(classBuf, bo, false, cb); err != nil {
		return err
	}

	isa := uint64(bo.Uint32(classBuf[0:4]))
	metaBuf, err := p.readAt(uintptr(isa), sizeofObjc1Class)
	if err != nil {
		return errs.ErrInvalidImage
	}
	return p.parseObjC1Class(metaBuf, bo, true, cb)
}

func (p *Parser) parseObjC1Class(classBuf []byte, bo binary.ByteOrder, isMeta bool, cb MethodCallback) error {
	namePtr := uint64(bo.Uint32(classBuf[8:12]))
	info := bo.Uint32(classBuf[16:20])
	methodListPtr := uint64(bo.Uint32(classBuf[28:32]))

	className := cstrAt(p, namePtr)
	hasMultiple := info&clsNoMethodArray == 0
	cursor := methodListPtr

	for {
		var listPtr uint64
		if hasMultiple {
			if cursor == 0 {
				break
			}
			ptrBuf, err := p.readAt(uintptr(cursor), 4)
			if err != nil {
				return errs.ErrInvalidImage
			}
			listPtr = uint64(bo.Uint32(ptrBuf))
			if listPtr == 0 || listPtr == endOfMethodsList {
				break
			}
			cursor += 4
		} else {
			listPtr = cursor
			if listPtr == 0 {
				break
			}
		}

		listBuf, err := p.readAt(uintptr(listPtr), sizeofObjc1MethodList)
		if err != nil {
			return errs.ErrInvalidImage
		}
		count := bo.Uint32(listBuf[4:8])

		for i := uint32(0); i < count; i++ {
			methodAddr := listPtr + sizeofObjc1MethodList + uint64(i)*sizeofObjc1Method
			methodBuf, err := p.readAt(uintptr(methodAddr), sizeofObjc1Method)
			if err != nil {
				return errs.ErrInvalidImage
			}
			nameAddr := uint64(bo.Uint32(methodBuf[0:4]))
			imp := uint64(bo.Uint32(methodBuf[8:12]))
			cb(isMeta, className, cstrAt(p, nameAddr), imp)
		}

		if !hasMultiple {
			break
		}
	}
	return nil
}
