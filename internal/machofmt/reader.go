// Package machofmt implements the async-safe Mach-O reader described
// in spec §4.C: it parses load commands directly out of a mapped
// header and exposes named-section lookup, without ever following a
// pointer outside the bytes the header mapping itself contains.
//
// Load-command numbers and segment/section layouts are reused from
// github.com/blacktop/go-macho/types rather than re-declared, per
// SPEC_FULL.md §2.
package machofmt

import (
	"bytes"
	"encoding/binary"

	machotypes "github.com/blacktop/go-macho/types"
	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/mobject"
)

const headerProbeSize = 4096 // generous upper bound for header + load commands

// segment64 mirrors machotypes.Segment64's on-disk layout field for
// field, sized for manual decoding off of a byte slice (the vendored
// struct itself embeds LoadCmd as a leading field, which this layout
// matches byte-for-byte).
type segment64 struct {
	Cmd     uint32
	CmdSize uint32
	Name    [16]byte
	VMAddr  uint64
	VMSize  uint64
	FileOff uint64
	FileSize uint64
	MaxProt uint32
	InitProt uint32
	NSects  uint32
	Flags   uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type segment32 struct {
	Cmd      uint32
	CmdSize  uint32
	Name     [16]byte
	VMAddr   uint32
	VMSize   uint32
	FileOff  uint32
	FileSize uint32
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type section32 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type sectionLoc struct {
	segName, sectName string
	addr              uint64
	size              uint64
}

// Reader exposes the byte-order, pointer-width, and named section
// lookup for one loaded Mach-O image, per spec §4.C.
type Reader struct {
	mobj      *mobject.Object
	slide     uint64
	byteOrder binary.ByteOrder
	is64      bool
	sections  []sectionLoc // lazily parsed, cached for the image's lifetime
	headerAddr uintptr
}

// ByteOrder reports the image's byte order.
func (r *Reader) ByteOrder() binary.ByteOrder { return r.byteOrder }

// Is64 reports whether the image is 64-bit.
func (r *Reader) Is64() bool { return r.is64 }

// NewReader parses the Mach-O header and load commands mapped at
// headerAddr (already adjusted for slide) in mobj's target task.
func NewReader(mobj *mobject.Object, headerAddr uintptr, slide uint64) (*Reader, error) {
	hdr, err := mobj.Remap(headerAddr, 0, headerProbeSize)
	if err != nil {
		// fall back to whatever the object actually covers
		hdr, err = mobj.Remap(headerAddr, 0, mobj.Length)
		if err != nil {
			return nil, errs.ErrInvalidImage
		}
	}
	if len(hdr) < 28 {
		return nil, errs.ErrInvalidImage
	}

	r := &Reader{mobj: mobj, slide: slide, headerAddr: headerAddr}

	magicLE := binary.LittleEndian.Uint32(hdr[0:4])
	magicBE := binary.BigEndian.Uint32(hdr[0:4])

	var magic uint32
	switch {
	case magicLE == uint32(machotypes.Magic32) || magicLE == uint32(machotypes.Magic64):
		r.byteOrder = binary.LittleEndian
		magic = magicLE
	case magicBE == uint32(machotypes.Magic32) || magicBE == uint32(machotypes.Magic64):
		r.byteOrder = binary.BigEndian
		magic = magicBE
	default:
		return nil, errs.ErrInvalidImage
	}
	r.is64 = magic == uint32(machotypes.Magic64)

	headerSize := 28
	if r.is64 {
		headerSize = 32
	}

	ncmds := r.byteOrder.Uint32(hdr[16:20])
	sizeofcmds := r.byteOrder.Uint32(hdr[20:24])
	if int(sizeofcmds) > len(hdr)-headerSize {
		// header probe wasn't big enough; re-map exactly what's needed
		hdr, err = mobj.Remap(headerAddr, 0, uintptr(headerSize)+uintptr(sizeofcmds))
		if err != nil {
			return nil, errs.ErrInvalidImage
		}
	}

	cursor := headerSize
	limit := headerSize + int(sizeofcmds)
	if limit > len(hdr) {
		return nil, errs.ErrInvalidImage
	}

	for i := uint32(0); i < ncmds; i++ {
		if cursor+8 > limit {
			return nil, errs.ErrInvalidImage
		}
		cmd := r.byteOrder.Uint32(hdr[cursor : cursor+4])
		cmdsize := r.byteOrder.Uint32(hdr[cursor+4 : cursor+8])
		if cmdsize < 8 || cursor+int(cmdsize) > limit {
			return nil, errs.ErrInvalidImage
		}

		switch machotypes.LoadCmd(cmd) {
		case machotypes.LC_SEGMENT_64:
			var seg segment64
			if err := binary.Read(bytes.NewReader(hdr[cursor:cursor+int(cmdsize)]), r.byteOrder, &seg); err != nil {
				return nil, errs.ErrInvalidImage
			}
			segEnd := cursor + 72 // sizeof(segment64 header, no sections)
			for s := uint32(0); s < seg.NSects; s++ {
				off := segEnd + int(s)*80
				if off+80 > cursor+int(cmdsize) {
					break
				}
				var sect section64
				if err := binary.Read(bytes.NewReader(hdr[off:off+80]), r.byteOrder, &sect); err != nil {
					break
				}
				r.sections = append(r.sections, sectionLoc{
					segName:  cstr(seg.Name[:]),
					sectName: cstr(sect.SectName[:]),
					addr:     sect.Addr,
					size:     sect.Size,
				})
			}
		case machotypes.LC_SEGMENT:
			var seg segment32
			if err := binary.Read(bytes.NewReader(hdr[cursor:cursor+int(cmdsize)]), r.byteOrder, &seg); err != nil {
				return nil, errs.ErrInvalidImage
			}
			segEnd := cursor + 56
			for s := uint32(0); s < seg.NSects; s++ {
				off := segEnd + int(s)*68
				if off+68 > cursor+int(cmdsize) {
					break
				}
				var sect section32
				if err := binary.Read(bytes.NewReader(hdr[off:off+68]), r.byteOrder, &sect); err != nil {
					break
				}
				r.sections = append(r.sections, sectionLoc{
					segName:  cstr(seg.Name[:]),
					sectName: cstr(sect.SectName[:]),
					addr:     uint64(sect.Addr),
					size:     uint64(sect.Size),
				})
			}
		}

		cursor += int(cmdsize)
	}

	return r, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// MapSection opens a fresh memory object over the named section's
// live range (base+slide applied), or errs.NotFound if no such
// section exists in this image.
func (r *Reader) MapSection(segment, section string) (*mobject.Object, error) {
	for _, s := range r.sections {
		if s.segName == segment && s.sectName == section {
			if s.size == 0 {
				return nil, errs.ErrNotFound
			}
			addr := uintptr(s.addr) + uintptr(r.slide)
			return mobject.Open(r.mobj.Pid, addr, uintptr(s.size))
		}
	}
	return nil, errs.ErrNotFound
}
