package frame

import (
	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/mobject"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// FramePointerReader walks the linked list of saved frame pointers,
// per spec §4.E.1.
type FramePointerReader struct {
	// Open maps a window of the target task's memory for one read.
	// Plugged in by the caller (normally backed by mobject.Open) so
	// this reader never owns a live process handle itself.
	Open func(addr uintptr, length uintptr) (*mobject.Object, error)

	lastFP uintptr
	hasFP  bool
}

// NewFramePointerReader binds reader to pid's address space.
func NewFramePointerReader(pid int) *FramePointerReader {
	return &FramePointerReader{
		Open: func(addr, length uintptr) (*mobject.Object, error) {
			return mobject.Open(pid, addr, length)
		},
	}
}

func (r *FramePointerReader) Advance(s *regstate.State, images *imagelist.Snapshot) (*regstate.State, error) {
	ptrSize := pointerSize(s.Arch)
	fp, err := s.Get(fpReg(s.Arch))
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	sp, err := s.Get(spReg(s.Arch))
	if err != nil {
		return nil, errs.ErrBadFrame
	}

	fpAddr := uintptr(fp)

	if fp == 0 {
		return nil, errs.ErrEOF
	}
	if fp < sp {
		return nil, errs.ErrBadFrame
	}
	if r.hasFP && fpAddr <= r.lastFP {
		// frame pointer failed to increase toward the caller: a loop, not progress
		return nil, errs.ErrBadFrame
	}

	mobj, err := r.Open(fpAddr, 2*ptrSize)
	if err != nil {
		return nil, errs.ErrBadFrame
	}
	defer mobj.Close()

	buf, err := mobj.Remap(fpAddr, 0, 2*ptrSize)
	if err != nil {
		return nil, errs.ErrBadFrame
	}

	savedFP := readUintN(buf[0:ptrSize], s.Arch)
	savedRA := readUintN(buf[ptrSize:2*ptrSize], s.Arch)

	out := s.Clone()
	out.ClearVolatile()
	out.Set(fpReg(s.Arch), savedFP)
	out.Set(spReg(s.Arch), fp+uint64(2*ptrSize))
	out.Set(ipReg(s.Arch), savedRA)

	r.hasFP = true
	r.lastFP = fpAddr

	return out, nil
}

func readUintN(b []byte, arch regstate.Arch) uint64 {
	if arch == regstate.AMD64 {
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v
	}
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return uint64(v)
}
