// Package mobject implements the async memory object described in
// spec §4.A: a read-only, bounds-checked window over a range of
// another process's address space.
//
// Per the redesign recorded in SPEC_FULL.md §0, "another process's
// address space" here means a ptrace-attached Linux task reached
// through process_vm_readv(2), not a Mach vm_read/vm_remap. The
// contract is unchanged: a successful Open establishes a view valid
// until Close, and Remap only ever returns a pointer (here, a byte
// slice) wholly contained within that view, with overflow rejected
// rather than trapped.
package mobject

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/blacktop/crashwatch/internal/errs"
	"golang.org/x/sys/unix"
)

// Object is a read-only view over [TaskAddress, TaskAddress+Length)
// in the target process Pid.
type Object struct {
	Pid         int
	TaskAddress uintptr
	Length      uintptr

	buf []byte // scratch buffer, sized once at Open; never reallocated
}

// Open validates that the requested range is mapped and readable in
// pid, then establishes a view over it. It performs the one-time
// mapping check by scanning /proc/<pid>/maps, mirroring the original's
// single vm_region call at init time rather than re-validating on
// every Remap.
func Open(pid int, taskAddress uintptr, length uintptr) (*Object, error) {
	if length == 0 {
		return nil, errs.ErrInvalidData
	}
	end := taskAddress + length
	if end < taskAddress {
		// overflow in the sum itself
		return nil, errs.ErrOutOfRange
	}

	readable, found, err := rangeReadable(pid, taskAddress, end)
	if err != nil {
		return nil, errs.ErrInternal
	}
	if !found {
		return nil, errs.ErrNotFound
	}
	if !readable {
		return nil, errs.ErrAccess
	}

	return &Object{
		Pid:         pid,
		TaskAddress: taskAddress,
		Length:      length,
		buf:         make([]byte, length),
	}, nil
}

// rangeReadable reports whether [start, end) is entirely covered by
// readable mappings in pid's /proc/<pid>/maps, and whether the range
// was found in the map at all (covered, even if unreadable).
func rangeReadable(pid int, start, end uintptr) (readable bool, found bool, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return false, false, err
	}
	defer f.Close()

	cursor := start
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		loAddr, hiAddr := uintptr(lo), uintptr(hi)
		if hiAddr <= cursor || loAddr >= end {
			continue
		}
		if loAddr > cursor {
			// gap before this mapping: the range isn't fully covered
			return false, false, nil
		}
		perm := fields[1]
		if len(perm) == 0 || perm[0] != 'r' {
			return false, true, nil
		}
		if hiAddr >= cursor {
			cursor = hiAddr
		}
		if cursor >= end {
			return true, true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, false, err
	}
	return false, false, nil
}

// Remap returns the bytes covering [taskAddress+offset, taskAddress+offset+length)
// read live from the target task, or errs.OutOfRange if that range is
// not wholly contained within the object, including on arithmetic
// overflow of the sum.
func (o *Object) Remap(taskAddress uintptr, offset uintptr, length uintptr) ([]byte, error) {
	if o == nil || length == 0 {
		return nil, errs.ErrOutOfRange
	}

	start, ok := addOverflow(taskAddress, offset)
	if !ok {
		return nil, errs.ErrOutOfRange
	}
	end, ok := addOverflow(start, length)
	if !ok {
		return nil, errs.ErrOutOfRange
	}
	if start < o.TaskAddress || end > o.TaskAddress+o.Length {
		return nil, errs.ErrOutOfRange
	}

	relStart := start - o.TaskAddress
	dst := o.buf[relStart : relStart+length]

	local := []unix.Iovec{{Base: &dst[0], Len: uint64(length)}}
	remote := []unix.RemoteIovec{{Base: start, Len: int(length)}}
	n, err := unix.ProcessVMReadv(o.Pid, local, remote, 0)
	if err != nil || n != int(length) {
		return nil, errs.ErrAccess
	}
	return dst, nil
}

func addOverflow(a, b uintptr) (uintptr, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	if uint64(sum) > math.MaxUint64 {
		return 0, false
	}
	return sum, true
}

// Close releases the object's scratch buffer. It never touches the
// target process.
func (o *Object) Close() {
	if o == nil {
		return
	}
	o.buf = nil
}
