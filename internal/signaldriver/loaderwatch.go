package signaldriver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/mobject"
)

// machoMagic64 and machoMagic64BE are the 64-bit Mach-O magic number as
// read little-endian from a little-endian and a big-endian image (32-bit
// Mach-O magics are not recognized), used to recognize which file-backed mappings in /proc/<pid>/maps are worth
// tracking as images. This is the Linux-host analog of the dyld
// image-add/remove upcalls named in SPEC_FULL.md §12: there is no
// loader callback to hook, only the kernel's view of the address
// space, so a mapping is discovered by polling and confirmed by
// reading its first four bytes.
const (
	machoMagic64   = 0xfeedfacf
	machoMagic64BE = 0xcffaedfe
)

// LoaderWatch polls pid's memory map on an interval, appending newly
// observed Mach-O-shaped mappings to images and removing ones that
// have disappeared, until ctx is done.
func LoaderWatch(ctx context.Context, pid int, images *imagelist.List, interval time.Duration) error {
	known := map[uintptr]bool{}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	if err := pollMaps(pid, images, known); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := pollMaps(pid, images, known); err != nil {
				return err
			}
		}
	}
}

func pollMaps(pid int, images *imagelist.List, known map[uintptr]bool) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return errors.Wrap(err, "opening process memory map")
	}
	defer f.Close()

	seen := map[uintptr]bool{}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		base, length, path, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		seen[base] = true
		if known[base] {
			continue
		}
		if !looksLikeMachO(pid, base) {
			continue
		}
		images.Append(&imagelist.Image{
			Base:      base,
			Length:    length,
			Path:      path,
			Is64:      true,
			LittleEnd: true,
		})
		known[base] = true
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "scanning process memory map")
	}

	for base := range known {
		if !seen[base] {
			images.Remove(base)
			delete(known, base)
		}
	}
	return nil
}

// parseMapsLine extracts one mapping's address range and backing file
// path from one /proc/<pid>/maps line, e.g.:
//
//	00400000-00452000 r-xp 00000000 08:02 1234  /path/to/binary
//
// length covers only this mapping, typically the image's first
// (executable) segment rather than its full span across every
// mapping the loader made for the same file — enough for FindByAddress
// to recognize addresses landing in code, which is what unwinding
// needs.
func parseMapsLine(line string) (base uintptr, length uintptr, path string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return 0, 0, "", false
	}
	path = fields[5]
	if !strings.HasPrefix(path, "/") {
		return 0, 0, "", false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return 0, 0, "", false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return 0, 0, "", false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil || end <= start {
		return 0, 0, "", false
	}
	return uintptr(start), uintptr(end - start), path, true
}

func looksLikeMachO(pid int, base uintptr) bool {
	obj, err := mobject.Open(pid, base, 4)
	if err != nil {
		return false
	}
	defer obj.Close()

	data, err := obj.Remap(base, 0, 4)
	if err != nil {
		return false
	}
	magic := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return magic == machoMagic64 || magic == machoMagic64BE
}
