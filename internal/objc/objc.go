// Package objc implements the per-image Objective-C class/method
// parser from spec §4.G: a generalization of PLCrashAsyncObjCSection.c
// that tries the legacy ObjC1 module layout first, falls back to the
// ObjC2 class-list layout, and remembers which one worked per image so
// later lookups skip the failed attempt.
package objc

import (
	"bytes"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/machofmt"
	"github.com/blacktop/crashwatch/internal/mobject"
)

// MethodCallback receives one parsed method, per spec §4.G.
type MethodCallback func(isClassMethod bool, className, methodName string, imp uint64)

// Parser walks one target process's loaded images looking for
// Objective-C class/method metadata.
type Parser struct {
	Pid   int
	Cache *Cache

	objc2Only map[uintptr]bool // per-image flag: ObjC2 already confirmed, skip ObjC1
}

// NewParser returns a parser backed by the given cache (nil disables
// caching but not correctness).
func NewParser(pid int, cache *Cache) *Parser {
	return &Parser{Pid: pid, Cache: cache, objc2Only: map[uintptr]bool{}}
}

// ParseImage invokes cb for every class and instance/class method
// found in img, per spec §4.G: ObjC1 first unless this image was
// already confirmed ObjC2-only, then ObjC2.
func (p *Parser) ParseImage(img *imagelist.Image, cb MethodCallback) error {
	reader, err := p.openReader(img)
	if err != nil {
		return err
	}

	if !p.objc2Only[img.Base] {
		err := p.parseObjC1(reader, cb)
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.NotFound) {
			return err
		}
	}

	err = p.parseObjC2(reader, cb)
	if err == nil {
		p.objc2Only[img.Base] = true
		return nil
	}
	return err
}

func (p *Parser) openReader(img *imagelist.Image) (*machofmt.Reader, error) {
	mobj, err := mobject.Open(p.Pid, img.Base, 4096)
	if err != nil {
		return nil, err
	}
	return machofmt.NewReader(mobj, img.Base, uint64(img.Slide))
}

// readAt is a small convenience wrapper used throughout this package
// to pull length bytes from an arbitrary live address.
func (p *Parser) readAt(addr uintptr, length uintptr) ([]byte, error) {
	mobj, err := mobject.Open(p.Pid, addr, length)
	if err != nil {
		return nil, err
	}
	defer mobj.Close()
	return mobj.Remap(addr, 0, length)
}

func cstrAt(p *Parser, addr uint64) string {
	if addr == 0 {
		return ""
	}
	const probe = 256
	buf, err := p.readAt(uintptr(addr), probe)
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
