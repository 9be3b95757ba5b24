package objc

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/machofmt"
	"github.com/blacktop/crashwatch/internal/mobject"
)

// buildMachO64 assembles a minimal little-endian 64-bit Mach-O header
// with a single LC_SEGMENT_64 carrying one section, enough to drive
// MapSection's lookup in these tests.
func buildMachO64(segName, sectName string, sectAddr, sectSize uint64) []byte {
	const lcSegment64 = 0x19
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, uint32(0xfeedfacf))
	binary.Write(&buf, binary.LittleEndian, uint32(0x0100000c))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(2))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	segCmdSize := uint32(72 + 80)
	binary.Write(&buf, binary.LittleEndian, segCmdSize)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	var name [16]byte
	copy(name[:], segName)
	binary.Write(&buf, binary.LittleEndian, uint32(lcSegment64))
	binary.Write(&buf, binary.LittleEndian, segCmdSize)
	buf.Write(name[:])
	binary.Write(&buf, binary.LittleEndian, uint64(sectAddr))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	binary.Write(&buf, binary.LittleEndian, uint32(7))
	binary.Write(&buf, binary.LittleEndian, uint32(7))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	var sName [16]byte
	copy(sName[:], sectName)
	buf.Write(sName[:])
	buf.Write(name[:])
	binary.Write(&buf, binary.LittleEndian, sectAddr)
	binary.Write(&buf, binary.LittleEndian, sectSize)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	return buf.Bytes()
}

func addrOf(b []byte) uint64 { return uint64(uintptr(unsafe.Pointer(&b[0]))) }

// buildObjC2Image assembles a live, self-process ObjC2
// class/class_rw/class_ro/method-list chain byte for byte per the
// layout parseObjC2Class and readClassRO expect: one real class with
// one instance method and an unrealized (skipped) metaclass.
func buildObjC2Image(t *testing.T) (headerAddr uintptr, header *[4096]byte) {
	t.Helper()

	className := append([]byte("MyClass"), 0)
	methodName := append([]byte("doThing"), 0)

	methodList := make([]byte, 8+24)
	binary.LittleEndian.PutUint32(methodList[0:4], 24)
	binary.LittleEndian.PutUint32(methodList[4:8], 1)
	binary.LittleEndian.PutUint64(methodList[8:16], addrOf(methodName))
	binary.LittleEndian.PutUint64(methodList[16:24], 0)
	binary.LittleEndian.PutUint64(methodList[24:32], 0xdeadbeef)

	classRO := make([]byte, 72)
	binary.LittleEndian.PutUint64(classRO[24:32], addrOf(className))
	binary.LittleEndian.PutUint64(classRO[32:40], addrOf(methodList))

	classRW := make([]byte, 16)
	binary.LittleEndian.PutUint32(classRW[0:4], rwRealized)
	binary.LittleEndian.PutUint64(classRW[8:16], addrOf(classRO))

	// unrealized metaclass: readClassRO bails with NotFound, which
	// parseObjC2Class swallows as "nothing to report".
	metaRW := make([]byte, 16)

	metaClass := make([]byte, 40)
	binary.LittleEndian.PutUint64(metaClass[32:40], addrOf(metaRW))

	class := make([]byte, 40)
	binary.LittleEndian.PutUint64(class[0:8], addrOf(metaClass))
	binary.LittleEndian.PutUint64(class[32:40], addrOf(classRW))

	classList := make([]byte, 8)
	binary.LittleEndian.PutUint64(classList, addrOf(class))

	raw := buildMachO64("__DATA", "__objc_classlist", addrOf(classList), uint64(len(classList)))
	header = &[4096]byte{}
	copy(header[:], raw)
	return uintptr(unsafe.Pointer(&header[0])), header
}

// TestParseObjC2WalksClassAndMethod confirms the callback fires with
// the expected name, method, and IMP from a synthetic live image.
func TestParseObjC2WalksClassAndMethod(t *testing.T) {
	headerAddr, header := buildObjC2Image(t)

	mobj, err := mobject.Open(os.Getpid(), headerAddr, uintptr(len(header)))
	if err != nil {
		t.Fatalf("mobject.Open: %v", err)
	}
	defer mobj.Close()

	reader, err := machofmt.NewReader(mobj, headerAddr, 0)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	p := NewParser(os.Getpid(), NewCache(DefaultCacheCapacity))

	var gotClass, gotMethod string
	var gotIMP uint64
	var gotIsClass bool
	calls := 0
	err = p.parseObjC2(reader, func(isClassMethod bool, cls, meth string, imp uint64) {
		calls++
		gotIsClass, gotClass, gotMethod, gotIMP = isClassMethod, cls, meth, imp
	})
	if err != nil {
		t.Fatalf("parseObjC2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 method callback, got %d", calls)
	}
	if gotIsClass {
		t.Fatal("expected an instance method, got a class method")
	}
	if gotClass != "MyClass" {
		t.Fatalf("class name = %q, want MyClass", gotClass)
	}
	if gotMethod != "doThing" {
		t.Fatalf("method name = %q, want doThing", gotMethod)
	}
	if gotIMP != 0xdeadbeef {
		t.Fatalf("imp = %#x, want 0xdeadbeef", gotIMP)
	}
}

// TestFindMethodTwoPass drives FindMethod through ParseImage end to
// end against the same synthetic image, picking the IMP at or below
// the target address.
func TestFindMethodTwoPass(t *testing.T) {
	headerAddr, header := buildObjC2Image(t)
	_ = header

	img := &imagelist.Image{Base: headerAddr, Slide: 0, Length: uintptr(len(header)), Is64: true, LittleEnd: true}
	p := NewParser(os.Getpid(), NewCache(DefaultCacheCapacity))

	match, found, err := p.FindMethod(img, 0xdeadbeef)
	if err != nil {
		t.Fatalf("FindMethod: %v", err)
	}
	if !found {
		t.Fatal("expected a match at target 0xdeadbeef")
	}
	if match.ClassName != "MyClass" || match.MethodName != "doThing" || match.IMP != 0xdeadbeef {
		t.Fatalf("match = %+v, want MyClass/doThing/0xdeadbeef", match)
	}

	if _, found, err := p.FindMethod(img, 0xdeadbeef-1); err != nil {
		t.Fatalf("FindMethod below target: %v", err)
	} else if found {
		t.Fatal("expected no match for a target below the only IMP")
	}
}

func TestParseObjC1MissingSectionReturnsNotFound(t *testing.T) {
	header := buildMachO64("__TEXT", "__text", 0x4000, 0x200)
	var local [512]byte
	copy(local[:], header)
	headerAddr := uintptr(unsafe.Pointer(&local[0]))

	mobj, err := mobject.Open(os.Getpid(), headerAddr, uintptr(len(local)))
	if err != nil {
		t.Fatalf("mobject.Open: %v", err)
	}
	defer mobj.Close()

	reader, err := machofmt.NewReader(mobj, headerAddr, 0)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	p := NewParser(os.Getpid(), nil)
	err = p.parseObjC1(reader, func(bool, string, string, uint64) {})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("parseObjC1 with no __module_info section: got %v, want NotFound", err)
	}
}

func TestCacheFirstWriterWins(t *testing.T) {
	c := NewCache(4)
	a := classRO{name: "A", baseMethods: 1}
	b := classRO{name: "B", baseMethods: 2}

	c.Insert(0, a)
	c.Insert(4, b) // (4>>2)%4 == 1, different slot than 0
	c.Insert(8, classRO{name: "C"}) // (8>>2)%4 == 2, distinct slot again

	got, ok := c.Lookup(0)
	if !ok || got != a {
		t.Fatalf("Lookup(0) = %+v, %v; want %+v, true", got, ok, a)
	}

	// same slot as key 0 ((16>>2)%4==0): insert must be a no-op.
	c.Insert(16, classRO{name: "evicted"})
	got, ok = c.Lookup(0)
	if !ok || got != a {
		t.Fatalf("first-writer-wins violated: got %+v, %v", got, ok)
	}
	if _, ok := c.Lookup(16); ok {
		t.Fatal("key 16 collided with key 0's slot and must not be independently cached")
	}
}

func TestFindMethodBestIMPSelection(t *testing.T) {
	p := &Parser{Pid: os.Getpid(), Cache: NewCache(4), objc2Only: map[uintptr]bool{}}
	_ = p
	// Driving FindMethod end to end needs a real image (see the
	// ParseImage test above), so this checks its first-pass selection
	// rule, betterIMP, on its own against a target IP of 0x2000.
	var best uint64
	have := false
	feed := func(imp uint64) {
		if betterIMP(imp, best, have, 0x2000) {
			best = imp
			have = true
		}
	}
	feed(0x1000)
	feed(0x1800)
	feed(0x3000) // past target, ignored
	if !have || best != 0x1800 {
		t.Fatalf("best = %#x, have=%v; want 0x1800, true", best, have)
	}
}
