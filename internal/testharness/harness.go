// Package testharness implements the synthetic-stack unwind-testing
// surface named in SPEC_FULL.md §12, the Go analog of
// unwind_test_harness.c: rather than a compiled assembly trampoline
// building a known call chain, a Case hand-assembles the raw bytes of
// a fake stack directly into live process memory and hands the
// resulting address to a reader chain, without a real crashing
// program. The walk runs against an empty image list, so
// FramePointerReader can be driven this way, while CompactUnwindReader
// and DWARFCFIReader, which look up the IP's image, report
// errs.NotFound on every step.
package testharness

import (
	"os"
	"testing"
	"unsafe"

	"github.com/blacktop/crashwatch/internal/cursor"
	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/frame"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// Case is one synthetic unwind scenario.
type Case struct {
	Name string

	// Frames holds the raw stack bytes for the scenario (saved
	// FP/return-address pairs, CFI-relevant padding, and so on). It is
	// pinned in memory for the duration of the test and never moved,
	// so pointers into it remain valid across the whole walk.
	Frames []byte

	// Init builds the starting register state given the address Frames
	// was pinned at, and must set at least SP/FP/IP for s.Arch.
	Init func(base uintptr) *regstate.State

	// Readers builds the reader chain for this case, given the address
	// Frames was pinned at (so a reader's Open closures can be scoped
	// to it if needed) and the current process's pid.
	Readers func(pid int, base uintptr) []frame.Reader

	// ExpectSP computes the stack pointer the walk must terminate at
	// ("the stack bottom" in spec terms — the SP of the last frame
	// yielded before termination), given the address Frames was pinned
	// at. Every address in a synthetic stack is necessarily relative to
	// that runtime address, so this is a function rather than a literal.
	ExpectSP func(base uintptr) uint64

	// ExpectIP computes the return-address/PC the walk must terminate
	// at. Nil to skip the check.
	ExpectIP func(base uintptr) uint64

	// CalleeSaved maps a logical register number to the value it must
	// hold at termination, for registers the scenario promises survive
	// the walk unmodified.
	CalleeSaved map[int]uint64
}

// RunUnwindTests drives every case through a cursor.Cursor and asserts
// termination at the promised SP/IP with the promised callee-saved
// registers intact, the same three properties unwind_test_harness.c
// checks.
func RunUnwindTests(t *testing.T, cases []Case) {
	t.Helper()
	for _, c := range cases {
		c := c
		t.Run(c.Name, func(t *testing.T) {
			runOne(t, c)
		})
	}
}

func runOne(t *testing.T, c Case) {
	t.Helper()

	if len(c.Frames) == 0 {
		t.Fatal("case has no Frames")
	}
	base := uintptr(unsafe.Pointer(&c.Frames[0]))

	initial := c.Init(base)
	readers := c.Readers(ospid(), base)

	images := imagelist.New().Acquire()
	cur := cursor.New(initial, images, readers)

	var lastGood *regstate.State
	var lastErr error
	for i := 0; i < cursor.MaxDepth; i++ {
		if err := cur.Next(); err != nil {
			lastErr = err
			break
		}
		lastGood = cur.Current()
		if cur.Terminated() {
			break
		}
	}

	if lastGood == nil {
		t.Fatalf("walk produced no frames (last error: %v)", lastErr)
	}

	spReg := spRegister(lastGood.Arch)
	sp, err := lastGood.Get(spReg)
	if err != nil {
		t.Fatalf("final frame has no SP: %v", err)
	}
	if wantSP := c.ExpectSP(base); sp != wantSP {
		t.Fatalf("final SP = %#x, want %#x", sp, wantSP)
	}

	if c.ExpectIP != nil {
		ipReg := ipRegister(lastGood.Arch)
		wantIP := c.ExpectIP(base)
		ip, err := lastGood.Get(ipReg)
		if err != nil || ip != wantIP {
			t.Fatalf("final IP = %#x (err %v), want %#x", ip, err, wantIP)
		}
	}

	for reg, want := range c.CalleeSaved {
		got, err := lastGood.Get(reg)
		if err != nil {
			t.Fatalf("callee-saved register %d missing at termination", reg)
		}
		if got != want {
			t.Fatalf("callee-saved register %d = %#x, want %#x", reg, got, want)
		}
	}

	if lastErr != nil && !errs.Is(lastErr, errs.EOF) {
		t.Logf("walk terminated with %v after reaching expected final frame", lastErr)
	}
}

func spRegister(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RSP
	case regstate.X86:
		return regstate.X86_ESP
	default:
		return regstate.ARM_SP
	}
}

func ospid() int { return os.Getpid() }

func ipRegister(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RIP
	case regstate.X86:
		return regstate.X86_EIP
	default:
		return regstate.ARM_PC
	}
}
