package signaldriver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/crashwatch/internal/config"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/regstate"
)

func TestEnableOpensOutputAndClose(t *testing.T) {
	out := filepath.Join(t.TempDir(), "crash.log")
	d, err := Enable(config.Config{OutputPath: out})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output file not created: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestIPRegForPerArch(t *testing.T) {
	cases := []struct {
		arch regstate.Arch
		want int
	}{
		{regstate.AMD64, regstate.AMD64_RIP},
		{regstate.X86, regstate.X86_EIP},
		{regstate.ARM, regstate.ARM_PC},
	}
	for _, c := range cases {
		if got := ipRegFor(c.arch); got != c.want {
			t.Fatalf("ipRegFor(%v) = %d, want %d", c.arch, got, c.want)
		}
	}
}

func TestRegistersOfReportsPC(t *testing.T) {
	s := regstate.New(regstate.AMD64)
	s.Set(regstate.AMD64_RIP, 0xcafe)

	regs := registersOf(s)
	if len(regs) != 1 || regs[0].Name != "pc" || regs[0].Value != 0xcafe {
		t.Fatalf("registersOf = %+v, want one pc=0xcafe entry", regs)
	}
}

func TestImagesOfReflectsSnapshot(t *testing.T) {
	l := imagelist.New()
	l.Append(&imagelist.Image{Base: 0x1000, Length: 0x2000, Path: "/bin/a"})
	snap := l.Acquire()
	defer snap.Release()

	imgs := imagesOf(snap)
	if len(imgs) != 1 || imgs[0].Base != 0x1000 || imgs[0].Size != 0x2000 || imgs[0].Path != "/bin/a" {
		t.Fatalf("imagesOf = %+v", imgs)
	}
}

func TestCStringStopsAtNUL(t *testing.T) {
	b := []byte{'a', 'b', 'c', 0, 'd'}
	if got := cString(b); got != "abc" {
		t.Fatalf("cString = %q, want %q", got, "abc")
	}
}

func TestHostVersionNonEmpty(t *testing.T) {
	if v := hostVersion(); v == "" {
		t.Fatal("hostVersion returned empty string")
	}
}
