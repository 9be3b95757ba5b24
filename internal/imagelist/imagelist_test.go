package imagelist

import "testing"

func TestFindByAddressAtMostOneImage(t *testing.T) {
	l := New()
	l.Append(&Image{Base: 0x1000, Length: 0x1000, Path: "a"})
	l.Append(&Image{Base: 0x5000, Length: 0x1000, Path: "b"})

	if got := l.FindByAddress(0x1500); got == nil || got.Path != "a" {
		t.Fatalf("expected image a, got %+v", got)
	}
	if got := l.FindByAddress(0x5500); got == nil || got.Path != "b" {
		t.Fatalf("expected image b, got %+v", got)
	}
	if got := l.FindByAddress(0x9000); got != nil {
		t.Fatalf("expected nil for address in no image, got %+v", got)
	}
}

func TestRemoveTombstonesNotUnlinks(t *testing.T) {
	l := New()
	l.Append(&Image{Base: 0x1000, Length: 0x1000, Path: "a"})
	l.Remove(0x1000)

	if got := l.FindByAddress(0x1500); got != nil {
		t.Fatalf("tombstoned image should be treated as absent, got %+v", got)
	}

	// Not unlinked yet: Reap without a live refcount should remove it.
	l.Reap()
	if got := l.head.Load(); got != nil {
		t.Fatalf("expected list to be empty after Reap, got node for %+v", got.img)
	}
}

func TestSnapshotPinsAgainstReap(t *testing.T) {
	l := New()
	l.Append(&Image{Base: 0x2000, Length: 0x1000, Path: "pinned"})

	snap := l.Acquire()
	l.Remove(0x2000)
	l.Reap() // should not reclaim; snapshot still holds a ref

	if got := l.head.Load(); got == nil {
		t.Fatal("Reap should not unlink a node pinned by an outstanding snapshot")
	}

	// The snapshot itself still treats the tombstoned image as absent.
	if img := snap.FindByAddress(0x2500); img != nil {
		t.Fatalf("snapshot should treat tombstoned node as absent, got %+v", img)
	}

	snap.Release()
	l.Reap()
	if got := l.head.Load(); got != nil {
		t.Fatal("expected reclamation once the snapshot released its reference")
	}
}

func TestAppendOrderAndSnapshotImages(t *testing.T) {
	l := New()
	l.Append(&Image{Base: 1, Length: 1, Path: "first"})
	l.Append(&Image{Base: 2, Length: 1, Path: "second"})

	snap := l.Acquire()
	defer snap.Release()

	imgs := snap.Images()
	if len(imgs) != 2 {
		t.Fatalf("expected 2 images, got %d", len(imgs))
	}
	if imgs[0].Path != "second" || imgs[1].Path != "first" {
		t.Fatalf("expected most-recently-appended first, got %+v", imgs)
	}
}
