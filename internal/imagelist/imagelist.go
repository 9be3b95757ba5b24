// Package imagelist implements the ordered set of loaded binary
// images described in spec §3/§4.B: append-only, tombstoned removal,
// concurrent-reader-safe per the read-biased discipline in spec §5.
package imagelist

import (
	"sync/atomic"
)

// Image represents one loaded binary, per spec §3. Once appended, Base
// and Is64 are immutable; Path is stable for the image's lifetime.
type Image struct {
	Base      uintptr
	Slide     uintptr
	Length    uintptr // 0 means "unbounded, consult section table"
	Path      string
	Is64      bool
	LittleEnd bool
}

// Contains reports whether addr falls within this image, when a
// known Length is set. Images with Length == 0 never match here, so
// FindByAddress never returns them.
func (img *Image) Contains(addr uintptr) bool {
	if img.Length == 0 {
		return false
	}
	return addr >= img.Base && addr < img.Base+img.Length
}

type node struct {
	img     *Image
	next    *node
	removed atomic.Bool
	refs    atomic.Int32
}

// List is a singly-linked, append-only list of Images with tombstoned
// removal, matching the discipline in spec §5: writers (Append/Remove)
// are expected to be serialized by the caller (the loader lock, in the
// original; a single goroutine doing /proc/maps polling here; see
// internal/signaldriver/loaderwatch.go). Readers may call FindByAddress
// or Snapshot concurrently with a writer without locking.
type List struct {
	head atomic.Pointer[node]
}

// New returns an empty image list.
func New() *List { return &List{} }

// Append publishes a new image at the head of the list via a single
// atomic store, per spec §5.
func (l *List) Append(img *Image) {
	n := &node{img: img}
	for {
		old := l.head.Load()
		n.next = old
		if l.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// Remove tombstones the node for the image based at base. It does not
// unlink; call Reap once no readers can still observe the node.
func (l *List) Remove(base uintptr) {
	for n := l.head.Load(); n != nil; n = n.next {
		if !n.removed.Load() && n.img.Base == base {
			n.removed.Store(true)
			return
		}
	}
}

// FindByAddress returns the image containing addr, or nil. Per spec
// §3, at most one image may contain any given address; tombstoned
// images are treated as absent.
func (l *List) FindByAddress(addr uintptr) *Image {
	for n := l.head.Load(); n != nil; n = n.next {
		if n.removed.Load() {
			continue
		}
		if n.img.Contains(addr) {
			return n.img
		}
	}
	return nil
}

// Snapshot is a pinned, stable view of the list at the moment it was
// acquired. Call Release when done so Reap can reclaim tombstoned
// nodes this snapshot was holding open.
type Snapshot struct {
	list  *List
	nodes []*node
}

// Acquire pins every node currently linked, tombstoned ones included,
// and returns a Snapshot over them; the Snapshot's lookups skip the
// tombstoned ones.
func (l *List) Acquire() *Snapshot {
	var nodes []*node
	for n := l.head.Load(); n != nil; n = n.next {
		n.refs.Add(1)
		nodes = append(nodes, n)
	}
	return &Snapshot{list: l, nodes: nodes}
}

// Images returns the images visible in this snapshot, in append order
// (most recently appended first), excluding any that were tombstoned
// after the snapshot was acquired but whose removal this snapshot
// should still honor: a reader always treats tombstoned nodes as
// absent, even ones it pinned before the tombstone was set.
func (s *Snapshot) Images() []*Image {
	out := make([]*Image, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.removed.Load() {
			continue
		}
		out = append(out, n.img)
	}
	return out
}

// FindByAddress searches within the pinned snapshot only.
func (s *Snapshot) FindByAddress(addr uintptr) *Image {
	for _, n := range s.nodes {
		if n.removed.Load() {
			continue
		}
		if n.img.Contains(addr) {
			return n.img
		}
	}
	return nil
}

// Release unpins the snapshot's nodes, making them eligible for Reap
// once every other snapshot referencing them has also released.
func (s *Snapshot) Release() {
	for _, n := range s.nodes {
		n.refs.Add(-1)
	}
	s.nodes = nil
}

// Reap unlinks tombstoned, unreferenced nodes from the head of the
// list. It must never be called from the analysis path — only between
// crashes, by the component that owns the list (spec §5, resolving the
// Open Question in spec §9 in favor of simple refcounting, since this
// port's reporter is single-consumer; see SPEC_FULL.md §4).
func (l *List) Reap() {
	var prev *node
	for n := l.head.Load(); n != nil; {
		next := n.next
		if n.removed.Load() && n.refs.Load() == 0 {
			if prev == nil {
				l.head.CompareAndSwap(n, next)
			} else {
				prev.next = next
			}
		} else {
			prev = n
		}
		n = next
	}
}
