// Package cursor implements the stack-walking state machine from
// spec §4.F: Init -> First-Frame -> Stepping -> Terminated, chaining
// the frame readers from internal/frame in order and accepting the
// first reader that doesn't report errs.NotFound.
package cursor

import (
	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/frame"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/regstate"
)

type state int

const (
	stateInit state = iota
	stateFirstFrame
	stateStepping
	stateTerminated
)

// MaxDepth bounds a single unwind, per spec §4.F.
const MaxDepth = 512

// Cursor walks the call stack of one thread's register snapshot,
// per spec §4.F.
type Cursor struct {
	state   state
	current *regstate.State
	lastSP  uintptr
	depth   int
	images  *imagelist.Snapshot
	readers []frame.Reader
}

// New starts a cursor at initial. readers is the chain Next consults,
// in order; there is no built-in default chain, so with a nil or empty
// readers every step after frame 0 ends the walk with errs.NotFound.
func New(initial *regstate.State, images *imagelist.Snapshot, readers []frame.Reader) *Cursor {
	return &Cursor{
		state:   stateInit,
		current: initial,
		images:  images,
		readers: readers,
	}
}

// Current returns the register state of the frame the cursor is
// presently positioned at. Valid after a successful Next.
func (c *Cursor) Current() *regstate.State { return c.current }

// Terminated reports whether the walk has ended (successfully at the
// stack bottom, or by error/loop/depth-limit).
func (c *Cursor) Terminated() bool { return c.state == stateTerminated }

// Next advances one frame using the cursor's configured reader chain.
func (c *Cursor) Next() error {
	return c.NextWithReaders(c.readers)
}

// NextWithReaders advances one frame using an explicit reader chain
// for this step only, per spec §4.F ("used by the test harness").
func (c *Cursor) NextWithReaders(readers []frame.Reader) error {
	if c.state == stateTerminated {
		return errs.ErrEOF
	}

	if c.state == stateInit {
		// The incoming register state is already frame 0; yield it
		// without consulting any reader.
		c.state = stateFirstFrame
		if sp, err := c.currentSP(); err == nil {
			c.lastSP = sp
		}
		return nil
	}

	c.state = stateStepping
	c.depth++
	if c.depth > MaxDepth {
		c.state = stateTerminated
		return errs.ErrBadFrame
	}

	var lastErr error = errs.ErrNotFound
	for _, r := range readers {
		next, err := r.Advance(c.current, c.images)
		if err == nil {
			sp, spErr := spOf(next)
			if spErr == nil {
				if sp <= c.lastSP {
					c.state = stateTerminated
					return errs.ErrBadFrame
				}
				c.lastSP = sp
			}
			c.current = next
			return nil
		}
		if errs.Is(err, errs.NotFound) {
			lastErr = err
			continue
		}
		// EOF or an abort error (BadFrame/InvalidData): terminate.
		c.state = stateTerminated
		return err
	}
	c.state = stateTerminated
	return lastErr
}

func (c *Cursor) currentSP() (uintptr, error) {
	return spOf(c.current)
}

func spOf(s *regstate.State) (uintptr, error) {
	var regnum int
	switch s.Arch {
	case regstate.AMD64:
		regnum = regstate.AMD64_RSP
	case regstate.X86:
		regnum = regstate.X86_ESP
	default:
		regnum = regstate.ARM_SP
	}
	v, err := s.Get(regnum)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}
