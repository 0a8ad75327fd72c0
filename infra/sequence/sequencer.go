// Package sequence stamps outbound events with a monotonic sequence number.
package sequence

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out strictly increasing numbers. It is safe for
// concurrent use.
type Sequencer struct {
	last atomic.Uint64
}

// New returns a sequencer whose first number is start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// FromClock seeds the sequencer with the wall clock in nanoseconds, so a
// restarted publisher keeps numbering above what it emitted before.
func FromClock(now func() time.Time) *Sequencer {
	return New(uint64(now().UnixNano()))
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}
