// Package testutil provides small synchronization harnesses for this
// module's own tests, in the spirit of a marker/point trace harness: a
// way to assert that concurrent operations interleaved in a particular
// order instead of merely "eventually all happened". Not part of the
// runtime's public surface.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Sequencer records named marker points as goroutines reach them and lets
// a test block until a given point has been reached, then inspect the
// full arrival order.
type Sequencer struct {
	mu     sync.Mutex
	points []string
	gates  map[string]chan struct{}
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{gates: make(map[string]chan struct{})}
}

func (s *Sequencer) gate(point string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[point]
	if !ok {
		g = make(chan struct{})
		s.gates[point] = g
	}
	return g
}

// Mark records that the calling goroutine reached point, appending it to
// the arrival order and waking any blocked WaitFor callers. A point
// marked twice only appends once to the order; the gate was already
// closed by the first Mark.
func (s *Sequencer) Mark(point string) {
	s.mu.Lock()
	g, ok := s.gates[point]
	if !ok {
		g = make(chan struct{})
		s.gates[point] = g
	}
	alreadyClosed := false
	select {
	case <-g:
		alreadyClosed = true
	default:
	}
	if !alreadyClosed {
		s.points = append(s.points, point)
		close(g)
	}
	s.mu.Unlock()
}

// WaitFor blocks until point has been marked or timeout elapses.
func (s *Sequencer) WaitFor(point string, timeout time.Duration) error {
	select {
	case <-s.gate(point):
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("testutil: timed out waiting for marker %q", point)
	}
}

// Sequence returns a snapshot of every marker reached so far, in arrival
// order.
func (s *Sequencer) Sequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.points))
	copy(out, s.points)
	return out
}
