// Package notifier implements the single-kernel suspend/resume
// primitive (component H): a level-triggered signal/wait/release
// handshake used when the host lacks a real dual-kernel monitor.
//
// The original relies on a real-time signal to interrupt the owner
// thread asynchronously, whose handler then blocks the thread on a pipe
// read until a release byte arrives. Go cannot inject control flow into
// an arbitrary goroutine, so Signal here triggers the registered handler
// in a new goroutine rather than truly preempting the owner — callers
// that need the owner itself suspended must have it call Wait
// cooperatively from within (or soon after) that handler, exactly as
// the original's handler calls wait(n) on delivery.
package notifier

import (
	"sync"

	copperrors "github.com/coppercore/copperplate/internal/errors"
)

// Handler is invoked (in a new goroutine) whenever Signal is called.
type Handler func(n *Notifier)

// Notifier implements signal/wait/release/destroy for one owner.
type Notifier struct {
	mu        sync.Mutex
	ownerPID  int32
	handler   Handler
	sigCh     chan struct{}
	relCh     chan struct{}
	stopCh    chan struct{}
	destroyed bool
}

// Init creates a notifier for ownerPID, invoking handler whenever Signal
// is called.
func Init(ownerPID int32, handler Handler) *Notifier {
	return &Notifier{
		ownerPID: ownerPID,
		handler:  handler,
		sigCh:    make(chan struct{}, 1),
		relCh:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Signal delivers a suspend request: one pending signal is recorded
// (subsequent signals before it is consumed are coalesced, matching the
// level-triggered contract), and handler is invoked to let the owner
// notice and block itself via Wait.
func (n *Notifier) Signal() {
	select {
	case n.sigCh <- struct{}{}:
	default:
	}
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h != nil {
		go h(n)
	}
}

// Wait consumes one pending signal and then blocks until Release is
// called or the notifier is destroyed.
func (n *Notifier) Wait() error {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return copperrors.New("notifier.wait", copperrors.Deleted, "notifier destroyed")
	}
	stop := n.stopCh
	n.mu.Unlock()

	select {
	case <-n.sigCh:
	case <-stop:
		return copperrors.New("notifier.wait", copperrors.Deleted, "notifier destroyed")
	}

	select {
	case <-n.relCh:
		return nil
	case <-stop:
		return copperrors.New("notifier.wait", copperrors.Deleted, "notifier destroyed")
	}
}

// Release wakes a thread blocked in Wait's release stage. A release with
// no pending waiter is remembered (one outstanding release suffices),
// matching writing a single byte to the pipe.
func (n *Notifier) Release() {
	select {
	case n.relCh <- struct{}{}:
	default:
	}
}

// Destroy unblocks any thread currently in Wait with Deleted. The
// Notifier must not be used afterward.
func (n *Notifier) Destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	close(n.stopCh)
	n.mu.Unlock()
}

// OwnerPID reports the process this notifier was created for.
func (n *Notifier) OwnerPID() int32 { return n.ownerPID }
