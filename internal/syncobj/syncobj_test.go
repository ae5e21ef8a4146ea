package syncobj

import (
	"strings"
	"sync"
	"testing"
	"time"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/testutil"
)

func newTestSyncobj(order Order) *Syncobj {
	return New("test", order, nil, nil)
}

// TestFIFOOrder matches property 5: in a FIFO syncobj, post wake-up order
// equals pend arrival order.
func TestFIFOOrder(t *testing.T) {
	s := newTestSyncobj(FIFO)
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			if err := s.Pend(0, -1); err != nil {
				t.Errorf("pend %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		for s.PendCount() <= i {
			time.Sleep(time.Millisecond)
		}
	}

	for i := 0; i < 5; i++ {
		if !s.Post() {
			t.Fatalf("expected a waiter at post %d", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO wake order, got %v", order)
		}
	}
}

// TestPriorityOrder matches property 6: post wakes the highest-priority
// pender; equal priorities wake FIFO.
func TestPriorityOrder(t *testing.T) {
	s := newTestSyncobj(Priority)
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	priorities := []int{1, 5, 5, 3}
	for i, p := range priorities {
		wg.Add(1)
		i, p := i, p
		go func() {
			defer wg.Done()
			if err := s.Pend(p, -1); err != nil {
				t.Errorf("pend: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		for s.PendCount() <= i {
			time.Sleep(time.Millisecond)
		}
	}

	for i := 0; i < len(priorities); i++ {
		if !s.Post() {
			t.Fatalf("expected a waiter at post %d", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	// Expected wake order: index 1 (prio5, first), index 2 (prio5, second),
	// index 3 (prio3), index 0 (prio1).
	want := []int{1, 2, 3, 0}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestPendTimeout(t *testing.T) {
	s := newTestSyncobj(FIFO)
	start := time.Now()
	err := s.Pend(0, 30*time.Millisecond)
	if !copperrors.Is(err, copperrors.TimedOut) {
		t.Fatalf("expected TimedOut, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("returned too early")
	}
	if s.PendCount() != 0 {
		t.Fatalf("expected pend_count 0 after timeout, got %d", s.PendCount())
	}
}

func TestPendZeroPolls(t *testing.T) {
	s := newTestSyncobj(FIFO)
	err := s.Pend(0, 0)
	if !copperrors.Is(err, copperrors.WouldBlock) {
		t.Fatalf("expected WouldBlock, got %v", err)
	}
}

// TestFlushInterrupted matches seed scenario S4: pend(100ms) is
// interrupted by a concurrent flush well before the deadline, and
// pend_count drops to 0 immediately.
func TestFlushInterrupted(t *testing.T) {
	s := newTestSyncobj(FIFO)
	seq := testutil.NewSequencer()
	result := make(chan error, 1)
	go func() {
		seq.Mark("pending")
		result <- s.Pend(0, 100*time.Millisecond)
		seq.Mark("returned")
	}()
	if err := seq.WaitFor("pending", time.Second); err != nil {
		t.Fatal(err)
	}
	for s.PendCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	n := s.Flush(copperrors.Interrupted, "flushed")
	if n != 1 {
		t.Fatalf("expected flush to release 1 waiter, got %d", n)
	}
	if err := seq.WaitFor("returned", 90*time.Millisecond); err != nil {
		t.Fatal("pend did not return promptly after flush")
	}

	select {
	case err := <-result:
		if !copperrors.Is(err, copperrors.Interrupted) {
			t.Fatalf("expected Interrupted, got %v", err)
		}
	default:
		t.Fatal("expected a result once returned was marked")
	}
	if time.Since(start) >= 90*time.Millisecond {
		t.Fatal("pend took too long to return after flush")
	}
	if s.PendCount() != 0 {
		t.Fatalf("expected pend_count 0 after flush, got %d", s.PendCount())
	}
	if seq.Sequence()[0] != "pending" {
		t.Fatalf("expected pending to be marked before returned, got %v", seq.Sequence())
	}
}

// TestDeletionSafety matches property 7: destroy with k pending threads
// returns only after exactly k threads have returned Deleted.
func TestDeletionSafety(t *testing.T) {
	s := newTestSyncobj(FIFO)
	const k = 4
	returned := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() { returned <- s.Pend(0, -1) }()
	}
	for s.PendCount() < k {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		if err := s.Destroy(); err != nil {
			t.Errorf("destroy: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy did not return")
	}

	for i := 0; i < k; i++ {
		select {
		case err := <-returned:
			if !copperrors.Is(err, copperrors.Deleted) {
				t.Fatalf("expected Deleted, got %v", err)
			}
		default:
			t.Fatal("expected all k waiters to have returned by the time destroy completed")
		}
	}
	if s.ReleaseCount() != 0 {
		t.Fatalf("expected release_count 0, got %d", s.ReleaseCount())
	}
}

func TestDrainSignalAndBroadcast(t *testing.T) {
	s := newTestSyncobj(FIFO)
	r1 := make(chan error, 1)
	r2 := make(chan error, 1)
	go func() { r1 <- s.WaitDrain(-1) }()
	for s.DrainCount() < 1 {
		time.Sleep(time.Millisecond)
	}
	go func() { r2 <- s.WaitDrain(-1) }()
	for s.DrainCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	if !s.SignalDrain() {
		t.Fatal("expected a drainer to be signaled")
	}
	select {
	case err := <-r1:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("signal drain did not wake a waiter")
	}
	if s.DrainCount() != 1 {
		t.Fatalf("expected 1 remaining drainer, got %d", s.DrainCount())
	}

	if woken := s.BroadcastDrain(); woken != 1 {
		t.Fatalf("expected broadcast to wake 1, got %d", woken)
	}
	select {
	case err := <-r2:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast drain did not wake the remaining waiter")
	}
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	s := newTestSyncobj(Priority)
	go func() { s.Pend(1, -1) }()
	for s.PendCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	snap := s.Snapshot()
	if !strings.Contains(snap, "name=test") || !strings.Contains(snap, "order=PRIO") || !strings.Contains(snap, "pend=1") {
		t.Fatalf("snapshot missing expected fields: %q", snap)
	}
	s.Flush(copperrors.Deleted, "cleanup")
}
