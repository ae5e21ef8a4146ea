package thread

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/testutil"
)

func newTestThread(t *testing.T, name string) *Thread {
	t.Helper()
	return New(Attr{Name: name, Priority: 10})
}

func TestLifecycleWaitsForStart(t *testing.T) {
	th := newTestThread(t, "life")
	ran := make(chan struct{}, 1)
	go th.Run(func(*Thread) { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("entry ran before Start")
	case <-time.After(20 * time.Millisecond):
	}

	th.Start()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("entry never ran after Start")
	}
	th.Join()
	if th.State() != StateZombie {
		t.Fatalf("expected StateZombie after join, got %v", th.State())
	}
}

func TestAbortSkipsEntry(t *testing.T) {
	th := newTestThread(t, "abort")
	entryRan := false
	go th.Run(func(*Thread) { entryRan = true })
	th.Abort()
	th.Join()
	if entryRan {
		t.Fatal("entry should not run after Abort")
	}
}

func TestRegistryTracksLiveThreads(t *testing.T) {
	th := newTestThread(t, "reg")
	go th.Run(func(tt *Thread) {
		for !tt.Cancelled() {
			time.Sleep(time.Millisecond)
		}
	})
	th.Start()

	var found bool
	for i := 0; i < 100; i++ {
		if _, ok := Lookup(th.ID()); ok {
			found = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !found {
		t.Fatal("thread not registered while running")
	}

	th.Cancel()
	if _, ok := Lookup(th.ID()); ok {
		t.Fatal("thread still registered after cancel/finalize")
	}
}

func TestCancelSynchronousJoin(t *testing.T) {
	var finalized int32
	th2 := New(Attr{Name: "cancel2", Priority: 10, Finalizer: func(*Thread) {
		atomic.StoreInt32(&finalized, 1)
	}})

	go th2.Run(func(tt *Thread) {
		for !tt.Cancelled() {
			time.Sleep(time.Millisecond)
		}
	})
	th2.Start()
	time.Sleep(10 * time.Millisecond)

	th2.Cancel()
	if atomic.LoadInt32(&finalized) != 1 {
		t.Fatal("expected finalizer to have run by the time Cancel returns")
	}
}

func TestCancellationPointUnwinds(t *testing.T) {
	th := newTestThread(t, "unwind")
	reachedAfter := false
	go th.Run(func(tt *Thread) {
		tt.CancellationPoint()
		reachedAfter = true
	})
	th.requestCancel()
	th.Start()
	th.Join()
	if reachedAfter {
		t.Fatal("code after CancellationPoint should not run once cancellation is requested")
	}
}

func TestSuspendResume(t *testing.T) {
	th := newTestThread(t, "suspend")
	seq := testutil.NewSequencer()
	go th.Run(func(tt *Thread) {
		seq.Mark("suspending")
		tt.Suspend()
		seq.Mark("resumed")
	})
	th.Start()

	if err := seq.WaitFor("suspending", time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := seq.WaitFor("resumed", 10*time.Millisecond); err == nil {
		t.Fatal("resumed before Resume was called")
	}

	th.Resume()
	if err := seq.WaitFor("resumed", time.Second); err != nil {
		t.Fatal("suspend never released")
	}

	want := []string{"suspending", "resumed"}
	got := seq.Sequence()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected marker order: %v", got)
	}
}

func TestSchedLockDefersPriorityChange(t *testing.T) {
	th := newTestThread(t, "schedlock")
	th.LockSched()
	th.SetPriority(50)
	if th.Priority() != lockPriority {
		t.Fatalf("priority change should be deferred while locked, got %d", th.Priority())
	}
	th.UnlockSched()
	if th.Priority() != 50 {
		t.Fatalf("expected deferred priority 50 after unlock, got %d", th.Priority())
	}
}

func TestSchedLockNested(t *testing.T) {
	th := newTestThread(t, "nested")
	th.LockSched()
	th.LockSched()
	th.UnlockSched()
	if th.Priority() != lockPriority {
		t.Fatal("priority should stay boosted until the outermost unlock")
	}
	th.UnlockSched()
	if th.Priority() != 10 {
		t.Fatalf("expected original priority 10 after final unlock, got %d", th.Priority())
	}
}

func TestWaitPeriodNoOverrun(t *testing.T) {
	th := newTestThread(t, "periodic")
	th.SetPeriodic(time.Time{}, 10*time.Millisecond)
	overruns, err := th.WaitPeriod()
	if err != nil || overruns != 0 {
		t.Fatalf("expected on-time wakeup, got overruns=%d err=%v", overruns, err)
	}
}

func TestWaitPeriodHonorsExplicitFirstDeadline(t *testing.T) {
	th := newTestThread(t, "idate")
	start := time.Now()
	th.SetPeriodic(start.Add(30*time.Millisecond), 10*time.Millisecond)

	overruns, err := th.WaitPeriod()
	if err != nil || overruns != 0 {
		t.Fatalf("expected on-time wakeup at idate, got overruns=%d err=%v", overruns, err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected WaitPeriod to block until idate, returned after %v", elapsed)
	}
}

func TestWaitPeriodReportsOverruns(t *testing.T) {
	th := newTestThread(t, "overrun")
	// An idate well in the past means the first WaitPeriod call is
	// already due for more than one period by the time it runs.
	th.SetPeriodic(time.Now().Add(-25*time.Millisecond), 10*time.Millisecond)

	overruns, err := th.WaitPeriod()
	if !copperrors.Is(err, copperrors.TimedOut) {
		t.Fatalf("expected TimedOut, got %v", err)
	}
	if overruns < 2 {
		t.Fatalf("expected at least 2 missed periods, got %d", overruns)
	}
}

func TestWaitPeriodWithoutSetPeriodicFails(t *testing.T) {
	th := newTestThread(t, "unarmed")
	if _, err := th.WaitPeriod(); !copperrors.Is(err, copperrors.NotPermitted) {
		t.Fatalf("expected NotPermitted, got %v", err)
	}
}

func TestRoundRobinYieldDoesNotPanic(t *testing.T) {
	th := newTestThread(t, "rr")
	th.SetRoundRobin(true, 5*time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		th.Yield()
	}()
	wg.Wait()
}
