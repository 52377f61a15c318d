package sched

import (
	"io"
	"testing"
	"time"

	"minirump/hal"
)

type testEnv struct {
	clock  hal.Clock
	domain *hal.HostDomain
	mem    *hal.HostMemory
	s      *Sched
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := hal.NewHostClock()
	domain := hal.NewHostDomain(clock)
	mem := hal.NewHostMemory(0)
	s := New(clock, domain, hal.NewHostConsole(io.Discard), mem)
	s.InitSched()
	return &testEnv{clock: clock, domain: domain, mem: mem, s: s}
}

// park blocks the current thread forever.
func park(s *Sched) {
	for {
		s.Block(s.Current())
		s.Schedule()
	}
}

func TestPingPong(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	var picks []string
	s.SetSchedHook(func(prev, next any) {
		if name, ok := next.(string); ok {
			picks = append(picks, name)
		}
	})

	var doneA, doneB bool
	yield100 := func(done *bool) func(any) {
		return func(any) {
			for i := 0; i < 100; i++ {
				s.Schedule()
			}
			*done = true
			park(s)
		}
	}
	s.CreateThread("A", "A", yield100(&doneA), nil, nil)
	s.CreateThread("B", "B", yield100(&doneB), nil, nil)

	for !(doneA && doneB) {
		s.Schedule()
	}

	var filtered []string
	for _, p := range picks {
		if p == "A" || p == "B" {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) < 200 {
		t.Fatalf("expected at least 200 A/B selections, got %d", len(filtered))
	}
	counts := map[string]int{}
	for i, p := range filtered[:200] {
		counts[p]++
		if i > 0 && filtered[i-1] == p {
			t.Fatalf("selection %d: %s picked twice in a row", i, p)
		}
	}
	if counts["A"] != 100 || counts["B"] != 100 {
		t.Fatalf("expected 100 selections each, got A=%d B=%d", counts["A"], counts["B"])
	}
}

func TestMsleepTimesOut(t *testing.T) {
	e := newTestEnv(t)

	start := e.clock.Monotonic()
	timedout := e.s.Msleep(50)
	elapsed := e.clock.Monotonic() - start

	if !timedout {
		t.Fatal("expected timer-driven wakeup")
	}
	if elapsed < 50*int64(time.Millisecond) {
		t.Fatalf("woke after %dns, expected >= 50ms", elapsed)
	}
}

func TestMsleepZeroYields(t *testing.T) {
	e := newTestEnv(t)
	ran := false
	e.s.CreateThread("witness", nil, func(any) {
		ran = true
		park(e.s)
	}, nil, nil)

	// Rotate this thread off the queue head so the yield is observable.
	e.s.Schedule()

	if !e.s.Msleep(0) {
		t.Fatal("expected TIMEDOUT from msleep(0)")
	}
	if !ran {
		t.Fatal("msleep(0) did not yield to other runnables")
	}
}

func TestAbsMsleep(t *testing.T) {
	e := newTestEnv(t)

	target := e.clock.Monotonic()/int64(time.Millisecond) + 20
	timedout := e.s.AbsMsleep(uint32(target))
	if !timedout {
		t.Fatal("expected timer-driven wakeup")
	}
	if now := e.clock.Monotonic(); now < target*int64(time.Millisecond) {
		t.Fatalf("woke %dns before the absolute deadline", target*int64(time.Millisecond)-now)
	}
}

func TestWakePreemptsTimer(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	var sleeper *Thread
	var timedout = true
	var elapsed int64
	done := false

	sleeper = s.CreateThread("sleeper", nil, func(any) {
		start := e.clock.Monotonic()
		timedout = s.Msleep(1000)
		elapsed = e.clock.Monotonic() - start
		done = true
		park(s)
	}, nil, nil)

	s.CreateThread("waker", nil, func(any) {
		s.Msleep(10)
		s.Wake(sleeper)
		park(s)
	}, nil, nil)

	for !done {
		s.Schedule()
	}
	if timedout {
		t.Fatal("expected explicit wake, got timer")
	}
	if elapsed >= 1000*int64(time.Millisecond) {
		t.Fatalf("wake took %dns, timer must not have fired", elapsed)
	}
}

func TestBlockWakeLaws(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	th := s.CreateThread("subject", nil, func(any) { park(s) }, nil, nil)
	s.Schedule()

	flags := s.IRQSave()
	s.Block(th)
	th.wakeupTime = 7 // pretend a sleep was pending
	s.Wake(th)
	if !th.runnable() || th.wakeupTime != 0 {
		t.Fatalf("block+wake: runnable=%v wakeup=%d, expected runnable with no timeout", th.runnable(), th.wakeupTime)
	}

	before := th.flags
	s.Wake(th)
	if th.flags != before || th.wakeupTime != 0 {
		t.Fatal("wake is not idempotent")
	}
	s.IRQRestore(flags)
}

func TestJoinReapsDescriptor(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	base := e.mem.InUse()
	th := s.CreateThread("joinable", nil, func(any) {}, nil, nil)
	th.MarkMustJoin()
	if e.mem.InUse() <= base {
		t.Fatal("expected stack allocation to be charged")
	}

	// Let the thread run to its exit gate.
	for i := 0; i < 4; i++ {
		s.Schedule()
	}
	if th.flags&FlagJoined == 0 {
		t.Fatal("thread did not latch JOINED at exit")
	}

	s.JoinThread(th)
	if th.flags&FlagMustJoin != 0 {
		t.Fatal("join did not clear MUSTJOIN")
	}

	// The released thread needs a pick to finish exiting, and a later
	// schedule on this thread reaps it.
	for i := 0; i < 4; i++ {
		s.Schedule()
	}
	if e.mem.InUse() != base {
		t.Fatalf("stack not reaped: in use %d, expected %d", e.mem.InUse(), base)
	}
}

func TestExternalStackNotFreed(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	stack := make([]byte, 64*1024)
	base := e.mem.InUse()
	th := s.CreateThread("ext", nil, func(any) {}, nil, stack)
	if th.flags&FlagExtStack == 0 {
		t.Fatal("expected EXTSTACK for caller-owned stack")
	}
	if e.mem.InUse() != base {
		t.Fatal("caller-owned stack must not be charged to the allocator")
	}

	for i := 0; i < 4; i++ {
		s.Schedule()
	}
	if e.mem.InUse() != base {
		t.Fatal("reap touched a caller-owned stack")
	}
}

func TestRoundRobinWindow(t *testing.T) {
	e := newTestEnv(t)
	s := e.s

	var picks []string
	s.SetSchedHook(func(prev, next any) {
		if name, ok := next.(string); ok {
			picks = append(picks, name)
		}
	})

	names := []string{"w0", "w1", "w2"}
	remaining := len(names)
	for _, name := range names {
		s.CreateThread(name, name, func(any) {
			for i := 0; i < 50; i++ {
				s.Schedule()
			}
			remaining--
			park(s)
		}, nil, nil)
	}
	for remaining > 0 {
		s.Schedule()
	}

	var filtered []string
	for _, p := range picks {
		for _, name := range names {
			if p == name {
				filtered = append(filtered, p)
			}
		}
	}
	// With K continuously runnable workers, any window of K consecutive
	// selections contains each of them.
	k := len(names)
	for i := 0; i+k <= 150; i++ {
		window := map[string]bool{}
		for _, p := range filtered[i : i+k] {
			window[p] = true
		}
		if len(window) != k {
			t.Fatalf("window at %d missing a worker: %v", i, filtered[i:i+k])
		}
	}
}

func TestScheduleWithIRQsMaskedIsFatal(t *testing.T) {
	e := newTestEnv(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a domain crash")
		}
	}()
	e.s.IRQSave()
	e.s.Schedule()
}

func TestScheduleFromCallbackIsFatal(t *testing.T) {
	e := newTestEnv(t)

	crashed := make(chan any, 1)
	e.domain.Inject(func() {
		defer func() { crashed <- recover() }()
		e.s.Schedule()
	})
	e.domain.ForceEventCallback()
	if <-crashed == nil {
		t.Fatal("expected a domain crash from in-callback schedule")
	}
}

func TestThreadsStartedLatch(t *testing.T) {
	e := newTestEnv(t)
	if e.s.ThreadsStarted() {
		t.Fatal("idle thread has not run yet")
	}
	// The first pick re-selects this thread (queue head); the rotation
	// puts idle at the head for the next one.
	for i := 0; i < 2 && !e.s.ThreadsStarted(); i++ {
		e.s.Schedule()
	}
	if !e.s.ThreadsStarted() {
		t.Fatal("idle thread did not set the started latch")
	}
}
