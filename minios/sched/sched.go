// Package sched is a non-preemptive round-robin scheduler for a guest
// running on one virtual CPU. Threads run until they yield; suspension
// happens only inside Schedule and the operations built on it.
package sched

import (
	"fmt"
	"time"

	"minirump/hal"
)

// Hook is invoked immediately before each context switch with the
// cookies of the outgoing and incoming threads.
type Hook func(prev, next any)

// idleTimeout bounds how long the domain blocks when no thread has a
// nearer wakeup.
const idleTimeout = 10 * time.Second

type joinWaiter struct {
	thread     *Thread
	wanted     *Thread
	prev, next *joinWaiter
}

// Sched owns the run queue, the exited list, and the join wait-list.
// The run queue and the exited list are mutated only with the interrupt
// gate held; JoinThread links and unlinks join waiters with the gate
// released.
type Sched struct {
	clock  hal.Clock
	domain hal.Domain
	cons   hal.Console
	mem    hal.Memory

	irq irqGate

	runq   threadList
	exited threadList

	joinHead, joinTail *joinWaiter

	current *Thread
	idle    *Thread
	hook    Hook

	threadsStarted bool
}

// New creates a scheduler and adopts the calling goroutine as the
// "main" thread, runnable and on the run queue.
func New(clock hal.Clock, domain hal.Domain, cons hal.Console, mem hal.Memory) *Sched {
	s := &Sched{clock: clock, domain: domain, cons: cons, mem: mem}
	main := &Thread{name: "main", gate: make(chan struct{}, 1)}
	main.setRunnable()
	s.runq.pushBack(main)
	s.current = main
	return s
}

// InitSched creates the idle thread.
func (s *Sched) InitSched() {
	s.printk("Initialising scheduler\n")
	s.idle = s.CreateThread("Idle", nil, s.idleThreadFn, nil, nil)
}

// SetSchedHook installs the context-switch hook.
func (s *Sched) SetSchedHook(fn Hook) { s.hook = fn }

// InitMainLWP attaches the glue layer's identity cookie to the current
// thread and returns it.
func (s *Sched) InitMainLWP(cookie any) *Thread {
	s.current.cookie = cookie
	return s.current
}

// Current returns the executing thread.
func (s *Sched) Current() *Thread { return s.current }

// ThreadsStarted reports whether the idle thread has run.
func (s *Sched) ThreadsStarted() bool { return s.threadsStarted }

// CreateThread allocates a thread running fn(arg) and appends it to the
// run queue. A non-nil stack is caller-owned and will not be freed at
// reap time.
func (s *Sched) CreateThread(name string, cookie any, fn func(any), arg any, stack []byte) *Thread {
	t := s.archCreateThread(name, fn, arg, stack)
	t.flags = 0
	t.wakeupTime = 0
	t.lwp = nil
	t.cookie = cookie
	if stack != nil {
		t.flags |= FlagExtStack
	}
	t.setRunnable()
	flags := s.IRQSave()
	s.runq.pushBack(t)
	s.IRQRestore(flags)
	return t
}

// Schedule dispatches the next runnable thread. Expired sleeps are woken
// on the way; with nothing runnable the domain blocks until the nearest
// wakeup and pending events are forced. The chosen thread is rotated to
// the queue tail before the switch. Fatal when called from an event
// callback or with interrupts already masked.
func (s *Sched) Schedule() {
	prev := s.current
	flags := s.IRQSave()

	if s.domain.InCallback() {
		s.bug("Must not call schedule() from a callback")
	}
	if flags {
		s.bug("Must not call schedule() with IRQs disabled")
	}

	next := s.pickNext()
	s.IRQRestore(flags)

	if prev != next {
		s.current = next
		s.switchThreads(prev, next)
	}

	s.reapExited(prev)
}

// pickNext scans the run queue once per pass: expired sleeps are woken,
// the nearest future wakeup is tracked, and the first runnable thread
// is rotated to the tail and chosen. With nothing runnable the domain
// blocks until the nearest wakeup, pending events are forced, and the
// scan repeats. Requires the interrupt gate held; never returns nil.
func (s *Sched) pickNext() *Thread {
	for {
		now := s.clock.Monotonic()
		minWakeup := now + int64(idleTimeout)
		for t := s.runq.head; t != nil; {
			tnext := t.next
			if !t.runnable() && t.wakeupTime != 0 {
				if t.wakeupTime <= now {
					t.flags |= FlagTimedOut
					s.Wake(t)
				} else if t.wakeupTime < minWakeup {
					minWakeup = t.wakeupTime
				}
			}
			if t.runnable() {
				s.runq.remove(t)
				s.runq.pushBack(t)
				return t
			}
			t = tnext
		}
		// Block until the next timeout expires, or for the idle bound,
		// whichever comes first; then handle pending events.
		s.domain.Block(minWakeup)
		s.domain.ForceEventCallback()
	}
}

// reapExited frees every exited thread other than skip.
func (s *Sched) reapExited(skip *Thread) {
	flags := s.IRQSave()
	for t := s.exited.head; t != nil; {
		tnext := t.next
		if t != skip {
			s.exited.remove(t)
			if t.flags&FlagExtStack == 0 {
				s.mem.FreePages(t.stack)
			}
			t.stack = nil
		}
		t = tnext
	}
	s.IRQRestore(flags)
}

// Block makes t non-runnable with no timeout. It does not yield.
func (s *Sched) Block(t *Thread) {
	t.wakeupTime = 0
	t.clearRunnable()
}

// Wake makes t runnable and clears any timeout.
func (s *Sched) Wake(t *Thread) {
	t.wakeupTime = 0
	t.setRunnable()
}

func (s *Sched) dosleep(wakeup int64) bool {
	t := s.current
	t.wakeupTime = wakeup
	t.flags &^= FlagTimedOut
	t.clearRunnable()
	s.Schedule()

	timedout := t.flags&FlagTimedOut != 0
	t.flags &^= FlagTimedOut
	return timedout
}

// Msleep sleeps for at least ms milliseconds. The result is true iff
// the timer fired rather than an explicit wake.
func (s *Sched) Msleep(ms uint32) bool {
	return s.dosleep(s.clock.Monotonic() + int64(ms)*int64(time.Millisecond))
}

// AbsMsleep sleeps until ms milliseconds past the clock epoch.
func (s *Sched) AbsMsleep(ms uint32) bool {
	return s.dosleep(int64(ms) * int64(time.Millisecond))
}

// SleepUntil parks the current thread until the absolute monotonic time
// ns without touching the timed-out latch.
func (s *Sched) SleepUntil(ns int64) {
	t := s.current
	t.wakeupTime = ns
	t.clearRunnable()
	s.Schedule()
}

// ExitThread terminates the current thread. If the thread is joinable
// it first parks, JOINED latched, until a joiner clears MUSTJOIN. The
// descriptor moves to the exited list and is reaped by a later Schedule
// on another thread. Does not return.
func (s *Sched) ExitThread() {
	t := s.current

	// If joinable, gate until we are allowed to exit.
	flags := s.IRQSave()
	for t.flags&FlagMustJoin != 0 {
		t.flags |= FlagJoined
		s.IRQRestore(flags)

		// See if the joiner is already there.
		for w := s.joinHead; w != nil; w = w.next {
			if w.wanted == t {
				s.Wake(w.thread)
				break
			}
		}
		s.Block(t)
		s.Schedule()
		flags = s.IRQSave()
	}

	s.runq.remove(t)
	t.clearRunnable()
	s.exited.pushHead(t)
	s.IRQRestore(flags)

	s.scheduleFinal()
}

// scheduleFinal runs the dispatch loop for an exiting thread: the CPU is
// handed to the next runnable thread and this context terminates, so a
// returning schedule cannot reappear here.
func (s *Sched) scheduleFinal() {
	prev := s.current
	flags := s.IRQSave()
	next := s.pickNext()
	s.IRQRestore(flags)

	s.current = next
	s.switchFinal(prev, next)
}

// JoinThread waits for a joinable thread to reach exit, then releases
// it. At most one joiner per target is supported.
func (s *Sched) JoinThread(joinable *Thread) {
	t := s.current

	flags := s.IRQSave()
	if joinable.flags&FlagMustJoin == 0 {
		s.bug("join of a non-joinable thread")
	}
	// Wait for the exiting thread to hit ExitThread.
	for joinable.flags&FlagJoined == 0 {
		s.IRQRestore(flags)

		w := joinWaiter{thread: t, wanted: joinable}
		s.joinEnqueue(&w)
		s.Block(t)
		s.Schedule()
		s.joinDequeue(&w)

		flags = s.IRQSave()
	}

	// Signal the exiting thread that we have seen it and it may exit.
	joinable.flags &^= FlagMustJoin
	s.IRQRestore(flags)

	s.Wake(joinable)
}

func (s *Sched) joinEnqueue(w *joinWaiter) {
	w.prev = s.joinTail
	w.next = nil
	if s.joinTail != nil {
		s.joinTail.next = w
	} else {
		s.joinHead = w
	}
	s.joinTail = w
}

func (s *Sched) joinDequeue(w *joinWaiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		s.joinHead = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		s.joinTail = w.prev
	}
	w.prev = nil
	w.next = nil
}

func (s *Sched) idleThreadFn(any) {
	s.threadsStarted = true
	for {
		s.Block(s.current)
		s.Schedule()
	}
}

// PrintRunqueue dumps the run queue to the console.
func (s *Sched) PrintRunqueue() {
	for t := s.runq.head; t != nil; t = t.next {
		s.printk("   Thread %q, runnable=%v\n", t.name, t.runnable())
	}
	s.printk("\n")
}

func (s *Sched) printk(format string, args ...any) {
	fmt.Fprintf(consoleWriter{s.cons}, format, args...)
}

func (s *Sched) bug(msg string) {
	s.printk("%s\n", msg)
	s.domain.Crash(msg)
}

type consoleWriter struct{ c hal.Console }

func (w consoleWriter) Write(p []byte) (int, error) { return w.c.Write(p) }
