package hyper

import "minirump/minios/sched"

// Scheduler-integrated synchronization for hypercall-layer threads.
// These never touch the Go runtime's blocking primitives: a waiter
// parks in the cooperative scheduler, so the single virtual CPU keeps
// running other threads.

// Mutex is a spin-type mutex: acquisition never drops the guest
// kernel's CPU context, so it is safe around brief critical sections
// whether or not the caller holds kernel locks.
type Mutex struct {
	s       *sched.Sched
	locked  bool
	waiters []*sched.Thread
}

// NewSpinMutex returns an unlocked spin mutex.
func NewSpinMutex(s *sched.Sched) *Mutex {
	return &Mutex{s: s}
}

// Enter acquires the mutex. Spin type: equivalent to EnterNowrap.
func (m *Mutex) Enter() { m.EnterNowrap() }

// EnterNowrap acquires the mutex without the kernel-lock dance.
func (m *Mutex) EnterNowrap() {
	flags := m.s.IRQSave()
	for m.locked {
		t := m.s.Current()
		m.waiters = append(m.waiters, t)
		m.s.Block(t)
		m.s.IRQRestore(flags)
		m.s.Schedule()
		flags = m.s.IRQSave()
		m.dropWaiter(t)
	}
	m.locked = true
	m.s.IRQRestore(flags)
}

// Exit releases the mutex and wakes the oldest waiter, if any.
func (m *Mutex) Exit() {
	flags := m.s.IRQSave()
	if !m.locked {
		m.s.IRQRestore(flags)
		return
	}
	m.locked = false
	if len(m.waiters) > 0 {
		m.s.Wake(m.waiters[0])
		m.waiters = m.waiters[1:]
	}
	m.s.IRQRestore(flags)
}

func (m *Mutex) dropWaiter(t *sched.Thread) {
	for i, w := range m.waiters {
		if w == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// CV is a condition variable whose waiters park in the scheduler.
// Signalling wakes in FIFO order and must happen with the associated
// mutex held.
type CV struct {
	s       *sched.Sched
	hyp     *Hyperup
	waiters []*sched.Thread
}

// NewCV returns an empty condition variable. hyp supplies the
// kernel-lock dance for the wrapping Wait variant.
func NewCV(s *sched.Sched, hyp *Hyperup) *CV {
	return &CV{s: s, hyp: hyp}
}

// Wait blocks on the condition with m held, dropping kernel locks for
// the duration. m is released while waiting and reacquired before
// return.
func (cv *CV) Wait(m *Mutex) {
	nlocks := cv.hyp.BackendUnschedule()
	cv.WaitNowrap(m)
	cv.hyp.BackendSchedule(nlocks)
}

// WaitNowrap blocks on the condition without the kernel-lock dance,
// for callers that hold no kernel locks.
func (cv *CV) WaitNowrap(m *Mutex) {
	t := cv.s.Current()
	flags := cv.s.IRQSave()
	cv.waiters = append(cv.waiters, t)
	cv.s.Block(t)
	cv.s.IRQRestore(flags)

	m.Exit()
	cv.s.Schedule()
	m.EnterNowrap()
}

// Signal wakes the oldest waiter, if any. Edge triggered: a signal with
// no waiter is lost.
func (cv *CV) Signal() {
	flags := cv.s.IRQSave()
	if len(cv.waiters) > 0 {
		cv.s.Wake(cv.waiters[0])
		cv.waiters = cv.waiters[1:]
	}
	cv.s.IRQRestore(flags)
}
