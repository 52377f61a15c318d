package sched

// Flags are the thread state bits.
type Flags uint32

const (
	// FlagRunnable marks a thread eligible for dispatch.
	FlagRunnable Flags = 1 << iota
	// FlagMustJoin gates thread exit until a joiner has synchronized.
	FlagMustJoin
	// FlagJoined is latched by the exiting thread once it is parked
	// waiting for its joiner.
	FlagJoined
	// FlagExtStack marks a caller-owned stack that reaping must not free.
	FlagExtStack
	// FlagTimedOut is latched by the scheduler when a sleep expires via
	// the timer rather than an explicit wake.
	FlagTimedOut
)

// Thread is one cooperative thread of execution.
//
// A descriptor lives on the run queue from creation until exit, then on
// the exited list until reaped. List membership changes with the
// interrupt gate held; flag and wakeup-time updates (Block, Wake, the
// sleep paths) do not take the gate themselves and are also made with
// it released.
type Thread struct {
	name  string
	stack []byte

	flags      Flags
	wakeupTime int64 // absolute ns; 0 means no timeout
	errno      int

	// cookie is the scheduler-hook identity, set at creation.
	cookie any
	// lwp is owned by the glue layer.
	lwp any

	// gate is the architecture adapter's CPU handoff channel.
	gate chan struct{}

	prev, next *Thread
}

func (t *Thread) Name() string { return t.name }

func (t *Thread) runnable() bool { return t.flags&FlagRunnable != 0 }
func (t *Thread) setRunnable()   { t.flags |= FlagRunnable }
func (t *Thread) clearRunnable() { t.flags &^= FlagRunnable }

// Flags returns the current state bits.
func (t *Thread) Flags() Flags { return t.flags }

// MarkMustJoin makes the thread joinable: its exit will gate on a
// JoinThread call. Must be set before the thread can reach exit.
func (t *Thread) MarkMustJoin() { t.flags |= FlagMustJoin }

// SetLWP and LWP access the glue layer's lightweight-process slot.
func (t *Thread) SetLWP(lwp any) { t.lwp = lwp }
func (t *Thread) LWP() any       { return t.lwp }

// SetErrno and Errno access the thread-local error slot.
func (t *Thread) SetErrno(v int) { t.errno = v }
func (t *Thread) Errno() int     { return t.errno }

// Cookie returns the scheduler-hook identity.
func (t *Thread) Cookie() any { return t.cookie }

// threadList is an intrusive doubly linked thread list. A thread is on
// at most one list at a time (run queue xor exited list).
type threadList struct {
	head, tail *Thread
}

func (l *threadList) pushBack(t *Thread) {
	t.prev = l.tail
	t.next = nil
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *threadList) pushHead(t *Thread) {
	t.next = l.head
	t.prev = nil
	if l.head != nil {
		l.head.prev = t
	} else {
		l.tail = t
	}
	l.head = t
}

func (l *threadList) remove(t *Thread) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.prev = nil
	t.next = nil
}
