// Package hyper is the hypercall layer backing a rump-style guest
// kernel: the glue surface (console, parameters, clocks, allocation,
// block descriptors) and the block I/O bridge between synchronous
// submissions and the asynchronous block front.
package hyper

import (
	"fmt"
	"sync"

	"minirump/hal"
	"minirump/minios/blkfront"
	"minirump/minios/sched"
)

// Version is the hypercall ABI version this layer implements. Init
// refuses any other.
const Version = 17

// Hyperup is the guest kernel's upcall table, registered at Init.
type Hyperup struct {
	// Schedule and Unschedule acquire and release the guest kernel's
	// CPU context.
	Schedule   func()
	Unschedule func()

	// BackendUnschedule drops every kernel lock the caller holds and
	// returns the count; BackendSchedule reacquires that count. The
	// pair brackets every call that may suspend outside the kernel.
	BackendUnschedule func() int
	BackendSchedule   func(nlocks int)

	// LwprocNewLWP creates a fresh lightweight process bound to the
	// calling thread.
	LwprocNewLWP func(pid int) int
}

// Hyper holds the hypercall layer's state. One instance serves one
// guest domain.
type Hyper struct {
	s      *sched.Sched
	clock  hal.Clock
	cons   hal.Console
	mem    hal.Memory
	domain hal.Domain
	front  *blkfront.Front

	hyp Hyperup

	bioMtx          *Mutex
	bioCV           *CV
	bioOutstanding  int
	bioPollerSpawn  sync.Once
	blkdevs         [NBlkDev]*blkfront.Device
	blkinfos        [NBlkDev]blkfront.Info
	blkopen         [NBlkDev]int
	blkOutstanding  [NBlkDev]int
}

// New wires the hypercall layer to the scheduler, the HAL, and the
// block front.
func New(s *sched.Sched, clock hal.Clock, cons hal.Console, mem hal.Memory, domain hal.Domain, front *blkfront.Front) *Hyper {
	return &Hyper{s: s, clock: clock, cons: cons, mem: mem, domain: domain, front: front}
}

// Init validates the requested hypercall version and stores the upcall
// table. Returns 0 on success and 1 on a version mismatch; callers
// treat nonzero as failure. Exactly one successful call is expected.
func (h *Hyper) Init(version int, hyp *Hyperup) int {
	if version != Version {
		h.Dprintf("Unsupported hypercall versions requested, %d vs %d\n", version, Version)
		return 1
	}

	h.hyp = *hyp

	h.bioMtx = NewSpinMutex(h.s)
	h.bioCV = NewCV(h.s, &h.hyp)

	return 0
}

// Putchar emits one console character.
func (h *Hyper) Putchar(c byte) {
	h.cons.Putc(c)
}

// Dprintf formats through a borrowed page and writes to the console.
// Output is silently dropped when no page is available.
func (h *Hyper) Dprintf(format string, args ...any) {
	buf := h.mem.AllocPage()
	if buf == nil {
		return
	}
	n := copy(buf, fmt.Sprintf(format, args...))
	h.cons.Write(buf[:n])
	h.mem.FreePage(buf)
}

// Recognized parameter names.
const (
	ParamNCPU     = "_RUMPUSER_NCPU"
	ParamHostname = "_RUMPUSER_HOSTNAME"
)

var envtab = []struct {
	name, value string
}{
	{ParamNCPU, "1"},
	{ParamHostname, "rump4xen"},
	{"RUMP_VERBOSE", "1"},
	{"RUMP_MEMLIMIT", "8m"},
}

// Getparam copies the value of a configuration parameter, NUL
// terminated, into buf. ENOENT for unknown names, E2BIG when buf cannot
// hold value and terminator.
func (h *Hyper) Getparam(name string, buf []byte) Errno {
	for _, e := range envtab {
		if e.name != name {
			continue
		}
		if len(buf) < len(e.value)+1 {
			return E2BIG
		}
		n := copy(buf, e.value)
		buf[n] = 0
		return 0
	}
	return ENOENT
}

// ClockGettime reads the monotonic clock, split into seconds and
// nanoseconds. The same values serve both absolute and relative use.
func (h *Hyper) ClockGettime() (sec int64, nsec int64) {
	now := h.clock.Monotonic()
	return now / 1e9, now % 1e9
}

// ClockType selects ClockSleep semantics.
type ClockType int

const (
	// ClockRelWall sleeps for a relative duration.
	ClockRelWall ClockType = iota
	// ClockAbsMono sleeps until an absolute monotonic time.
	ClockAbsMono
)

// ClockSleep suspends the calling thread. Kernel locks are dropped for
// the duration and reacquired before return.
func (h *Hyper) ClockSleep(which ClockType, sec int64, nsec int64) Errno {
	nlocks := h.hyp.BackendUnschedule()
	switch which {
	case ClockRelWall:
		msec := sec*1000 + nsec/1e6
		h.s.Msleep(uint32(msec))
	case ClockAbsMono:
		h.s.SleepUntil(sec*1e9 + nsec)
	}
	h.hyp.BackendSchedule(nlocks)

	return 0
}

// Malloc allocates size bytes with the given alignment. Page-sized
// requests go to the page allocator directly, which avoids general
// allocator overhead for the most common allocation; anything else goes
// through the general allocator.
func (h *Hyper) Malloc(size, align uintptr) ([]byte, Errno) {
	var p []byte
	if size == hal.PageSize {
		if align > hal.PageSize {
			h.domain.Crash("page-sized allocation with over-page alignment")
		}
		p = h.mem.AllocPage()
	} else {
		p = h.mem.Memalloc(size, align)
	}
	if p == nil {
		return nil, ENOMEM
	}
	return p, 0
}

// Free releases a Malloc allocation; the size selects the matching
// allocator path.
func (h *Hyper) Free(p []byte, size uintptr) {
	if size == hal.PageSize {
		h.mem.FreePage(p)
	} else {
		h.mem.Memfree(p)
	}
}

// Getrandom fills buf. Not very random.
func (h *Hyper) Getrandom(buf []byte) int {
	for i := range buf {
		buf[i] = byte(h.clock.Monotonic())
	}
	return len(buf)
}

// Exit halts the domain.
func (h *Hyper) Exit(code int) {
	h.domain.Halt(code)
}

// SetErrno stores a POSIX-style last-error value in the current
// thread's error slot.
func (h *Hyper) SetErrno(err Errno) {
	h.s.Current().SetErrno(int(err))
}
