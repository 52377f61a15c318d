package hyper

import "minirump/minios/sched"

// Thread glue: the hypercall layer's thread surface over the scheduler.

// ThreadCreate starts a guest thread. A joinable thread must be
// released with ThreadJoin before its descriptor can be reaped.
func (h *Hyper) ThreadCreate(fn func(any), arg any, name string, joinable bool) *sched.Thread {
	t := h.s.CreateThread(name, nil, fn, arg, nil)
	if joinable {
		t.MarkMustJoin()
	}
	return t
}

// ThreadJoin waits for a joinable thread to exit, dropping kernel locks
// for the duration.
func (h *Hyper) ThreadJoin(t *sched.Thread) Errno {
	nlocks := h.hyp.BackendUnschedule()
	h.s.JoinThread(t)
	h.hyp.BackendSchedule(nlocks)
	return 0
}

// ThreadExit terminates the calling thread. Does not return.
func (h *Hyper) ThreadExit() {
	h.s.ExitThread()
}

// CurLWP returns the lightweight process bound to the current thread.
func (h *Hyper) CurLWP() any {
	return h.s.Current().LWP()
}

// SetLWP binds a lightweight process to the current thread.
func (h *Hyper) SetLWP(lwp any) {
	h.s.Current().SetLWP(lwp)
}
