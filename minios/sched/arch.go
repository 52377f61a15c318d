package sched

import "runtime"

// stackOrder gives each thread a 64 KiB stack reservation, charged to
// the page allocator.
const stackOrder = 4

// The architecture adapter. A thread's execution context is a goroutine
// parked on its gate channel; handing the CPU to a thread is a send on
// its gate, giving it up is a receive on one's own. Exactly one token
// circulates, so at most one thread executes at any time.

func (s *Sched) archCreateThread(name string, fn func(any), arg any, stack []byte) *Thread {
	t := &Thread{
		name: name,
		gate: make(chan struct{}, 1),
	}
	if stack == nil {
		t.stack = s.mem.AllocPages(stackOrder)
	} else {
		t.stack = stack
	}
	go func() {
		<-t.gate
		fn(arg)
		s.ExitThread()
	}()
	return t
}

// switchThreads transfers the CPU from prev to next. prev resumes when
// some later switch hands the token back.
func (s *Sched) switchThreads(prev, next *Thread) {
	if s.hook != nil {
		s.hook(prev.cookie, next.cookie)
	}
	next.gate <- struct{}{}
	<-prev.gate
}

// switchFinal transfers the CPU to next and terminates the calling
// thread's context. Does not return.
func (s *Sched) switchFinal(prev, next *Thread) {
	if s.hook != nil {
		s.hook(prev.cookie, next.cookie)
	}
	next.gate <- struct{}{}
	runtime.Goexit()
}
