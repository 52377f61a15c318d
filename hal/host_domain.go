//go:build !tinygo

package hal

import (
	"fmt"
	"sync"
	"time"
)

// HostDomain models the hypervisor side of a single-vCPU guest: a park
// primitive with a deadline and an event channel whose callbacks are
// delivered synchronously on the vCPU.
//
// Inject may be called from any OS thread; everything else is called
// only from the vCPU (the goroutine currently holding the scheduler's
// CPU token).
type HostDomain struct {
	clock Clock

	mu      sync.Mutex
	pending []func()
	notify  chan struct{}

	inCallback bool
}

func NewHostDomain(clock Clock) *HostDomain {
	return &HostDomain{clock: clock, notify: make(chan struct{}, 1)}
}

// Inject queues fn for delivery as an event callback and kicks the vCPU
// out of Block if it is parked.
func (d *HostDomain) Inject(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *HostDomain) Block(until int64) {
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	if n > 0 {
		return
	}
	delta := until - d.clock.Monotonic()
	if delta <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(delta))
	defer timer.Stop()
	select {
	case <-d.notify:
	case <-timer.C:
	}
}

func (d *HostDomain) ForceEventCallback() {
	if d.inCallback {
		return
	}
	for {
		d.mu.Lock()
		fns := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		d.inCallback = true
		for _, fn := range fns {
			fn()
		}
		d.inCallback = false
	}
}

func (d *HostDomain) InCallback() bool { return d.inCallback }

func (d *HostDomain) Crash(msg string) {
	panic("domain crash: " + msg)
}

func (d *HostDomain) Halt(code int) {
	panic(fmt.Sprintf("domain halted, code %d", code))
}
