//go:build !tinygo

package hal

import "time"

type hostClock struct {
	base time.Time
}

// NewHostClock returns a monotonic nanosecond clock with its epoch at
// the call.
func NewHostClock() Clock {
	return &hostClock{base: time.Now()}
}

func (c *hostClock) Monotonic() int64 {
	return time.Since(c.base).Nanoseconds()
}
