//go:build !tinygo

package hal

import (
	"io"
	"sync"
)

type hostConsole struct {
	mu sync.Mutex
	w  io.Writer
}

// NewHostConsole returns a console writing to w. A nil w discards output.
func NewHostConsole(w io.Writer) Console {
	if w == nil {
		w = io.Discard
	}
	return &hostConsole{w: w}
}

func (c *hostConsole) Putc(ch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write([]byte{ch})
}

func (c *hostConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}
