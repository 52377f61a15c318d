// Package blkfront is the paravirtual block front end. Requests are
// asynchronous: submission queues work for a per-device backend, and
// completions are drained by Poll, which invokes each request's
// callback. A front-wide wait queue lets a poller thread sleep until a
// backend signals completion through the domain event channel.
package blkfront

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/tinyfs"

	"minirump/minios/sched"
)

// Mode reports device writability.
type Mode uint8

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

// Info describes device geometry as reported by the backend.
type Info struct {
	SectorSize uint32
	Sectors    uint64
	Mode       Mode
}

// Aiocb is one asynchronous block request. The driver owns the record
// from submission until its Callback has been invoked.
type Aiocb struct {
	Dev    *Device
	Buf    []byte
	Nbytes uint64
	Offset int64

	// Callback receives the request and a status: 0 on success,
	// nonzero on a transfer error.
	Callback func(*Aiocb, int)

	// Data is the submitter's cookie.
	Data any
}

var ErrNoBackend = errors.New("blkfront: no backend for node")

// Backend is a registered disk: a tinyfs block device plus writability.
type Backend struct {
	Disk tinyfs.BlockDevice
	Mode Mode
}

// Front owns the backend registry and the shared completion wait queue.
type Front struct {
	queue  *sched.WaitQueue
	inject func(func())

	mu       sync.Mutex
	backends map[string]Backend
}

// NewFront creates a block front whose completion notifications are
// delivered through inject (the domain's event-injection primitive) and
// wake queue.
func NewFront(queue *sched.WaitQueue, inject func(func())) *Front {
	return &Front{
		queue:    queue,
		inject:   inject,
		backends: make(map[string]Backend),
	}
}

// Queue returns the front-wide completion wait queue.
func (f *Front) Queue() *sched.WaitQueue { return f.queue }

// Register binds a backend disk to a bus node name.
func (f *Front) Register(nodename string, b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[nodename] = b
}

type completion struct {
	cb     *Aiocb
	status int
}

type request struct {
	cb    *Aiocb
	write bool
}

// Device is one attached block device.
type Device struct {
	front    *Front
	nodename string
	info     Info

	reqs chan request

	mu   sync.Mutex
	done []completion
}

// Init attaches the device at nodename and reports its geometry.
func (f *Front) Init(nodename string) (*Device, Info, error) {
	f.mu.Lock()
	b, ok := f.backends[nodename]
	f.mu.Unlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrNoBackend, nodename)
	}

	sectorSize := b.Disk.WriteBlockSize()
	info := Info{
		SectorSize: uint32(sectorSize),
		Sectors:    uint64(b.Disk.Size() / sectorSize),
		Mode:       b.Mode,
	}
	d := &Device{
		front:    f,
		nodename: nodename,
		info:     info,
		reqs:     make(chan request, 64),
	}
	go d.backendLoop(b)
	return d, info, nil
}

// Info returns the geometry reported at attach.
func (d *Device) Info() Info { return d.info }

// AioRead submits an asynchronous read.
func (d *Device) AioRead(cb *Aiocb) {
	cb.Dev = d
	d.reqs <- request{cb: cb, write: false}
}

// AioWrite submits an asynchronous write.
func (d *Device) AioWrite(cb *Aiocb) {
	cb.Dev = d
	d.reqs <- request{cb: cb, write: true}
}

// Poll drains completed requests, invoking each callback, and returns
// the number drained. Callbacks run on the caller's thread.
func (d *Device) Poll() int {
	d.mu.Lock()
	done := d.done
	d.done = nil
	d.mu.Unlock()
	for _, c := range done {
		c.cb.Callback(c.cb, c.status)
	}
	return len(done)
}

// Shutdown detaches the device. The client must not shut down a device
// with requests still outstanding.
func (d *Device) Shutdown() {
	close(d.reqs)
}

// backendLoop is the device's backend: it serves requests in submission
// order, so completions for one device preserve that order.
func (d *Device) backendLoop(b Backend) {
	for r := range d.reqs {
		status := 0
		if err := d.serve(b, r); err != nil {
			status = -1
		}
		d.mu.Lock()
		d.done = append(d.done, completion{cb: r.cb, status: status})
		d.mu.Unlock()
		d.front.inject(func() { d.front.queue.WakeAll() })
	}
}

func (d *Device) serve(b Backend, r request) error {
	n := int64(r.cb.Nbytes)
	if n > int64(len(r.cb.Buf)) {
		return errors.New("blkfront: request larger than buffer")
	}
	if r.cb.Offset < 0 || r.cb.Offset+n > b.Disk.Size() {
		return errors.New("blkfront: transfer beyond device end")
	}
	if r.write {
		if b.Mode != ModeReadWrite {
			return errors.New("blkfront: write to read-only device")
		}
		_, err := b.Disk.WriteAt(r.cb.Buf[:n], r.cb.Offset)
		return err
	}
	_, err := b.Disk.ReadAt(r.cb.Buf[:n], r.cb.Offset)
	return err
}
