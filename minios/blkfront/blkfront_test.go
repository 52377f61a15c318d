package blkfront

import (
	"bytes"
	"io"
	"testing"

	"minirump/hal"
	"minirump/minios/sched"
)

type testEnv struct {
	s      *sched.Sched
	domain *hal.HostDomain
	front  *Front
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := hal.NewHostClock()
	domain := hal.NewHostDomain(clock)
	s := sched.New(clock, domain, hal.NewHostConsole(io.Discard), hal.NewHostMemory(0))
	s.InitSched()
	front := NewFront(s.NewWaitQueue(), domain.Inject)
	return &testEnv{s: s, domain: domain, front: front}
}

// drain polls the device until want callbacks have run.
func (e *testEnv) drain(t *testing.T, d *Device, want int) {
	t.Helper()
	got := 0
	for i := 0; i < 100000 && got < want; i++ {
		flags := e.s.IRQSave()
		got += d.Poll()
		e.s.IRQRestore(flags)
		if got < want {
			e.s.Schedule()
		}
	}
	if got != want {
		t.Fatalf("drained %d completions, expected %d", got, want)
	}
}

func TestInitReportsGeometry(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1<<20, 512), Mode: ModeReadWrite})

	d, info, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()
	if info.SectorSize != 512 || info.Sectors != (1<<20)/512 {
		t.Fatalf("bad geometry: %+v", info)
	}
	if info.Mode != ModeReadWrite {
		t.Fatalf("bad mode: %v", info.Mode)
	}
}

func TestInitUnknownNode(t *testing.T) {
	e := newTestEnv(t)
	if _, _, err := e.front.Init("device/vbd/832"); err == nil {
		t.Fatal("expected an error for an unregistered node")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1<<20, 512), Mode: ModeReadWrite})
	d, _, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()

	out := bytes.Repeat([]byte("sector payload! "), 32)
	var statuses []int
	record := func(cb *Aiocb, status int) { statuses = append(statuses, status) }

	d.AioWrite(&Aiocb{Buf: out, Nbytes: uint64(len(out)), Offset: 512, Callback: record})
	e.drain(t, d, 1)

	in := make([]byte, len(out))
	d.AioRead(&Aiocb{Buf: in, Nbytes: uint64(len(in)), Offset: 512, Callback: record})
	e.drain(t, d, 1)

	for i, st := range statuses {
		if st != 0 {
			t.Fatalf("request %d completed with status %d", i, st)
		}
	}
	if !bytes.Equal(in, out) {
		t.Fatal("read back different bytes than written")
	}
}

func TestCompletionsPreserveSubmissionOrder(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1<<20, 512), Mode: ModeReadWrite})
	d, _, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()

	var order []int
	buf := make([]byte, 512)
	for i := 0; i < 8; i++ {
		i := i
		d.AioRead(&Aiocb{Buf: buf, Nbytes: 512, Offset: int64(i) * 512, Callback: func(*Aiocb, int) {
			order = append(order, i)
		}})
	}
	e.drain(t, d, 8)

	for i, got := range order {
		if got != i {
			t.Fatalf("completion %d was request %d; per-device order must hold", i, got)
		}
	}
}

func TestTransferBeyondEndFails(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1 << 16, 512), Mode: ModeReadWrite})
	d, info, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()

	status := 0
	buf := make([]byte, 512)
	end := int64(info.Sectors) * int64(info.SectorSize)
	d.AioRead(&Aiocb{Buf: buf, Nbytes: 512, Offset: end, Callback: func(_ *Aiocb, st int) {
		status = st
	}})
	e.drain(t, d, 1)
	if status == 0 {
		t.Fatal("expected an error status past device end")
	}
}

func TestWriteToReadOnlyFails(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1<<16, 512), Mode: ModeReadOnly})
	d, _, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()

	status := 0
	buf := make([]byte, 512)
	d.AioWrite(&Aiocb{Buf: buf, Nbytes: 512, Offset: 0, Callback: func(_ *Aiocb, st int) {
		status = st
	}})
	e.drain(t, d, 1)
	if status == 0 {
		t.Fatal("expected an error status writing a read-only device")
	}
}

func TestCompletionWakesWaitQueue(t *testing.T) {
	e := newTestEnv(t)
	e.front.Register("device/vbd/768", Backend{Disk: hal.NewMemDisk(1<<16, 512), Mode: ModeReadWrite})
	d, _, err := e.front.Init("device/vbd/768")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer d.Shutdown()

	completed := false
	done := false
	e.s.CreateThread("poller", nil, func(any) {
		var w sched.Waiter
		flags := e.s.IRQSave()
		for {
			if d.Poll() > 0 {
				break
			}
			e.front.Queue().AddWaiter(&w)
			e.s.IRQRestore(flags)
			e.s.Schedule()
			flags = e.s.IRQSave()
		}
		e.s.IRQRestore(flags)
		done = true
		for {
			e.s.Block(e.s.Current())
			e.s.Schedule()
		}
	}, nil, nil)

	buf := make([]byte, 512)
	d.AioRead(&Aiocb{Buf: buf, Nbytes: 512, Offset: 0, Callback: func(*Aiocb, int) {
		completed = true
	}})

	for i := 0; i < 100000 && !done; i++ {
		e.s.Schedule()
	}
	if !done || !completed {
		t.Fatalf("poller did not observe completion: done=%v completed=%v", done, completed)
	}
}
