//go:build !tinygo

// Hosted demo guest: brings up the HAL, the cooperative scheduler, the
// block front, and the hypercall layer, then round-trips a sector
// through the block I/O bridge on blk0.
package main

import (
	"flag"
	"fmt"
	"os"

	"minirump/hal"
	"minirump/internal/buildinfo"
	"minirump/minios/blkfront"
	"minirump/minios/sched"
	"minirump/rump/hyper"
)

func main() {
	var (
		image = flag.String("disk", "", "Disk image for blk0 (empty = in-memory disk).")
		size  = flag.Int64("size", 0, "Disk size in bytes for the in-memory disk or a new image file (0 = default).")
	)
	flag.Parse()

	if err := run(*image, *size); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(image string, size int64) error {
	clock := hal.NewHostClock()
	cons := hal.NewHostConsole(os.Stdout)
	domain := hal.NewHostDomain(clock)
	mem := hal.NewHostMemory(0)

	s := sched.New(clock, domain, cons, mem)
	s.InitSched()

	front := blkfront.NewFront(s.NewWaitQueue(), domain.Inject)
	var disk interface {
		Size() int64
	}
	if image != "" {
		fd, err := hal.OpenFileDisk(image, size, 0)
		if err != nil {
			return err
		}
		defer fd.Close()
		front.Register("device/vbd/768", blkfront.Backend{Disk: fd, Mode: blkfront.ModeReadWrite})
		disk = fd
	} else {
		md := hal.NewMemDisk(size, 0)
		front.Register("device/vbd/768", blkfront.Backend{Disk: md, Mode: blkfront.ModeReadWrite})
		disk = md
	}

	h := hyper.New(s, clock, cons, mem, domain, front)
	hyp := hyper.Hyperup{
		Schedule:          func() {},
		Unschedule:        func() {},
		BackendUnschedule: func() int { return 0 },
		BackendSchedule:   func(int) {},
		LwprocNewLWP:      func(int) int { return 0 },
	}
	if h.Init(hyper.Version, &hyp) != 0 {
		return fmt.Errorf("hypercall version mismatch")
	}

	h.Dprintf("minirump %s up, blk0 %d bytes\n", buildinfo.Short(), disk.Size())

	fd, errno := h.Open("blk0", hyper.OpenBio|hyper.OpenRdwr)
	if errno != 0 {
		return fmt.Errorf("open blk0: %s", errno)
	}

	out := []byte("minirump block bridge round trip")
	buf := make([]byte, 512)
	copy(buf, out)

	done := 0
	wait := func() {
		for done == 0 {
			s.Schedule()
		}
		done = 0
	}

	h.Bio(fd, hyper.BioWrite, buf, 0, func(_ any, n uint64, e hyper.Errno) {
		if e != 0 {
			h.Dprintf("write failed: %s\n", e)
		} else {
			h.Dprintf("wrote %d bytes\n", n)
		}
		done = 1
	}, nil)
	wait()

	in := make([]byte, 512)
	h.Bio(fd, hyper.BioRead, in, 0, func(_ any, n uint64, e hyper.Errno) {
		if e != 0 {
			h.Dprintf("read failed: %s\n", e)
		} else {
			h.Dprintf("read %d bytes: %q\n", n, in[:len(out)])
		}
		done = 1
	}, nil)
	wait()

	for h.BioOutstanding() != 0 {
		s.Schedule()
	}
	if errno := h.Close(fd); errno != 0 {
		return fmt.Errorf("close blk0: %s", errno)
	}
	return nil
}
