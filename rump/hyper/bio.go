package hyper

import (
	"minirump/minios/blkfront"
	"minirump/minios/sched"
)

// Bio op bits.
const (
	BioRead  = 0x01
	BioWrite = 0x02
)

// BiodoneFn is a request's completion callback: transferred byte count
// on success, zero count and EIO on a driver-reported error. Exactly
// one invocation per submitted request.
type BiodoneFn func(arg any, nbytes uint64, err Errno)

// biocb rides a request from submission to completion.
type biocb struct {
	aiocb blkfront.Aiocb
	num   int
	done  BiodoneFn
	arg   any
}

// Bio submits an asynchronous block transfer on an open descriptor.
// The first submission spawns the poller thread. Submission cannot
// fail; transfer errors arrive through the callback only.
func (h *Hyper) Bio(fd int, op int, data []byte, off int64, done BiodoneFn, arg any) {
	bio := &biocb{}
	num := fd - BlkFDOff

	nlocks := h.hyp.BackendUnschedule()

	h.bioPollerSpawn.Do(func() {
		h.s.CreateThread("biopoll", nil, h.biothread, nil, nil)
	})

	bio.done = done
	bio.arg = arg
	bio.num = num

	aiocb := &bio.aiocb
	aiocb.Dev = h.blkdevs[num]
	aiocb.Buf = data
	aiocb.Nbytes = uint64(len(data))
	aiocb.Offset = off
	aiocb.Callback = h.biocomp
	aiocb.Data = bio

	if op&BioRead != 0 {
		aiocb.Dev.AioRead(aiocb)
	} else {
		aiocb.Dev.AioWrite(aiocb)
	}

	h.bioMtx.Enter()
	h.bioOutstanding++
	h.blkOutstanding[num]++
	h.bioCV.Signal()
	h.bioMtx.Exit()

	h.hyp.BackendSchedule(nlocks)
}

// biocomp is the driver-level completion hook, invoked by the block
// front from the poller thread. It reacquires the kernel context, runs
// the user callback, and only then drops the outstanding counts; a
// callback that resubmits therefore keeps the counters positive
// throughout.
func (h *Hyper) biocomp(aiocb *blkfront.Aiocb, ret int) {
	bio := aiocb.Data.(*biocb)

	h.hyp.BackendSchedule(0)
	if ret != 0 {
		bio.done(bio.arg, 0, EIO)
	} else {
		bio.done(bio.arg, bio.aiocb.Nbytes, 0)
	}
	h.hyp.BackendUnschedule()
	num := bio.num

	h.bioMtx.EnterNowrap()
	h.bioOutstanding--
	h.blkOutstanding[num]--
	h.bioMtx.Exit()
}

// biothread is the poller: it sleeps on the bridge CV until requests
// are outstanding, then polls every busy device until progress is made,
// parking on the front's completion wait queue between dry scans.
func (h *Hyper) biothread(any) {
	// Establish an lwp identity for the bio callbacks.
	h.hyp.Schedule()
	h.hyp.LwprocNewLWP(0)
	h.hyp.Unschedule()

	var w sched.Waiter
	for {
		h.bioMtx.EnterNowrap()
		for h.bioOutstanding == 0 {
			h.bioCV.WaitNowrap(h.bioMtx)
		}
		h.bioMtx.Exit()

		// If we made any progress, recheck. The drain condition is the
		// poll count, not the CV state.
		flags := h.s.IRQSave()
		for did := 0; ; {
			for i := 0; i < NBlkDev; i++ {
				if h.blkOutstanding[i] > 0 {
					did += h.blkdevs[i].Poll()
				}
			}
			if did > 0 {
				break
			}
			h.front.Queue().AddWaiter(&w)
			h.s.IRQRestore(flags)
			h.s.Schedule()
			flags = h.s.IRQSave()
		}
		h.s.IRQRestore(flags)
	}
}

// BioOutstanding reports the total outstanding request count.
func (h *Hyper) BioOutstanding() int {
	h.bioMtx.EnterNowrap()
	n := h.bioOutstanding
	h.bioMtx.Exit()
	return n
}
