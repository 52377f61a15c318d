package hyper

import (
	"fmt"

	"minirump/minios/blkfront"
)

const (
	// NBlkDev is the number of block device slots.
	NBlkDev = 10
	// BlkFDOff maps slot n to file descriptor BlkFDOff+n.
	BlkFDOff = 64
)

// Open mode bits.
const (
	OpenRdonly  = 0x0000
	OpenWronly  = 0x0001
	OpenRdwr    = 0x0002
	OpenAccmode = 0x0003
	// OpenBio marks block-device I/O; Open accepts nothing else.
	OpenBio = 0x0010
)

// File types reported by Getfileinfo.
const (
	FtOther = iota
	FtDir
	FtReg
	FtBlk
	FtChr
)

// devname2num parses "blk<digit>" into a slot number, -1 when invalid.
// Only block devices are supported.
func devname2num(name string) int {
	if len(name) != 4 || name[:3] != "blk" {
		return -1
	}
	num := int(name[3]) - '0'
	if num < 0 || num >= NBlkDev {
		return -1
	}
	return num
}

// devopen attaches the slot's device, or bumps the reference count if
// it is already attached.
func (h *Hyper) devopen(num int) Errno {
	if h.blkopen[num] > 0 {
		h.blkopen[num]++
		return 0
	}

	nodename := fmt.Sprintf("device/vbd/%d", 768+(num<<6))

	nlocks := h.hyp.BackendUnschedule()
	dev, info, err := h.front.Init(nodename)
	h.hyp.BackendSchedule(nlocks)

	if err != nil {
		return EIO
	}
	h.blkdevs[num] = dev
	h.blkinfos[num] = info
	h.blkopen[num] = 1
	return 0
}

// Open opens a block device by name. mode must carry OpenBio; write
// access to a read-only device fails with EROFS and leaves the
// reference count unchanged. The descriptor is BlkFDOff plus the slot.
func (h *Hyper) Open(name string, mode int) (int, Errno) {
	if mode&OpenBio == 0 {
		return 0, ENXIO
	}
	num := devname2num(name)
	if num == -1 {
		return 0, ENXIO
	}

	if rv := h.devopen(num); rv != 0 {
		return 0, rv
	}

	acc := mode & OpenAccmode
	if acc == OpenWronly || acc == OpenRdwr {
		if h.blkinfos[num].Mode != blkfront.ModeReadWrite {
			h.Close(BlkFDOff + num)
			return 0, EROFS
		}
	}

	return BlkFDOff + num, 0
}

// Close drops one reference to a descriptor. When the count reaches
// zero the slot is cleared and the device shut down. Closing does not
// wait for outstanding requests; the client must not close a device
// with requests in flight.
func (h *Hyper) Close(fd int) Errno {
	rfd := fd - BlkFDOff

	if rfd < 0 || rfd >= NBlkDev {
		return EBADF
	}

	h.blkopen[rfd]--
	if h.blkopen[rfd] == 0 {
		toclose := h.blkdevs[rfd]
		h.blkdevs[rfd] = nil
		toclose.Shutdown()
	}

	return 0
}

// Getfileinfo opens the named device transiently and reports its byte
// size and type.
func (h *Hyper) Getfileinfo(name string) (size uint64, ftype int, err Errno) {
	num := devname2num(name)
	if num == -1 {
		return 0, 0, ENXIO
	}
	if rv := h.devopen(num); rv != 0 {
		return 0, 0, rv
	}

	size = h.blkinfos[num].Sectors * uint64(h.blkinfos[num].SectorSize)
	ftype = FtBlk

	h.Close(num + BlkFDOff)

	return size, ftype, 0
}
