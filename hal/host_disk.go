//go:build !tinygo

package hal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"tinygo.org/x/tinyfs"
)

const (
	hostDiskDefaultSectorSize = 512
	hostDiskDefaultSizeBytes  = 4 * 1024 * 1024
)

var ErrDiskBounds = errors.New("disk: access out of bounds")

// MemDisk is an in-memory disk image implementing tinyfs.BlockDevice.
type MemDisk struct {
	mu         sync.Mutex
	buf        []byte
	sectorSize int64
}

var _ tinyfs.BlockDevice = (*MemDisk)(nil)

// NewMemDisk returns a zero-filled disk of size bytes. Zero arguments
// select the defaults.
func NewMemDisk(size, sectorSize int64) *MemDisk {
	if size == 0 {
		size = hostDiskDefaultSizeBytes
	}
	if sectorSize == 0 {
		sectorSize = hostDiskDefaultSectorSize
	}
	return &MemDisk{buf: make([]byte, size), sectorSize: sectorSize}
}

func (d *MemDisk) Size() int64 { return int64(len(d.buf)) }
func (d *MemDisk) WriteBlockSize() int64 { return d.sectorSize }
func (d *MemDisk) EraseBlockSize() int64 { return d.sectorSize }

func (d *MemDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, ErrDiskBounds
	}
	return copy(p, d.buf[off:]), nil
}

func (d *MemDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, ErrDiskBounds
	}
	return copy(d.buf[off:], p), nil
}

func (d *MemDisk) EraseBlocks(start, n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := start * d.sectorSize
	end := off + n*d.sectorSize
	if off < 0 || end > int64(len(d.buf)) {
		return ErrDiskBounds
	}
	for i := off; i < end; i++ {
		d.buf[i] = 0
	}
	return nil
}

// FileDisk is a disk image backed by a host file.
type FileDisk struct {
	mu         sync.Mutex
	f          *os.File
	size       int64
	sectorSize int64
}

var _ tinyfs.BlockDevice = (*FileDisk)(nil)

// OpenFileDisk opens (or creates) a disk image at path. An existing
// nonempty file fixes the size; otherwise the file is extended to size.
func OpenFileDisk(path string, size, sectorSize int64) (*FileDisk, error) {
	if size == 0 {
		size = hostDiskDefaultSizeBytes
	}
	if sectorSize == 0 {
		sectorSize = hostDiskDefaultSectorSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open disk image %q: %w", path, err)
	}
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		size = st.Size()
	} else if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate disk image %q: %w", path, err)
	}
	return &FileDisk{f: f, size: size, sectorSize: sectorSize}, nil
}

func (d *FileDisk) Close() error { return d.f.Close() }
func (d *FileDisk) Size() int64 { return d.size }
func (d *FileDisk) WriteBlockSize() int64 { return d.sectorSize }
func (d *FileDisk) EraseBlockSize() int64 { return d.sectorSize }

func (d *FileDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, ErrDiskBounds
	}
	return d.f.ReadAt(p, off)
}

func (d *FileDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, ErrDiskBounds
	}
	return d.f.WriteAt(p, off)
}

func (d *FileDisk) EraseBlocks(start, n int64) error {
	zero := make([]byte, d.sectorSize)
	for i := int64(0); i < n; i++ {
		if _, err := d.WriteAt(zero, (start+i)*d.sectorSize); err != nil {
			return err
		}
	}
	return nil
}
