package blockdev

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileDevice is a Device backed by a single local file, growable with
// Resize. It mirrors the open/create conventions of the teacher image
// library (O_RDWR|O_CREATE for fresh files, O_EXCL to refuse clobbering
// an existing one).
type FileDevice struct {
	mu              sync.Mutex
	file            *os.File
	sectorSizeBytes int
	readOnly        bool
	closed          bool
}

// pageSize is queried once; os.Getpagesize wraps the same syscall but
// golang.org/x/sys/unix.Getpagesize is used here directly so the page
// alignment logic lives next to the other unix-specific code in this
// file.
var pageSize = unix.Getpagesize()

// OpenFileDevice opens an existing file as a Device. sectorSizeBytes
// must be a positive power of two; 512 is the conventional choice for
// these images.
func OpenFileDevice(path string, sectorSizeBytes int, readOnly bool) (*FileDevice, error) {
	if sectorSizeBytes <= 0 || sectorSizeBytes&(sectorSizeBytes-1) != 0 {
		return nil, fmt.Errorf("blockdev: sector size %d is not a positive power of two", sectorSizeBytes)
	}
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", path, err)
	}
	return &FileDevice{file: f, sectorSizeBytes: sectorSizeBytes, readOnly: readOnly}, nil
}

// CreateFileDevice creates a new, empty (zero-sector) file device.
// It fails if a file already exists at path.
func CreateFileDevice(path string, sectorSizeBytes int) (*FileDevice, error) {
	if sectorSizeBytes <= 0 || sectorSizeBytes&(sectorSizeBytes-1) != 0 {
		return nil, fmt.Errorf("blockdev: sector size %d is not a positive power of two", sectorSizeBytes)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: create %q: %w", path, err)
	}
	return &FileDevice{file: f, sectorSizeBytes: sectorSizeBytes}, nil
}

func (d *FileDevice) GetInfo(_ context.Context) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Info{}, ErrClosed
	}
	st, err := d.file.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("blockdev: stat: %w", err)
	}
	return Info{
		SectorSizeBytes: d.sectorSizeBytes,
		SizeSectors:     st.Size() / int64(d.sectorSizeBytes),
		ReadWrite:       !d.readOnly,
	}, nil
}

func (d *FileDevice) ReadAt(_ context.Context, sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if len(buf)%d.sectorSizeBytes != 0 {
		return fmt.Errorf("blockdev: read length %d is not a multiple of sector size %d", len(buf), d.sectorSizeBytes)
	}
	_, err := d.file.ReadAt(buf, sector*int64(d.sectorSizeBytes))
	if err != nil {
		return fmt.Errorf("blockdev: read at sector %d: %w", sector, err)
	}
	return nil
}

func (d *FileDevice) WriteAt(_ context.Context, sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("blockdev: write to read-only device")
	}
	if len(buf)%d.sectorSizeBytes != 0 {
		return fmt.Errorf("blockdev: write length %d is not a multiple of sector size %d", len(buf), d.sectorSizeBytes)
	}
	_, err := d.file.WriteAt(buf, sector*int64(d.sectorSizeBytes))
	if err != nil {
		return fmt.Errorf("blockdev: write at sector %d: %w", sector, err)
	}
	return nil
}

// Resize grows or shrinks the device to exactly sizeSectors sectors.
// Growth first tries Fallocate to give the new range real physical
// backing (sparse holes read back as zero but fragment badly once the
// allocator starts handing out clusters at random offsets); when
// Fallocate isn't supported by the platform or filesystem, it falls
// back to a plain truncate, which still satisfies the contract (reads
// of the extended region return zero) just without the preallocation
// benefit.
func (d *FileDevice) Resize(_ context.Context, sizeSectors int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("blockdev: resize of read-only device")
	}
	newSize := sizeSectors * int64(d.sectorSizeBytes)

	st, err := d.file.Stat()
	if err != nil {
		return fmt.Errorf("blockdev: stat before resize: %w", err)
	}

	if newSize > st.Size() {
		grow := newSize - st.Size()
		if ferr := unix.Fallocate(int(d.file.Fd()), 0, st.Size(), grow); ferr != nil {
			// Unsupported platform/filesystem, or some other failure:
			// fall back to a plain truncate rather than fail the resize.
			if terr := d.file.Truncate(newSize); terr != nil {
				return fmt.Errorf("blockdev: resize to %d bytes: fallocate: %v, truncate: %w", newSize, ferr, terr)
			}
		}
		return nil
	}

	if err := d.file.Truncate(newSize); err != nil {
		return fmt.Errorf("blockdev: resize to %d bytes: %w", newSize, err)
	}
	return nil
}

func (d *FileDevice) Flush(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("blockdev: flush: %w", err)
	}
	return nil
}

func (d *FileDevice) Disconnect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("blockdev: disconnect: %w", err)
	}
	return nil
}

// PageAlignedBuffer returns a buffer of at least n bytes whose backing
// array starts on a page boundary, for callers (the engine's metadata
// I/O and header writes, and the range-lock cache's write-back) that
// want their sector buffers to be real page-aligned byte ranges
// as spec.md's backing-device contract describes, rather than whatever
// offset the Go allocator happened to pick.
func PageAlignedBuffer(n int) []byte {
	buf := make([]byte, n+pageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := int(addr % uintptr(pageSize))
	if offset == 0 {
		return buf[:n:n]
	}
	skip := pageSize - offset
	return buf[skip : skip+n : skip+n]
}
