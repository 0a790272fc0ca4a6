package shm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrTooSmall is returned by Open when the file cannot hold a region header.
var ErrTooSmall = errors.New("shm: region smaller than header")

// Region is a mapped stream file. Regions created with Create are writable;
// regions attached with Open are mapped read-only, plus a writable mapping of
// the header page when the file permissions allow it, used only to register
// as a waiter.
type Region struct {
	path     string
	data     []byte
	control  []byte
	writable bool
}

// Create builds a region of size bytes at path. The file is populated under a
// temporary name, handed to init, and only then linked to path, so no other
// process can observe it half-initialized. If path already exists the returned
// error satisfies errors.Is(err, fs.ErrExist) and nothing is left behind.
func Create(path string, size int, init func(*Region) error) (*Region, error) {
	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	defer f.Close()
	defer os.Remove(tmp)

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("truncate: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	r := &Region{path: path, data: data, writable: true}

	if err := init(r); err != nil {
		r.Close()
		return nil, err
	}
	if err := os.Link(tmp, path); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Open maps an existing region read-only.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	canControl := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() < HeaderSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTooSmall)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	r := &Region{path: path, data: data}
	if canControl {
		ctl, err := unix.Mmap(int(f.Fd()), 0, HeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err == nil {
			r.control = ctl
		}
	}
	return r, nil
}

// Unlink removes the region name. Existing mappings stay valid.
func Unlink(path string) error {
	return os.Remove(path)
}

func (r *Region) Path() string { return r.path }

func (r *Region) Size() int { return len(r.data) }

func (r *Region) Writable() bool { return r.writable }

// Control returns a writable view of the header for registering waiters.
// It is the header itself for writable regions and nil when the file could
// only be opened read-only.
func (r *Region) Control() *Header {
	if r.writable {
		return r.Header()
	}
	if r.control == nil {
		return nil
	}
	return (*Header)(unsafe.Pointer(&r.control[0]))
}

// Header returns the header at the start of the mapping.
func (r *Region) Header() *Header {
	return (*Header)(unsafe.Pointer(&r.data[0]))
}

func (r *Region) slotOffset(i uint64) uint64 {
	return HeaderSize + i*r.Header().SlotStride
}

// Slot returns the header of slot i. i must be below SlotCount.
func (r *Region) Slot(i uint64) *SlotHeader {
	return (*SlotHeader)(unsafe.Pointer(&r.data[r.slotOffset(i)]))
}

// Payload returns the FrameBytes-long payload of slot i.
func (r *Region) Payload(i uint64) []byte {
	off := r.slotOffset(i) + SlotHeaderSize
	n := r.Header().FrameBytes
	return r.data[off : off+n : off+n]
}

// PayloadWords returns slot i's payload rounded up to whole words.
func (r *Region) PayloadWords(i uint64) []uint64 {
	off := r.slotOffset(i) + SlotHeaderSize
	n := (r.Header().FrameBytes + 7) &^ 7
	return Words(r.data[off : off+n])
}

// Close unmaps the region.
func (r *Region) Close() error {
	var err error
	if r.control != nil {
		err = unix.Munmap(r.control)
		r.control = nil
	}
	if r.data == nil {
		return err
	}
	if uerr := unix.Munmap(r.data); err == nil {
		err = uerr
	}
	r.data = nil
	return err
}

// LockDir takes an exclusive flock on dir, serializing check-then-unlink
// sequences between processes that share it. The returned func releases it.
func LockDir(dir string) (func(), error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
