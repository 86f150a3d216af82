// Package shm_ring backs the cross-process leg of the live snapshot
// surface: an external plotter or audio sampler that wants lower
// latency than a websocket round trip can mmap this ring directly
// instead of connecting to pkg/snapshot's hub. pkg/snapshot treats it
// as an optional mirror, not its primary (in-process) transport.
package shm_ring

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RingHeader sits at the very beginning of the shared memory segment.
type RingHeader struct {
	Magic      uint64
	Size       uint64
	Head       uint64 // writer position (byte offset)
	Tail       uint64 // reader position (byte offset)
	Version    uint32
	ValidPoints uint32 // (hi-lo) for the stream this ring mirrors
}

const (
	HeaderSize = uint64(unsafe.Sizeof(RingHeader{}))
	MagicValue = 0x5144415353484D31 // "QDASSHM1"
)

// ShmRing is a single-writer, single-reader byte ring in /dev/shm,
// sized to hold several snapshot updates so a slow external reader
// doesn't need perfect cadence with the writer.
type ShmRing struct {
	fd     int
	data   []byte
	header *RingHeader
	total  uint64
}

// Create allocates a new named ring of size bytes for stream, or opens
// it if another process already created it.
func Create(name string, size uint64, validPoints uint32) (*ShmRing, error) {
	path := filepath.Join("/dev/shm", name)

	f, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o666)
	if err != nil {
		if err == unix.EEXIST {
			return Open(name)
		}
		return nil, fmt.Errorf("shm_ring: open %s: %w", path, err)
	}

	totalSize := HeaderSize + size
	if err := unix.Ftruncate(f, int64(totalSize)); err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("shm_ring: ftruncate: %w", err)
	}

	data, err := unix.Mmap(f, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("shm_ring: mmap: %w", err)
	}

	ring := &ShmRing{fd: f, data: data, total: size}
	ring.header = (*RingHeader)(unsafe.Pointer(&data[0]))
	ring.header.Magic = MagicValue
	ring.header.Size = size
	ring.header.Version = 1
	ring.header.ValidPoints = validPoints
	atomic.StoreUint64(&ring.header.Head, 0)
	atomic.StoreUint64(&ring.header.Tail, 0)

	return ring, nil
}

// Open attaches to an existing named ring.
func Open(name string) (*ShmRing, error) {
	path := filepath.Join("/dev/shm", name)
	f, err := unix.Open(path, unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm_ring: open %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(f, &stat); err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("shm_ring: fstat: %w", err)
	}

	data, err := unix.Mmap(f, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("shm_ring: mmap: %w", err)
	}

	ring := &ShmRing{fd: f, data: data, total: uint64(stat.Size) - HeaderSize}
	ring.header = (*RingHeader)(unsafe.Pointer(&data[0]))
	if ring.header.Magic != MagicValue {
		ring.Close()
		return nil, fmt.Errorf("shm_ring: bad magic in %s", path)
	}

	return ring, nil
}

// Publish writes the latest snapshot body into the ring at Head,
// wrapping around, and advances Head. It never blocks on the reader:
// a slow reader simply sees its Tail fall further behind Head, the
// same freshness-over-completeness tradeoff as pkg/snapshot's
// in-process try-lock slot.
func (r *ShmRing) Publish(body []byte) error {
	n := len(body)
	if uint64(n) > r.total {
		return fmt.Errorf("shm_ring: body %d bytes exceeds ring size %d", n, r.total)
	}

	head := atomic.LoadUint64(&r.header.Head)
	dest := r.data[HeaderSize:]

	firstPart := r.total - head
	if uint64(n) <= firstPart {
		copy(dest[head:], body)
	} else {
		copy(dest[head:], body[:firstPart])
		copy(dest[0:], body[firstPart:])
	}

	atomic.StoreUint64(&r.header.Head, (head+uint64(n))%r.total)
	return nil
}

// Pointers returns the current (head, tail) byte offsets.
func (r *ShmRing) Pointers() (head, tail uint64) {
	return atomic.LoadUint64(&r.header.Head), atomic.LoadUint64(&r.header.Tail)
}

// AdvanceTail is called by the external reader after consuming up to
// the given offset.
func (r *ShmRing) AdvanceTail(tail uint64) {
	atomic.StoreUint64(&r.header.Tail, tail%r.total)
}

// Data returns the ring's raw data region, excluding the header.
func (r *ShmRing) Data() []byte { return r.data[HeaderSize:] }

// Close unmaps and closes the underlying file descriptor.
func (r *ShmRing) Close() error {
	if r.data != nil {
		unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd != 0 {
		unix.Close(r.fd)
		r.fd = 0
	}
	return nil
}

// Remove unlinks a named ring from /dev/shm.
func Remove(name string) error {
	err := unix.Unlink(filepath.Join("/dev/shm", name))
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
