// Package reassemble implements the per-stream ping-pong reassembly
// ring: a fixed set of raw byte buffers that the receive worker fills
// and the persist worker drains, handed off via a mutex held as a
// token rather than copied across a channel.
package reassemble

import (
	"fmt"
	"sync"
	"time"
)

// Task is produced when a buffer fills and consumed by the persister.
type Task struct {
	Stream      string
	BufIndex    int
	WindowEndTS time.Time
}

// Ring is one stream's ping-pong buffer set: N fixed-size buffers,
// one mutex per buffer acting as a hand-off token. Exactly one buffer
// is held locked by the producer at all times; releasing it and
// enqueuing a Task transfers ownership to whichever consumer next
// acquires that same lock.
type Ring struct {
	Stream string
	N      int
	BufLen int

	bufs  [][]byte
	locks []sync.Mutex

	cursor int
	offset int

	tasks chan<- Task
	now   func() time.Time
}

// NewRing allocates N buffers of bufLen bytes and locks buffer 0 so
// the first Append has somewhere to write. tasks is the shared FIFO
// task queue; nowFunc defaults to time.Now and is overridable for
// tests.
func NewRing(stream string, n, bufLen int, tasks chan<- Task, nowFunc func() time.Time) (*Ring, error) {
	if n < 2 {
		return nil, fmt.Errorf("reassemble: N must be >= 2, got %d", n)
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	r := &Ring{
		Stream: stream,
		N:      n,
		BufLen: bufLen,
		bufs:   make([][]byte, n),
		locks:  make([]sync.Mutex, n),
		tasks:  tasks,
		now:    nowFunc,
	}
	for i := range r.bufs {
		r.bufs[i] = make([]byte, bufLen)
	}
	r.locks[0].Lock()
	return r, nil
}

// Append copies slice into the currently-held buffer at the current
// offset, releasing and enqueuing the buffer when it fills and
// acquiring the successor before returning. slice must be exactly the
// stream's (hi-lo)*2 byte width; callers validate that before calling.
//
// Append may block acquiring the next buffer's lock if all N buffers
// are still in flight with the persister. That is the natural
// back-pressure of the ring; it never drops data.
func (r *Ring) Append(slice []byte) {
	buf := r.bufs[r.cursor]
	n := copy(buf[r.offset:], slice)
	r.offset += n

	if r.offset < r.BufLen {
		return
	}

	filled := r.cursor
	endTS := r.now()
	r.locks[filled].Unlock()
	r.tasks <- Task{Stream: r.Stream, BufIndex: filled, WindowEndTS: endTS}

	r.cursor = (r.cursor + 1) % r.N
	r.offset = 0
	r.locks[r.cursor].Lock()
}

// Lock acquires buffer i's hand-off token for reading. The persister
// calls this to consume a filled buffer.
func (r *Ring) Lock(i int) { r.locks[i].Lock() }

// Unlock releases buffer i's hand-off token back to the producer.
func (r *Ring) Unlock(i int) { r.locks[i].Unlock() }

// Buffer returns buffer i's backing slice. Callers must hold i's lock.
func (r *Ring) Buffer(i int) []byte { return r.bufs[i] }
