// Package snapshot implements the live snapshot surface: one
// single-slot buffer per displayed stream, overwritten on every
// matching frame via a non-blocking lock attempt, broadcast to
// connected websocket viewers and optionally mirrored into a
// cross-process shared-memory ring for lower-latency consumers.
package snapshot

import (
	"fmt"
	"sync"

	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/rfsensing/das-host/pkg/ingest"
	"github.com/rfsensing/das-host/pkg/shm_ring"
	"github.com/rfsensing/das-host/pkg/wireproto"
)

// slot is one displayed stream's single buffer, guarded by a
// try-locked mutex: the writer is advisory (freshness over
// completeness) and drops the frame on contention; readers block
// briefly for their own reads.
type slot struct {
	mu   sync.Mutex
	buf  []byte
	desc dasconfig.StreamDescriptor
	mirror *shm_ring.ShmRing
}

// Surface owns one slot per displayed stream and is registered as an
// ingest.CommandSubscriber.
type Surface struct {
	byKind map[wireproto.CommandKind]*slot
	hub    *Hub
}

// NewSurface allocates one slot per stream named in cfg.Snapshot.Streams.
// If shmPrefix is non-empty, each slot also gets a /dev/shm mirror
// ring named shmPrefix+stream for external mmap-based readers.
func NewSurface(cfg *dasconfig.Config, hub *Hub, shmPrefix string) (*Surface, error) {
	s := &Surface{byKind: make(map[wireproto.CommandKind]*slot), hub: hub}
	for _, name := range cfg.Snapshot.Streams {
		desc, ok := cfg.StreamByName(name)
		if !ok {
			return nil, fmt.Errorf("snapshot: unknown stream %q", name)
		}
		kind, err := desc.CommandKind()
		if err != nil {
			return nil, err
		}
		sl := &slot{buf: make([]byte, desc.ValidPointCount()*2), desc: desc}

		if shmPrefix != "" {
			// Size the mirror to hold several updates so a slow
			// external reader isn't forced to keep pace exactly.
			const mirrorDepth = 8
			ring, err := shm_ring.Create(shmPrefix+name, uint64(len(sl.buf))*mirrorDepth, uint32(desc.ValidPointCount()))
			if err != nil {
				return nil, fmt.Errorf("snapshot: create shm mirror for %q: %w", name, err)
			}
			sl.mirror = ring
		}

		s.byKind[kind] = sl
	}
	return s, nil
}

// HandleCommand is an ingest.CommandSubscriber. It tries the slot's
// lock and drops the frame on contention rather than waiting.
func (s *Surface) HandleCommand(ev ingest.CommandEvent) {
	sl, ok := s.byKind[ev.Kind]
	if !ok {
		return
	}
	if !sl.mu.TryLock() {
		return
	}
	lo, hi := sl.desc.ValidLo*2, sl.desc.ValidHi*2
	if hi-lo != len(sl.buf) || hi > len(ev.Body) {
		sl.mu.Unlock()
		return
	}
	copy(sl.buf, ev.Body[lo:hi])
	snapshot := append([]byte(nil), sl.buf...)
	mirror := sl.mirror
	sl.mu.Unlock()

	if mirror != nil {
		_ = mirror.Publish(snapshot)
	}
	if s.hub != nil {
		s.hub.Broadcast(sl.desc.Name, snapshot)
	}
}

// Read blocks briefly to acquire the slot's lock and returns a copy of
// the latest snapshot for name's stream.
func (s *Surface) Read(cfg *dasconfig.Config, name string) ([]byte, error) {
	desc, ok := cfg.StreamByName(name)
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown stream %q", name)
	}
	kind, err := desc.CommandKind()
	if err != nil {
		return nil, err
	}
	sl, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("snapshot: stream %q is not a displayed stream", name)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return append([]byte(nil), sl.buf...), nil
}

// Close releases any shared-memory mirrors.
func (s *Surface) Close() {
	for _, sl := range s.byKind {
		if sl.mirror != nil {
			sl.mirror.Close()
		}
	}
}
