package reassemble

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/rfsensing/das-host/pkg/ingest"
	"github.com/rfsensing/das-host/pkg/wireproto"
)

// streamEntry pairs a ring with the slice bounds and gating needed to
// turn a raw command body into that ring's next append.
type streamEntry struct {
	ring *Ring
	desc dasconfig.StreamDescriptor

	rawBodyLen int

	strictBeginAt time.Time // zero means no gate
}

// Manager owns one Ring per configured stream and is registered as an
// ingest.CommandSubscriber. A command's CommandKind is the sole stream
// discriminant: two streams may not share a kind (enforced by
// dasconfig.Validate).
type Manager struct {
	byKind map[wireproto.CommandKind]*streamEntry
	logger *log.Logger
	now    func() time.Time
}

// NewManager builds one Ring per stream in cfg.Streams, sized as
// sample_rate*handle_interval*(hi-lo)*2 bytes. If cfg.StrictBeginTarget
// names a stream, every stream's commands are gated uniformly on that
// target's own save interval, not the interval of whichever stream is
// currently being handled.
func NewManager(cfg *dasconfig.Config, tasks chan<- Task, logger *log.Logger, nowFunc func() time.Time) (*Manager, error) {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	m := &Manager{byKind: make(map[wireproto.CommandKind]*streamEntry), logger: logger, now: nowFunc}

	var strictBeginAt time.Time
	if cfg.StrictBeginTarget != "" {
		if target, ok := cfg.SaveTargetByStream(cfg.StrictBeginTarget); ok {
			interval := time.Duration(target.SaveIntervalSeconds) * time.Second
			strictBeginAt = cfg.Save.Begin.Add(-interval)
		}
	}

	for _, s := range cfg.Streams {
		kind, err := s.CommandKind()
		if err != nil {
			return nil, err
		}
		bufLen := dasconfig.HandleBufferBytes(s, cfg.HandleIntervalSeconds)
		ring, err := NewRing(s.Name, cfg.PingPongSize, bufLen, tasks, nowFunc)
		if err != nil {
			return nil, err
		}
		entry := &streamEntry{ring: ring, desc: s, rawBodyLen: cfg.RawPointCount * 2, strictBeginAt: strictBeginAt}
		m.byKind[kind] = entry
	}
	return m, nil
}

// HandleCommand is an ingest.CommandSubscriber: it applies the
// strict-begin gate and body-length validation, then appends the
// stream's valid-point slice to its ring.
func (m *Manager) HandleCommand(ev ingest.CommandEvent) {
	entry, ok := m.byKind[ev.Kind]
	if !ok {
		return
	}

	if !entry.strictBeginAt.IsZero() && m.now().Before(entry.strictBeginAt) {
		return
	}

	if len(ev.Body) != entry.rawBodyLen {
		if m.logger != nil {
			m.logger.Warn("dropping frame with unexpected body length",
				"stream", entry.desc.Name, "got", len(ev.Body), "want", entry.rawBodyLen)
		}
		return
	}

	lo, hi := entry.desc.ValidLo*2, entry.desc.ValidHi*2
	entry.ring.Append(ev.Body[lo:hi])
}

// Ring returns the ring of the stream configured for kind. RingByName
// is the by-name lookup the persister uses.
func (m *Manager) Ring(kind wireproto.CommandKind) (*Ring, bool) {
	entry, ok := m.byKind[kind]
	if !ok {
		return nil, false
	}
	return entry.ring, true
}

// RingByName returns the ring for a configured stream by name.
func (m *Manager) RingByName(cfg *dasconfig.Config, name string) (*Ring, bool) {
	s, ok := cfg.StreamByName(name)
	if !ok {
		return nil, false
	}
	kind, err := s.CommandKind()
	if err != nil {
		return nil, false
	}
	return m.Ring(kind)
}
