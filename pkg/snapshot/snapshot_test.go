package snapshot

import (
	"testing"

	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/rfsensing/das-host/pkg/ingest"
	"github.com/rfsensing/das-host/pkg/wireproto"
)

func testConfig() *dasconfig.Config {
	return &dasconfig.Config{
		RawPointCount: 4,
		Streams: []dasconfig.StreamDescriptor{
			{Name: "vib", Kind: "VibDemod", ValidLo: 0, ValidHi: 2},
		},
		Snapshot: dasconfig.SnapshotConfig{
			Enable:  true,
			Streams: []string{"vib"},
		},
	}
}

func TestHandleCommandUpdatesSlot(t *testing.T) {
	cfg := testConfig()
	s, err := NewSurface(cfg, nil, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	s.HandleCommand(ingest.CommandEvent{Kind: wireproto.VibDemod, Body: []byte{1, 2, 3, 4}})

	got, err := s.Read(cfg, "vib")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("got % X, want 01 02 03 04", got)
	}
}

func TestHandleCommandIgnoresUnconfiguredKind(t *testing.T) {
	cfg := testConfig()
	s, err := NewSurface(cfg, nil, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	s.HandleCommand(ingest.CommandEvent{Kind: wireproto.Intensity, Body: []byte{9, 9, 9, 9}})

	if _, ok := s.byKind[wireproto.Intensity]; ok {
		t.Fatalf("unconfigured kind should not have allocated a slot")
	}
}

func TestHandleCommandDropsOnContention(t *testing.T) {
	cfg := testConfig()
	s, err := NewSurface(cfg, nil, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	sl := s.byKind[wireproto.VibDemod]
	sl.mu.Lock() // simulate a reader holding the slot

	s.HandleCommand(ingest.CommandEvent{Kind: wireproto.VibDemod, Body: []byte{5, 5, 5, 5}})

	if sl.buf[0] == 5 {
		t.Fatalf("write should have been dropped while slot was locked")
	}
	sl.mu.Unlock()
}

func TestHandleCommandDropsWrongBodyLength(t *testing.T) {
	cfg := testConfig()
	s, err := NewSurface(cfg, nil, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	s.HandleCommand(ingest.CommandEvent{Kind: wireproto.VibDemod, Body: []byte{1, 2}})

	got, err := s.Read(cfg, "vib")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("short body should have been dropped, slot = % X", got)
		}
	}
}

func TestBroadcastTagsFrameWithStreamIndex(t *testing.T) {
	hub := NewHub([]string{"vib"})
	cfg := testConfig()
	s, err := NewSurface(cfg, hub, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}

	client := &Client{send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.clients[client] = true
	hub.mu.Unlock()

	s.HandleCommand(ingest.CommandEvent{Kind: wireproto.VibDemod, Body: []byte{7, 7, 7, 7}})

	select {
	case frame := <-client.send:
		if frame[0] != 0 {
			t.Fatalf("stream index = %d, want 0", frame[0])
		}
		if string(frame[1:]) != "\x07\x07\x07\x07" {
			t.Fatalf("frame body = % X, want 07 07 07 07", frame[1:])
		}
	default:
		t.Fatalf("expected a broadcast frame")
	}
}

func TestBroadcastDropsOnFullClientBuffer(t *testing.T) {
	hub := NewHub([]string{"vib"})
	client := &Client{send: make(chan []byte)} // unbuffered, never drained
	hub.mu.Lock()
	hub.clients[client] = true
	hub.mu.Unlock()

	// Must not block even though nothing ever reads from client.send.
	hub.Broadcast("vib", []byte{1, 2})
}

func TestReadUnknownStreamErrors(t *testing.T) {
	cfg := testConfig()
	s, err := NewSurface(cfg, nil, "")
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	if _, err := s.Read(cfg, "nope"); err == nil {
		t.Fatalf("expected an error for an unconfigured stream name")
	}
}
