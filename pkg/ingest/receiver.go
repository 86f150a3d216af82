// Package ingest owns the UDP socket the device streams frames over
// and turns a sequence of arbitrarily-chunked datagrams into an
// ordered sequence of decoded commands, dispatched synchronously to
// subscribers.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rfsensing/das-host/pkg/wireproto"
)

// maxFrameSize bounds the rolling buffer when no complete frame can be
// found.
const maxFrameSize = 5000

// CommandEvent is a decoded frame handed to command subscribers. Body
// is a copy, safe for the subscriber to retain past the callback.
type CommandEvent struct {
	Kind wireproto.CommandKind
	Head2 byte
	Body []byte
}

// CommandSubscriber handles one decoded frame. Must not block: it runs
// synchronously on the receiver's read loop.
type CommandSubscriber func(CommandEvent)

// ErrorSubscriber handles one malformed-frame or socket error. Must
// not block.
type ErrorSubscriber func(error)

// Receiver owns the UDP socket, the rolling receive buffer, and the
// registered subscribers. It is the only writer of its buffer; all
// other packages see only CommandEvent/error callbacks.
type Receiver struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	params wireproto.Params

	buf []byte

	enabled atomic.Bool

	commandSubs []CommandSubscriber
	errorSubs   []ErrorSubscriber
}

// New binds a UDP socket at localAddr and restricts accepted datagrams
// to remoteAddr. rawBodyLen is raw_point_count*2, the expected body
// length for the four analog-stream kinds.
func New(localAddr, remoteAddr string, rawBodyLen int) (*Receiver, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve local addr %q: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve remote addr %q: %w", remoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen %s: %w", localAddr, err)
	}
	return &Receiver{
		conn:   conn,
		remote: raddr,
		params: wireproto.Params{RawBodyLen: rawBodyLen},
		buf:    make([]byte, 0, 2*maxFrameSize),
	}, nil
}

// OnCommand registers a command subscriber, invoked in registration order.
func (r *Receiver) OnCommand(sub CommandSubscriber) { r.commandSubs = append(r.commandSubs, sub) }

// OnError registers an error subscriber, invoked in registration order.
func (r *Receiver) OnError(sub ErrorSubscriber) { r.errorSubs = append(r.errorSubs, sub) }

// Enable allows decoded commands to reach command subscribers.
// Disabled receivers still drain the socket and trim the rolling
// buffer, so that datagrams arriving during the device handshake
// don't accumulate unbounded; they're decoded and discarded.
func (r *Receiver) Enable()  { r.enabled.Store(true) }
func (r *Receiver) Disable() { r.enabled.Store(false) }
func (r *Receiver) Enabled() bool { return r.enabled.Load() }

// Close releases the underlying socket.
func (r *Receiver) Close() error { return r.conn.Close() }

// Send writes an already-encoded command frame (built with one of
// wireproto's EncodeX helpers) to the configured remote.
func (r *Receiver) Send(frame []byte) error {
	_, err := r.conn.WriteToUDP(frame, r.remote)
	if err != nil {
		return fmt.Errorf("ingest: send: %w", err)
	}
	return nil
}

// Run reads datagrams until ctx is cancelled, feeding each into the
// rolling buffer and draining complete frames. It owns the receive
// worker's scheduler: everything here runs on one goroutine.
func (r *Receiver) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	packet := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, addr, err := r.conn.ReadFromUDP(packet)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("ingest: read: %w", err)
		}
		if !addr.IP.Equal(r.remote.IP) || addr.Port != r.remote.Port {
			continue
		}
		r.buf = append(r.buf, packet[:n]...)
		r.drain()
	}
}

// drain repeatedly locates and decodes frame boundaries in the rolling
// buffer, stopping when no further frame can be completed from the
// buffered bytes.
func (r *Receiver) drain() {
	start := wireproto.RecvStartMarker()
	end := wireproto.RecvEndMarker()

	for {
		front := bytes.Index(r.buf, start)
		if front < 0 {
			if len(r.buf) > len(start) {
				r.trimTo(r.buf[len(r.buf)-len(start):])
			}
			return
		}

		rear := bytes.LastIndex(r.buf, end)
		if rear <= front {
			rest := r.buf[front:]
			if len(rest) > maxFrameSize {
				rest = rest[len(rest)-maxFrameSize:]
			}
			r.trimTo(rest)
			return
		}

		res := wireproto.Decode(r.buf[front:rear+2], r.params)
		switch res.Outcome {
		case wireproto.NeedMore:
			return
		case wireproto.Malformed:
			r.emitError(res.Err)
			r.trimTo(r.buf[front+1:])
		case wireproto.OK:
			consumed := front + res.Consumed
			if r.enabled.Load() {
				body := append([]byte(nil), res.Body...)
				r.emitCommand(CommandEvent{Kind: res.Kind, Head2: res.Head2, Body: body})
			}
			r.trimTo(r.buf[consumed:])
		}
	}
}

// trimTo replaces r.buf with kept, which must alias r.buf's backing
// array (a suffix of it). It copies kept to the front of the backing
// array so the buffer never grows past its high-water mark.
func (r *Receiver) trimTo(kept []byte) {
	n := copy(r.buf, kept)
	r.buf = r.buf[:n]
}

func (r *Receiver) emitCommand(ev CommandEvent) {
	for _, sub := range r.commandSubs {
		sub(ev)
	}
}

func (r *Receiver) emitError(err error) {
	for _, sub := range r.errorSubs {
		sub(err)
	}
}
