// Command dassim plays the interrogator device's side of the wire
// protocol against a das-host process: it answers DasConfig and
// StartStream/StopStream commands and, while streaming, emits
// synthetic analog frames at a configured pulse rate. It replaces the
// need for real hardware when exercising the host end to end.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/wireproto"
	"github.com/spf13/pflag"
)

func main() {
	listenAddr := pflag.StringP("listen", "l", "192.168.1.240:8007", "Address to bind, simulating the interrogator's own UDP endpoint.")
	points := pflag.IntP("points", "n", 2000, "Raw points per pulse (raw_point_count).")
	kindsFlag := pflag.StringP("kinds", "k", "VibDemod", "Comma-separated analog kinds to emit: DiffDemod, VibDemod, Intensity, VibRMS.")
	rateHz := pflag.IntP("rate", "r", 1000, "Pulses per second to emit per kind once streaming is enabled.")
	heartbeatEvery := pflag.DurationP("heartbeat", "b", 5*time.Second, "Heartbeat frame interval, sent regardless of stream state.")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	kinds, err := parseKinds(*kindsFlag)
	if err != nil {
		logger.Fatal("bad --kinds", "err", err)
	}

	laddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		logger.Fatal("resolve listen addr", "err", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		logger.Fatal("listen", "err", err)
	}
	defer conn.Close()

	sim := &simulator{
		conn:   conn,
		points: *points,
		kinds:  kinds,
		rateHz: *rateHz,
		logger: logger,
	}

	go sim.heartbeatLoop(*heartbeatEvery)

	logger.Info("dassim listening", "addr", *listenAddr, "points", *points, "kinds", kindNames(kinds), "rate_hz", *rateHz)
	sim.readLoop()
}

func parseKinds(s string) ([]wireproto.CommandKind, error) {
	var out []wireproto.CommandKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch part {
		case "DiffDemod":
			out = append(out, wireproto.DiffDemod)
		case "VibDemod":
			out = append(out, wireproto.VibDemod)
		case "Intensity":
			out = append(out, wireproto.Intensity)
		case "VibRMS":
			out = append(out, wireproto.VibRMS)
		default:
			return nil, fmt.Errorf("unknown kind %q", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no kinds given")
	}
	return out, nil
}

func kindNames(kinds []wireproto.CommandKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}

// simulator answers the host's handshake and drives the streaming
// goroutines that emit synthetic analog frames.
type simulator struct {
	conn   *net.UDPConn
	points int
	kinds  []wireproto.CommandKind
	rateHz int
	logger *log.Logger

	mu        sync.Mutex
	host      *net.UDPAddr
	streaming bool
	stopCh    chan struct{}
}

// readLoop decodes send-direction frames from the host and drives
// the StartStream/StopStream state transitions.
func (s *simulator) readLoop() {
	params := wireproto.Params{RawBodyLen: s.points * 2}
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.logger.Error("read failed", "err", err)
			continue
		}

		s.mu.Lock()
		s.host = addr
		s.mu.Unlock()

		res := wireproto.Decode(buf[:n], params)
		switch res.Outcome {
		case wireproto.OK:
			s.handleCommand(res.Kind)
		case wireproto.Malformed:
			s.logger.Warn("malformed command frame", "err", res.Err)
		case wireproto.NeedMore:
			s.logger.Warn("short command datagram, ignoring")
		}
	}
}

func (s *simulator) handleCommand(kind wireproto.CommandKind) {
	switch kind {
	case wireproto.DasConfig:
		s.logger.Info("received DasConfig")
	case wireproto.EdfaConfig, wireproto.RamanConfig:
		s.logger.Info("received auxiliary config", "kind", kind)
	case wireproto.StartStream:
		s.startStreaming()
	case wireproto.StopStream:
		s.stopStreaming()
	}
}

func (s *simulator) startStreaming() {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return
	}
	s.streaming = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.logger.Info("streaming started")
	for _, kind := range s.kinds {
		go s.streamKind(kind, stop)
	}
}

func (s *simulator) stopStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return
	}
	s.streaming = false
	close(s.stopCh)
	s.logger.Info("streaming stopped")
}

// streamKind emits one kind's analog frames at rateHz until stop
// closes. Per-point values come from a phase accumulator stepped once
// per frame by a fixed increment of 2*pi/97 (so the pattern repeats
// every 97 frames), the same drift-free
// technique as the continuous sine generator this is adapted from
// (there an integer DDS over audio samples; here a plain float64
// phase over spatial points, since a frame's worth of phase doesn't
// need 2^32 of resolution).
func (s *simulator) streamKind(kind wireproto.CommandKind, stop <-chan struct{}) {
	if s.rateHz <= 0 {
		return
	}
	interval := time.Second / time.Duration(s.rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(int64(kind)))
	body := make([]byte, s.points*2)
	const twoPi = 2.0 * math.Pi
	framePhaseStep := twoPi / 97.0 // arbitrary step; the phase returns to its start every 97 frames
	var framePhase float64

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for p := 0; p < s.points; p++ {
				pointPhase := framePhase + twoPi*float64(p)/float64(s.points)
				val := 2000.0*math.Sin(pointPhase) + (rng.Float64()-0.5)*4
				if val > 32767 {
					val = 32767
				}
				if val < -32768 {
					val = -32768
				}
				binary.LittleEndian.PutUint16(body[p*2:], uint16(int16(val)))
			}
			framePhase += framePhaseStep
			if framePhase > twoPi {
				framePhase -= twoPi
			}

			frame, err := wireproto.EncodeRecvFrame(kind, 0x00, body)
			if err != nil {
				s.logger.Error("encode frame failed", "kind", kind, "err", err)
				continue
			}
			s.send(frame)
		}
	}
}

func (s *simulator) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	body := make([]byte, 32)
	for range ticker.C {
		frame, err := wireproto.EncodeRecvFrame(wireproto.Heartbeat, 0x00, body)
		if err != nil {
			s.logger.Error("encode heartbeat failed", "err", err)
			continue
		}
		s.send(frame)
	}
}

func (s *simulator) send(frame []byte) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(frame, host); err != nil {
		s.logger.Error("send failed", "err", err)
	}
}
