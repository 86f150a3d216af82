package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/rfsensing/das-host/pkg/ingest"
	"github.com/rfsensing/das-host/pkg/lossacct"
	"github.com/rfsensing/das-host/pkg/persist"
	"github.com/rfsensing/das-host/pkg/reassemble"
	"github.com/rfsensing/das-host/pkg/snapshot"
	"github.com/rfsensing/das-host/pkg/telemetry"
	"github.com/rfsensing/das-host/pkg/wireproto"
)

// Controller builds and wires every component and drives the
// acquisition and persist workers through the device handshake.
type Controller struct {
	cfg    *dasconfig.Config
	logger *log.Logger

	receiver  *ingest.Receiver
	rings     *reassemble.Manager
	accountant *lossacct.Accountant
	persister *persist.Persister
	surface   *snapshot.Surface
	snapHub   *snapshot.Hub
	telem     *telemetry.Writer

	tasks chan reassemble.Task
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewController ensures the save directory exists, allocates every
// ping-pong ring, save cache, and snapshot slot, and registers the
// receiver's command subscribers.
func NewController(cfg *dasconfig.Config, logger *log.Logger) (*Controller, error) {
	if err := os.MkdirAll(cfg.Save.Path, 0o755); err != nil {
		return nil, fmt.Errorf("controller: ensure save directory: %w", err)
	}

	receiver, err := ingest.New(cfg.LocalAddr, cfg.RemoteAddr, cfg.RawPointCount*2)
	if err != nil {
		return nil, fmt.Errorf("controller: build receiver: %w", err)
	}

	tasks := make(chan reassemble.Task, 64)
	rings, err := reassemble.NewManager(cfg, tasks, logger, time.Now)
	if err != nil {
		return nil, fmt.Errorf("controller: build reassembly rings: %w", err)
	}

	persister, err := persist.New(cfg, rings, tasks, logger, time.Now)
	if err != nil {
		return nil, fmt.Errorf("controller: build persister: %w", err)
	}

	var hub *snapshot.Hub
	if cfg.Snapshot.Enable {
		hub = snapshot.NewHub(cfg.Snapshot.Streams)
	}
	var shmPrefix string
	if cfg.Snapshot.Enable {
		shmPrefix = "dassnap-"
	}
	surface, err := snapshot.NewSurface(cfg, hub, shmPrefix)
	if err != nil {
		return nil, fmt.Errorf("controller: build snapshot surface: %w", err)
	}

	var telem *telemetry.Writer
	if cfg.Telemetry.Enable {
		telem, err = telemetry.Open(cfg.Telemetry.ParquetPath)
		if err != nil {
			return nil, fmt.Errorf("controller: open telemetry sink: %w", err)
		}
	}

	var sink lossacct.Sink
	if telem != nil {
		sink = telem.Sink()
	}
	var gistKind wireproto.CommandKind
	var nominalRate float64
	if cfg.GistStream != "" {
		desc, _ := cfg.StreamByName(cfg.GistStream)
		gistKind, _ = desc.CommandKind()
		nominalRate = float64(desc.SampleRateHz)
	}
	accountant := lossacct.New(gistKind, nominalRate, cfg.LossCounterIntervalSeconds, logger, sink, time.Now)

	rateLimitedLog := ingest.NewRateLimitedErrorLogger(logger, 5*time.Second)
	receiver.OnError(rateLimitedLog.HandleError)
	receiver.OnCommand(rings.HandleCommand)
	receiver.OnCommand(accountant.HandleCommand)
	if cfg.Snapshot.Enable {
		receiver.OnCommand(surface.HandleCommand)
	}

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		receiver:   receiver,
		rings:      rings,
		accountant: accountant,
		persister:  persister,
		surface:    surface,
		snapHub:    hub,
		telem:      telem,
		tasks:      tasks,
		stop:       make(chan struct{}),
	}
	return c, nil
}

// Run spawns the persist and acquisition workers, blocks until ctx is
// cancelled, an OS interrupt/terminate signal arrives, or either
// worker exits on its own, then performs a clean shutdown: set exit
// event, send StopStream, join workers. A save-file write failure is
// fatal: the persist worker aborts and Run tears down and returns it.
func (c *Controller) Run(ctx context.Context) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	persistErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		persistErr <- c.persister.Run(c.stop)
	}()

	acquireErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		acquireErr <- c.runAcquisition(sigCtx)
	}()

	var runErr error
	select {
	case <-sigCtx.Done():
	case err := <-acquireErr:
		if err != nil {
			c.logger.Error("acquisition worker exited early", "err", err)
		}
	case err := <-persistErr:
		if err != nil {
			c.logger.Error("persist worker exited", "err", err)
			runErr = err
		}
	}

	close(c.stop)
	stopSignals() // cancels sigCtx so the acquisition worker's receive loop returns
	c.wg.Wait()
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runAcquisition performs the device handshake (DasConfig, 200ms,
// StartStream, 200ms), then enables the receiver and runs the
// loss-accountant tick loop until ctx is cancelled, then sends
// StopStream on the way out.
func (c *Controller) runAcquisition(ctx context.Context) error {
	if err := c.handshakeStart(); err != nil {
		return fmt.Errorf("controller: device handshake: %w", err)
	}

	c.receiver.Enable()
	go c.accountant.Run(c.stop)

	err := c.receiver.Run(ctx)

	c.receiver.Disable()
	if sendErr := c.handshakeStop(); sendErr != nil {
		c.logger.Error("failed to send StopStream", "err", sendErr)
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// handshakeStart sends DasConfig then StartStream, each followed by
// the 200ms settle the known device needs.
func (c *Controller) handshakeStart() error {
	var requests []wireproto.DasConfigRequest
	for _, s := range c.cfg.Streams {
		kind, err := s.CommandKind()
		if err != nil {
			return err
		}
		requests = append(requests, wireproto.DasConfigRequest{Kind: kind, Channel: s.Channel})
	}

	frame, err := wireproto.EncodeDasConfig(c.cfg.PulseWidthNS, requests, c.cfg.OpticalSwitchFlags, c.cfg.OpticalSwitchCounterThreshold)
	if err != nil {
		return fmt.Errorf("encode DasConfig: %w", err)
	}
	if err := c.receiver.Send(frame); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	frame, err = wireproto.EncodeStartStream()
	if err != nil {
		return fmt.Errorf("encode StartStream: %w", err)
	}
	if err := c.receiver.Send(frame); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	c.logger.Info("device handshake complete", "streams", len(c.cfg.Streams))
	return nil
}

func (c *Controller) handshakeStop() error {
	frame, err := wireproto.EncodeStopStream()
	if err != nil {
		return fmt.Errorf("encode StopStream: %w", err)
	}
	return c.receiver.Send(frame)
}

// hub returns the live snapshot surface's websocket hub, or nil if
// the snapshot surface is disabled.
func (c *Controller) hub() *snapshot.Hub { return c.snapHub }

// Close releases the receiver socket, snapshot mirrors, and telemetry
// sink. Run calls it on the way out; call it directly only for a
// Controller whose Run was never started.
func (c *Controller) Close() error {
	c.surface.Close()
	if c.telem != nil {
		if err := c.telem.Close(); err != nil {
			c.logger.Error("telemetry close failed", "err", err)
		}
	}
	return c.receiver.Close()
}
