package main

import (
	"context"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/dasconfig"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "dashost.yaml", "Path to the host's YAML configuration file.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}

	cfg, err := dasconfig.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if level, parseErr := log.ParseLevel(cfg.LogLevel); parseErr == nil {
		logger.SetLevel(level)
	}

	controller, err := NewController(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build controller", "err", err)
	}

	if cfg.Snapshot.Enable && cfg.Snapshot.ListenAddr != "" {
		go serveSnapshotHub(logger, cfg.Snapshot.ListenAddr, controller)
	}

	logger.Info("starting acquisition", "local", cfg.LocalAddr, "remote", cfg.RemoteAddr)
	if err := controller.Run(context.Background()); err != nil {
		logger.Fatal("controller exited with error", "err", err)
	}
	logger.Info("shutdown complete")
}

// serveSnapshotHub exposes the live snapshot surface's websocket hub
// at /ws.
func serveSnapshotHub(logger *log.Logger, addr string, c *Controller) {
	if c.hub() == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", c.hub())
	logger.Info("snapshot hub listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("snapshot hub server exited", "err", err)
	}
}
