// Command shmreader attaches to one stream's shared-memory snapshot
// mirror and prints head movement, standing in for an external
// plotter or audio sampler that wants lower latency than the
// websocket hub.
package main

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/shm_ring"
	"github.com/spf13/pflag"
)

func main() {
	name := pflag.StringP("shm", "s", "dassnap-vib", "Shared memory ring name, as passed to snapshot.NewSurface's shmPrefix+stream.")
	poll := pflag.DurationP("poll", "p", 500*time.Millisecond, "Poll interval.")
	pflag.Parse()

	logger := log.Default()

	ring, err := shm_ring.Open(*name)
	if err != nil {
		logger.Fatal("open shm ring", "err", err)
	}
	defer ring.Close()

	data := ring.Data()
	logger.Info("reading from shm", "name", *name, "size", len(data))

	var lastTail uint64
	for range time.Tick(*poll) {
		head, tail := ring.Pointers()
		if head == lastTail {
			continue
		}

		moved := head - lastTail
		if head < lastTail {
			moved = uint64(len(data)) - lastTail + head
		}

		peek := head
		if peek+8 > uint64(len(data)) {
			peek = 0
		}
		logger.Info("snapshot update", "head", head, "tail", tail, "moved_bytes", moved, "sample", data[peek:peek+8])

		ring.AdvanceTail(head)
		lastTail = head
	}
}
