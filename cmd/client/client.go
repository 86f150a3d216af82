// Command client is a minimal viewer for the live snapshot surface's
// websocket hub: it connects to /ws and prints each tagged frame's
// stream index and byte length as they arrive.
package main

import (
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

func main() {
	host := pflag.StringP("host", "H", "localhost:8080", "Host:port the das-host snapshot hub is listening on.")
	count := pflag.IntP("count", "n", 50, "Number of frames to read before exiting, 0 for unlimited.")
	pflag.Parse()

	logger := log.Default()
	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Fatal("dial failed", "err", err)
	}
	defer conn.Close()

	start := time.Now()
	for i := 0; *count == 0 || i < *count; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed", "err", err, "frames_read", i)
			return
		}
		if len(msg) == 0 {
			continue
		}
		logger.Info("frame", "stream_index", msg[0], "bytes", len(msg)-1, "elapsed", time.Since(start))
	}
}
