package ingest

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// RateLimitedErrorLogger coalesces repeated codec failures to at most
// one log line per interval. Register its HandleError method as a
// Receiver error subscriber.
type RateLimitedErrorLogger struct {
	logger   *log.Logger
	interval time.Duration

	mu        sync.Mutex
	last      time.Time
	suppressed int
}

// NewRateLimitedErrorLogger builds a logger that emits at most one
// line per interval, rolling any suppressed count into the next line.
func NewRateLimitedErrorLogger(logger *log.Logger, interval time.Duration) *RateLimitedErrorLogger {
	return &RateLimitedErrorLogger{logger: logger, interval: interval}
}

// HandleError is an ErrorSubscriber.
func (l *RateLimitedErrorLogger) HandleError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		l.suppressed++
		return
	}
	suppressed := l.suppressed
	l.suppressed = 0
	l.last = now

	if suppressed > 0 {
		l.logger.Warn("malformed frame", "err", err, "suppressed", suppressed)
	} else {
		l.logger.Warn("malformed frame", "err", err)
	}
}
