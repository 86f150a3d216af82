// Package lossacct tracks how many of a designated "gist" stream's
// frames actually arrived against the theoretical count implied by
// its nominal sample rate, on a roughly 1 Hz tick.
package lossacct

import (
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rfsensing/das-host/pkg/ingest"
	"github.com/rfsensing/das-host/pkg/wireproto"
)

// Reading is one tick's loss computation, emitted to an optional sink
// (e.g. the Parquet telemetry rollup) alongside the log lines.
type Reading struct {
	Now              time.Time
	IntervalCount    int64
	IntervalLossRate float64
	GlobalCount      int64
	GlobalLossRate   float64
	MaxIntervalLoss  float64
}

// Sink receives one Reading per summary tick (every
// summaryEvery ticks, not every 1 Hz tick).
type Sink func(Reading)

// Accountant counts frames of one gist stream and periodically
// compares the count to the theoretical frame count implied by
// nominalRate.
type Accountant struct {
	gistKind    wireproto.CommandKind
	nominalRate float64
	summaryEvery int

	logger *log.Logger
	sink   Sink
	now    func() time.Time

	mu sync.Mutex

	globalStart  time.Time
	globalCount  int64
	weightedLoss float64 // sum of interval_loss_rate * interval_count, for the weighted global average
	maxInterval  float64

	intervalStart time.Time
	intervalCount int64

	ticks int
}

// New builds an Accountant for the named gist stream. summaryEvery is
// the number of 1 Hz ticks between INFO summary lines.
func New(gistKind wireproto.CommandKind, nominalRate float64, summaryEvery int, logger *log.Logger, sink Sink, nowFunc func() time.Time) *Accountant {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	if summaryEvery < 1 {
		summaryEvery = 1
	}
	return &Accountant{
		gistKind:     gistKind,
		nominalRate:  nominalRate,
		summaryEvery: summaryEvery,
		logger:       logger,
		sink:         sink,
		now:          nowFunc,
	}
}

// HandleCommand is an ingest.CommandSubscriber: it counts frames of
// the gist stream only.
func (a *Accountant) HandleCommand(ev ingest.CommandEvent) {
	if ev.Kind != a.gistKind {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.globalStart.IsZero() {
		a.globalStart = now
		a.intervalStart = now
	}
	a.globalCount++
	a.intervalCount++
}

// Tick runs one ~1 Hz accounting step: computes the interval loss
// rate over everything accumulated since the last summary, logs DEBUG
// every tick and INFO every summaryEvery ticks, and resets the
// interval counters (never the global ones) only when the summary
// fires.
func (a *Accountant) Tick() {
	a.mu.Lock()

	now := a.now()
	if a.intervalStart.IsZero() {
		a.mu.Unlock()
		return
	}

	elapsed := now.Sub(a.intervalStart).Seconds()
	theoretical := int64(math.Round(elapsed * a.nominalRate))

	var lossRate float64
	if theoretical > 0 {
		lossRate = 1 - float64(a.intervalCount)/float64(theoretical)
		if lossRate < 0 {
			lossRate = 0
		}
	}
	a.ticks++
	emitSummary := a.ticks%a.summaryEvery == 0

	// An interval closes only on a summary tick: only then is its rate
	// compared against the max and added to the global average.
	// global_loss_rate is the weighted average of interval rates over
	// the run, weighted by each interval's observed frame count.
	if emitSummary {
		if lossRate > a.maxInterval {
			a.maxInterval = lossRate
		}
		a.weightedLoss += lossRate * float64(a.intervalCount)
	}
	var globalLossRate float64
	if a.globalCount > 0 {
		globalLossRate = a.weightedLoss / float64(a.globalCount)
	}

	intervalCount := a.intervalCount
	globalCount := a.globalCount
	maxInterval := a.maxInterval

	if emitSummary {
		a.intervalCount = 0
		a.intervalStart = now
	}

	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Debug("frame loss tick",
			"stream", a.gistKind, "interval_count", intervalCount,
			"theoretical", theoretical, "loss_rate", lossRate)
	}

	if !emitSummary {
		return
	}

	if a.logger != nil {
		a.logger.Info("frame loss summary",
			"stream", a.gistKind,
			"interval_loss_rate", lossRate,
			"global_loss_rate", globalLossRate,
			"max_interval_loss", maxInterval,
			"global_count", globalCount)
	}
	if a.sink != nil {
		a.sink(Reading{
			Now:              now,
			IntervalCount:    intervalCount,
			IntervalLossRate: lossRate,
			GlobalCount:      globalCount,
			GlobalLossRate:   globalLossRate,
			MaxIntervalLoss:  maxInterval,
		})
	}
}

// Run drives Tick on a 1 Hz ticker until stop closes.
func (a *Accountant) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}
