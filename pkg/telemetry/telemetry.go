// Package telemetry rolls up loss-accounting summaries into a Parquet
// file for later operational review, one row per summary tick.
package telemetry

import (
	"fmt"
	"os"

	"github.com/rfsensing/das-host/pkg/lossacct"
	"github.com/segmentio/parquet-go"
)

// lossRow is one lossacct summary tick, the unit this writer persists.
type lossRow struct {
	UnixNano         int64   `parquet:"unix_nano"`
	IntervalCount    int64   `parquet:"interval_count"`
	IntervalLossRate float64 `parquet:"interval_loss_rate"`
	GlobalCount      int64   `parquet:"global_count"`
	GlobalLossRate   float64 `parquet:"global_loss_rate"`
	MaxIntervalLoss  float64 `parquet:"max_interval_loss"`
}

// Writer appends lossacct.Reading values to a Parquet file, one row
// per call to Sink.
type Writer struct {
	file   *os.File
	writer *parquet.GenericWriter[lossRow]
}

// Open creates (or truncates) a Parquet file at path for loss-rate
// telemetry rows.
func Open(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", path, err)
	}
	return &Writer{
		file:   f,
		writer: parquet.NewGenericWriter[lossRow](f),
	}, nil
}

// Sink adapts Writer to lossacct.Sink. Write errors are swallowed into
// a best-effort write; telemetry must never block or crash acquisition.
func (w *Writer) Sink() lossacct.Sink {
	return func(r lossacct.Reading) {
		row := lossRow{
			UnixNano:         r.Now.UnixNano(),
			IntervalCount:    r.IntervalCount,
			IntervalLossRate: r.IntervalLossRate,
			GlobalCount:      r.GlobalCount,
			GlobalLossRate:   r.GlobalLossRate,
			MaxIntervalLoss:  r.MaxIntervalLoss,
		}
		_, _ = w.writer.Write([]lossRow{row})
	}
}

// Close flushes and closes the underlying Parquet writer and file.
func (w *Writer) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("telemetry: close writer: %w", err)
	}
	return w.file.Close()
}
