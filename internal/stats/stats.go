// Package stats aggregates the pipeline counters and exposes them to
// Prometheus, to the telemetry push and to the shutdown summary.
package stats

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulbellamy/ratecounter"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/assembler"
	"sleepywoodpecker/rp-iq-recorder/internal/ingest"
	"sleepywoodpecker/rp-iq-recorder/internal/persist"
)

// Snapshot is a point-in-time copy of every stage's counters. Counters are
// read independently, so a snapshot taken under load is only approximately
// consistent across stages.
type Snapshot struct {
	Ingest    ingest.Stats
	Assembler assembler.Stats
	Persist   persist.Stats
}

// Drops is the total number of buffers and windows lost to overload.
func (s Snapshot) Drops() uint64 {
	return s.Ingest.WorkerNotDone + s.Assembler.WorkerNotDone + s.Assembler.WindowsSkipped
}

// Fields flattens the snapshot into name/value pairs, in a stable order.
func (s Snapshot) Fields() []Field {
	return []Field{
		{"ingest_buffers_full", s.Ingest.BuffersFull},
		{"ingest_worker_not_done", s.Ingest.WorkerNotDone},
		{"ingest_samples_total", s.Ingest.SamplesTotal},
		{"ingest_worker_wait", s.Ingest.WorkerWaits},
		{"ingest_worker_executed", s.Ingest.WorkerExecuted},
		{"assembler_samples_total", s.Assembler.SamplesTotal},
		{"assembler_samples_discarded", s.Assembler.SamplesDiscarded},
		{"assembler_measurements_published", s.Assembler.MeasurementsPublished},
		{"assembler_worker_not_done", s.Assembler.WorkerNotDone},
		{"assembler_windows_skipped", s.Assembler.WindowsSkipped},
		{"persist_measurements_saved", s.Persist.MeasurementsSaved},
		{"persist_write_errors", s.Persist.WriteErrors},
		{"persist_bytes_written", s.Persist.BytesWritten},
		{"persist_worker_wait", s.Persist.WorkerWaits},
		{"persist_worker_executed", s.Persist.WorkerExecuted},
	}
}

type Field struct {
	Name  string
	Value uint64
}

// Rates turns successive snapshots into per-second sample and measurement rates.
type Rates struct {
	samples      *ratecounter.RateCounter
	measurements *ratecounter.RateCounter
	window       time.Duration
	last         Snapshot
}

func NewRates(window time.Duration) *Rates {
	return &Rates{
		samples:      ratecounter.NewRateCounter(window),
		measurements: ratecounter.NewRateCounter(window),
		window:       window,
	}
}

// Observe feeds the counter deltas since the previous call.
func (r *Rates) Observe(s Snapshot) {
	r.samples.Incr(int64(s.Ingest.SamplesTotal - r.last.Ingest.SamplesTotal))
	r.measurements.Incr(int64(s.Persist.MeasurementsSaved - r.last.Persist.MeasurementsSaved))
	r.last = s
}

func (r *Rates) SamplesPerSecond() float64 {
	return float64(r.samples.Rate()) / r.window.Seconds()
}

func (r *Rates) MeasurementsPerSecond() float64 {
	return float64(r.measurements.Rate()) / r.window.Seconds()
}

// LogSummary prints the per-stage counters the way an operator reads them at exit.
func LogSummary(logger *zap.Logger, s Snapshot) {
	logger.Info("[stats] ingest",
		zap.Uint64("buffersFull", s.Ingest.BuffersFull),
		zap.Uint64("workerNotDone", s.Ingest.WorkerNotDone),
		zap.String("samplesTotal", humanize.Comma(int64(s.Ingest.SamplesTotal))),
		zap.Uint64("workerWait", s.Ingest.WorkerWaits),
		zap.Uint64("workerExecuted", s.Ingest.WorkerExecuted),
	)
	logger.Info("[stats] measurement",
		zap.Uint64("measurementsSaved", s.Persist.MeasurementsSaved),
		zap.String("samplesTotal", humanize.Comma(int64(s.Assembler.SamplesTotal))),
		zap.Uint64("workerNotDone", s.Assembler.WorkerNotDone),
		zap.Uint64("windowsSkipped", s.Assembler.WindowsSkipped),
		zap.Uint64("workerWait", s.Persist.WorkerWaits),
		zap.Uint64("workerExecuted", s.Persist.WorkerExecuted),
		zap.Uint64("writeErrors", s.Persist.WriteErrors),
		zap.String("written", humanize.Bytes(s.Persist.BytesWritten)),
	)
}

// String renders a one-line human summary.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s samples in, %d saved (%s), %d dropped",
		humanize.Comma(int64(s.Ingest.SamplesTotal)),
		s.Persist.MeasurementsSaved,
		humanize.Bytes(s.Persist.BytesWritten),
		s.Drops(),
	)
}
