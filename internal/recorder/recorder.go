// Package recorder wires the ingest stage, the measurement assembler and the
// persistence worker into one pipeline and owns their goroutines.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/assembler"
	"sleepywoodpecker/rp-iq-recorder/internal/handoff"
	"sleepywoodpecker/rp-iq-recorder/internal/ingest"
	"sleepywoodpecker/rp-iq-recorder/internal/persist"
	"sleepywoodpecker/rp-iq-recorder/internal/stats"
)

const settlePoll = time.Millisecond

var ErrNotStarted = errors.New("[recorder] not started")

type Config struct {
	Channels         int
	ItemSize         int
	BufferSamples    int
	MaxPacketSamples int
	MaxWindowSamples int
	Persist          persist.Config
}

// Recorder is driven by a single producer goroutine (BeginWindow,
// RecordTimestamp, Feed, Next, Flush). Stats and LogSummary may be called
// from anywhere.
type Recorder struct {
	cfg    Config
	logger *zap.Logger

	ingest    *ingest.Stage
	assembler *assembler.Assembler
	out       *handoff.Slot[*assembler.Measurement]
	persist   *persist.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    error
	started bool
}

// New allocates every buffer of the pipeline up front and creates the output
// directory on fs. No goroutine runs until Start.
func New(cfg Config, fs afero.Fs, logger *zap.Logger) (*Recorder, error) {
	stage, err := ingest.New(ingest.Config{
		Channels:      cfg.Channels,
		ItemSize:      cfg.ItemSize,
		BufferSamples: cfg.BufferSamples,
		MarginSamples: cfg.MaxPacketSamples,
	}, logger)
	if err != nil {
		return nil, err
	}

	out := handoff.New[*assembler.Measurement]()
	asm, err := assembler.New(assembler.Config{
		Channels:         cfg.Channels,
		ItemSize:         cfg.ItemSize,
		MaxWindowSamples: cfg.MaxWindowSamples,
	}, out, logger)
	if err != nil {
		return nil, err
	}

	worker, err := persist.NewWorker(cfg.Persist, fs, out, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("[recorder] pipeline initialized",
		zap.Int("channels", cfg.Channels),
		zap.Int("itemSize", cfg.ItemSize),
		zap.Int("bufferSamples", cfg.BufferSamples),
		zap.Int("maxWindowSamples", cfg.MaxWindowSamples),
	)

	return &Recorder{
		cfg:       cfg,
		logger:    logger,
		ingest:    stage,
		assembler: asm,
		out:       out,
		persist:   worker,
	}, nil
}

// Start launches the ingest consumer and the persistence worker. They run
// until ctx is cancelled or Shutdown is called.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.run(func() error { return r.ingest.Run(ctx, r.assembler) })
	r.run(func() error { return r.persist.Run(ctx) })
}

func (r *Recorder) run(fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil {
			r.mu.Lock()
			r.errs = multierr.Append(r.errs, err)
			r.mu.Unlock()
		}
	}()
}

// BeginWindow starts a new measurement of window samples per channel, saved
// under tag. Samples buffered for the previous window are abandoned.
func (r *Recorder) BeginWindow(window int, tag uint32) error {
	r.ingest.Reset()
	if err := r.assembler.Reset(window, tag); err != nil {
		return err
	}
	r.logger.Debug("[recorder] window armed", zap.Int("window", window), zap.Uint32("tag", tag))
	return nil
}

// RecordTimestamp stamps the current window with now + offsetMicros.
func (r *Recorder) RecordTimestamp(offsetMicros uint64) {
	r.assembler.RecordTimestamp(offsetMicros)
}

// Feed copies n samples per channel into the pipeline.
func (r *Recorder) Feed(batch [][]byte, n int) error {
	return r.ingest.Append(batch, n)
}

// Next commits n samples written in place and returns the next write regions.
func (r *Recorder) Next(n int) ([][]byte, error) {
	return r.ingest.Next(n)
}

// Flush hands the partially filled ingest buffer to the consumer.
func (r *Recorder) Flush() bool {
	return r.ingest.Flush()
}

// Settle blocks until every handed-off buffer has been assembled and every
// published measurement has been written, or ctx is done. Polling reads the
// slots without locking them, so it may run while Feed is still publishing.
func (r *Recorder) Settle(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		// ingest first: its consumer publishes to the writer before going idle
		if !r.ingest.Pending() && !r.out.Pending() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops both goroutines, waits for them to return and reports their
// combined error. Work still in a slot is not processed.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	r.logger.Info("[recorder] shutting down")
	cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}

func (r *Recorder) Stats() stats.Snapshot {
	return stats.Snapshot{
		Ingest:    r.ingest.Stats(),
		Assembler: r.assembler.Stats(),
		Persist:   r.persist.Stats(),
	}
}

func (r *Recorder) LogSummary() {
	stats.LogSummary(r.logger, r.Stats())
}
