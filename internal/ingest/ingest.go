// Package ingest is the double-buffered front of the recording pipeline.
//
// A single producer (the sample source) writes into one of two buffer sets.
// When the writable set has reached the swap threshold it is handed to the
// consumer goroutine through a handoff.Slot and the producer continues in the
// other set. If the consumer is still busy the filled set is dropped and the
// producer starts over in the same set, so the producer never waits.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/handoff"
)

var (
	ErrOverflow      = errors.New("[ingest] buffer capacity exceeded")
	ErrChannelCount  = errors.New("[ingest] batch channel count does not match")
	ErrShortBatch    = errors.New("[ingest] batch shorter than sample count")
	ErrInvalidConfig = errors.New("[ingest] invalid configuration")
)

type Config struct {
	Channels      int // one buffer per channel in each set
	ItemSize      int // bytes per complex sample
	BufferSamples int // swap threshold
	MarginSamples int // room past the threshold, at least one packet
}

// Capacity is the number of samples allocated per channel buffer.
func (c Config) Capacity() int {
	return c.BufferSamples + c.MarginSamples
}

func (c Config) validate() error {
	switch {
	case c.Channels < 1:
		return fmt.Errorf("%w: channels must be >= 1, got %d", ErrInvalidConfig, c.Channels)
	case c.ItemSize < 1:
		return fmt.Errorf("%w: item size must be >= 1, got %d", ErrInvalidConfig, c.ItemSize)
	case c.BufferSamples < 1:
		return fmt.Errorf("%w: buffer samples must be >= 1, got %d", ErrInvalidConfig, c.BufferSamples)
	case c.MarginSamples < 1:
		return fmt.Errorf("%w: margin samples must be >= 1, got %d", ErrInvalidConfig, c.MarginSamples)
	}
	return nil
}

// Buffer identifies a filled set and how many samples per channel it holds.
// It is the value that travels through the handoff slot.
type Buffer struct {
	Set     int
	Samples int
}

// Sink receives filled buffers on the consumer goroutine. batch holds one
// slice per channel, each exactly n samples long; it is only valid for the
// duration of the call.
type Sink interface {
	Feed(batch [][]byte, n int)
}

type Stage struct {
	cfg    Config
	sets   [2][][]byte
	slot   *handoff.Slot[Buffer]
	logger *zap.Logger

	// producer-owned
	writable      int
	cursor        int
	lastPublished int

	swaps    atomic.Uint64
	samples  atomic.Uint64
	executed atomic.Uint64
}

func New(cfg Config, logger *zap.Logger) (*Stage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Stage{
		cfg:    cfg,
		slot:   handoff.New[Buffer](),
		logger: logger,
	}

	size := cfg.Capacity() * cfg.ItemSize
	for i := range s.sets {
		s.sets[i] = make([][]byte, cfg.Channels)
		for ch := range s.sets[i] {
			s.sets[i][ch] = make([]byte, size)
		}
	}

	logger.Debug("[ingest] buffers allocated",
		zap.Int("channels", cfg.Channels),
		zap.Int("itemSize", cfg.ItemSize),
		zap.Int("capacitySamples", cfg.Capacity()),
	)

	return s, nil
}

// Append copies n samples per channel from batch into the writable set.
// The swap check happens before copying: a set that reached the threshold
// on an earlier call is handed off first.
func (s *Stage) Append(batch [][]byte, n int) error {
	if len(batch) != s.cfg.Channels {
		return fmt.Errorf("%w: want %d, got %d", ErrChannelCount, s.cfg.Channels, len(batch))
	}
	need := n * s.cfg.ItemSize
	for ch := range batch {
		if len(batch[ch]) < need {
			return fmt.Errorf("%w: channel %d has %d bytes, need %d", ErrShortBatch, ch, len(batch[ch]), need)
		}
	}

	if s.cursor >= s.cfg.BufferSamples {
		s.swap()
	}
	if s.cursor+n > s.cfg.Capacity() {
		return fmt.Errorf("%w: cursor %d + %d samples > capacity %d", ErrOverflow, s.cursor, n, s.cfg.Capacity())
	}

	offset := s.cursor * s.cfg.ItemSize
	for ch, set := range s.sets[s.writable] {
		copy(set[offset:offset+need], batch[ch][:need])
	}
	s.cursor += n
	s.samples.Add(uint64(n))
	return nil
}

// Next is the in-place variant of Append. n is the number of samples the
// producer wrote into the regions returned by the previous call; the first
// call must pass 0. The returned regions start at the write cursor of the
// (possibly new) writable set and are valid until the next call.
func (s *Stage) Next(n int) ([][]byte, error) {
	if s.cursor+n > s.cfg.Capacity() {
		return nil, fmt.Errorf("%w: cursor %d + %d samples > capacity %d", ErrOverflow, s.cursor, n, s.cfg.Capacity())
	}
	s.cursor += n
	s.samples.Add(uint64(n))

	if s.cursor >= s.cfg.BufferSamples {
		s.swap()
	}

	offset := s.cursor * s.cfg.ItemSize
	end := s.cfg.Capacity() * s.cfg.ItemSize
	regions := make([][]byte, s.cfg.Channels)
	for ch, set := range s.sets[s.writable] {
		regions[ch] = set[offset:end]
	}
	return regions, nil
}

// Flush hands off the writable set even though it has not reached the
// threshold. It is a no-op on an empty set.
func (s *Stage) Flush() bool {
	if s.cursor == 0 {
		return false
	}
	return s.swap()
}

// Reset rewinds the producer side for a new window. A filled set that is
// still waiting in the slot is discarded. If the consumer is busy with a set,
// writing resumes in the other one.
func (s *Stage) Reset() {
	discarded, busy := s.slot.Drain()
	s.cursor = 0
	if busy {
		s.writable = 1 - s.lastPublished
	} else {
		s.writable = 0
	}
	if discarded {
		s.logger.Debug("[ingest] reset discarded a pending buffer")
	}
}

func (s *Stage) swap() bool {
	filled := Buffer{Set: s.writable, Samples: s.cursor}
	s.cursor = 0
	s.swaps.Add(1)

	if !s.slot.Publish(filled) {
		// consumer still busy: this set is overwritten from the start
		return false
	}
	s.lastPublished = filled.Set
	s.writable = 1 - filled.Set
	return true
}

// Run drains the slot and forwards every filled buffer to sink until ctx is
// cancelled. It must run on exactly one goroutine.
func (s *Stage) Run(ctx context.Context, sink Sink) error {
	s.logger.Info("[ingest] consumer started")
	batch := make([][]byte, s.cfg.Channels)

	for {
		b, err := s.slot.Take(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrCancelled) {
				s.logger.Info("[ingest] received shutdown signal")
				return nil
			}
			return err
		}

		n := b.Samples * s.cfg.ItemSize
		for ch, set := range s.sets[b.Set] {
			batch[ch] = set[:n]
		}
		sink.Feed(batch, b.Samples)
		s.executed.Add(1)
		s.slot.Done()
	}
}

// Pending reports whether a handed-off set is waiting for or held by the consumer.
func (s *Stage) Pending() bool {
	return s.slot.Pending()
}

type Stats struct {
	BuffersFull    uint64 // swaps attempted
	WorkerNotDone  uint64 // filled sets dropped because the consumer was busy
	SamplesTotal   uint64
	WorkerWaits    uint64
	WorkerExecuted uint64
}

func (s *Stage) Stats() Stats {
	slot := s.slot.Stats()
	return Stats{
		BuffersFull:    s.swaps.Load(),
		WorkerNotDone:  slot.Drops(),
		SamplesTotal:   s.samples.Load(),
		WorkerWaits:    slot.Waits,
		WorkerExecuted: s.executed.Load(),
	}
}
