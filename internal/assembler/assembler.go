// Package assembler re-chunks arbitrary sample batches into measurement
// windows of exactly N samples per channel.
package assembler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/handoff"
)

var (
	ErrInvalidWindow = errors.New("[assembler] invalid window length")
	ErrInvalidConfig = errors.New("[assembler] invalid configuration")
)

type State int

const (
	Collecting State = iota
	Discarding
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Discarding:
		return "discarding"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Measurement is one completed window. Channels alias the assembler's
// buffer: the receiver owns them from Take until Done on the output slot.
type Measurement struct {
	Tag             uint32
	TimestampMicros uint64
	Samples         int
	ItemSize        int
	Channels        [][]byte
}

// Bytes is the size of the persisted measurement.
func (m *Measurement) Bytes() int {
	return len(m.Channels) * m.Samples * m.ItemSize
}

type Config struct {
	Channels         int
	ItemSize         int
	MaxWindowSamples int // allocation per channel, upper bound for any window
}

type Assembler struct {
	cfg    Config
	out    *handoff.Slot[*Measurement]
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	buf       [][]byte
	state     State
	progress  int
	window    int
	tag       uint32
	timestamp uint64

	samples    atomic.Uint64
	discarded  atomic.Uint64
	published  atomic.Uint64
	notDone    atomic.Uint64
	skipped    atomic.Uint64
	windowsRun atomic.Uint64
}

// New allocates the measurement buffer once. The assembler starts in the
// collecting state with the maximum window length and tag 0.
func New(cfg Config, out *handoff.Slot[*Measurement], logger *zap.Logger) (*Assembler, error) {
	if cfg.Channels < 1 || cfg.ItemSize < 1 || cfg.MaxWindowSamples < 1 {
		return nil, fmt.Errorf("%w: channels=%d itemSize=%d maxWindow=%d",
			ErrInvalidConfig, cfg.Channels, cfg.ItemSize, cfg.MaxWindowSamples)
	}

	a := &Assembler{
		cfg:    cfg,
		out:    out,
		logger: logger,
		now:    time.Now,
		buf:    make([][]byte, cfg.Channels),
		state:  Collecting,
		window: cfg.MaxWindowSamples,
	}
	for ch := range a.buf {
		a.buf[ch] = make([]byte, cfg.MaxWindowSamples*cfg.ItemSize)
	}
	return a, nil
}

// Reset re-arms the state machine for a new window. Any partially collected
// window is abandoned.
func (a *Assembler) Reset(window int, tag uint32) error {
	if window < 1 || window > a.cfg.MaxWindowSamples {
		return fmt.Errorf("%w: %d samples, allowed 1..%d", ErrInvalidWindow, window, a.cfg.MaxWindowSamples)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Collecting && a.progress > 0 {
		a.logger.Debug("[assembler] abandoning partial window",
			zap.Uint32("tag", a.tag),
			zap.Int("progress", a.progress),
			zap.Int("window", a.window),
		)
	}
	a.state = Collecting
	a.progress = 0
	a.window = window
	a.tag = tag
	a.windowsRun.Add(1)
	return nil
}

// RecordTimestamp captures the wall clock for the current window, in
// microseconds since the epoch plus offsetMicros.
func (a *Assembler) RecordTimestamp(offsetMicros uint64) {
	ts := uint64(a.now().UnixMicro()) + offsetMicros

	a.mu.Lock()
	a.timestamp = ts
	a.mu.Unlock()
}

// Feed consumes n samples per channel. While collecting, samples are copied
// until the window is full; the rest of the batch and every later batch are
// only counted until the next Reset.
func (a *Assembler) Feed(batch [][]byte, n int) {
	a.samples.Add(uint64(n))

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Discarding {
		a.discarded.Add(uint64(n))
		return
	}

	if a.progress == 0 && a.out.Pending() {
		// the writer still owns the buffer from the previous window
		a.state = Discarding
		a.skipped.Add(1)
		a.discarded.Add(uint64(n))
		return
	}

	k := min(n, a.window-a.progress)
	size := a.cfg.ItemSize
	offset := a.progress * size
	for ch := range a.buf {
		copy(a.buf[ch][offset:offset+k*size], batch[ch][:k*size])
	}
	a.progress += k
	a.discarded.Add(uint64(n - k))

	if a.progress == a.window {
		a.complete()
	}
}

// complete publishes the filled window and switches to discarding.
func (a *Assembler) complete() {
	m := &Measurement{
		Tag:             a.tag,
		TimestampMicros: a.timestamp,
		Samples:         a.window,
		ItemSize:        a.cfg.ItemSize,
		Channels:        make([][]byte, len(a.buf)),
	}
	for ch := range a.buf {
		m.Channels[ch] = a.buf[ch][:a.window*a.cfg.ItemSize]
	}

	a.state = Discarding
	a.progress = 0

	if a.out.Publish(m) {
		a.published.Add(1)
		return
	}
	a.notDone.Add(1)
}

type Stats struct {
	State                 State
	Progress              int
	Window                int
	SamplesTotal          uint64
	SamplesDiscarded      uint64
	MeasurementsPublished uint64
	WorkerNotDone         uint64 // completed windows dropped at publish
	WindowsSkipped        uint64 // windows never collected, buffer still owned by the writer
	Windows               uint64
}

func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	state, progress, window := a.state, a.progress, a.window
	a.mu.Unlock()

	return Stats{
		State:                 state,
		Progress:              progress,
		Window:                window,
		SamplesTotal:          a.samples.Load(),
		SamplesDiscarded:      a.discarded.Load(),
		MeasurementsPublished: a.published.Load(),
		WorkerNotDone:         a.notDone.Load(),
		WindowsSkipped:        a.skipped.Load(),
		Windows:               a.windowsRun.Load(),
	}
}
