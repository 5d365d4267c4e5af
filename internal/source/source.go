// Package source produces per-channel sample batches for the recorder.
//
// Raw streams are frame interleaved: one frame holds one sample of every
// channel in channel order, itemSize bytes each.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidConfig = errors.New("[source] invalid configuration")

// Sink accepts n samples per channel. The recorder implements it.
type Sink interface {
	Feed(batch [][]byte, n int) error
}

// Source streams exactly the requested number of samples per channel into
// sink, in batches of at most its packet size.
type Source interface {
	Stream(ctx context.Context, sink Sink, samples int) error
}

type Config struct {
	Channels      int
	ItemSize      int
	PacketSamples int
	SampleRate    float64 // samples per second per channel, 0 disables pacing
}

func (c Config) validate() error {
	if c.Channels < 1 || c.ItemSize < 1 || c.PacketSamples < 1 || c.SampleRate < 0 {
		return fmt.Errorf("%w: channels=%d itemSize=%d packetSamples=%d sampleRate=%f",
			ErrInvalidConfig, c.Channels, c.ItemSize, c.PacketSamples, c.SampleRate)
	}
	return nil
}

// FrameSize is the number of bytes one sample of every channel takes in a raw stream.
func (c Config) FrameSize() int {
	return c.Channels * c.ItemSize
}

// NewBatch allocates one packet worth of per-channel buffers.
func (c Config) NewBatch() [][]byte {
	batch := make([][]byte, c.Channels)
	for ch := range batch {
		batch[ch] = make([]byte, c.PacketSamples*c.ItemSize)
	}
	return batch
}

// Deinterleave splits n frames of raw into the per-channel buffers of batch.
func Deinterleave(batch [][]byte, raw []byte, n, itemSize int) {
	frame := len(batch) * itemSize
	for i := 0; i < n; i++ {
		src := raw[i*frame:]
		dst := i * itemSize
		for ch := range batch {
			copy(batch[ch][dst:dst+itemSize], src[ch*itemSize:(ch+1)*itemSize])
		}
	}
}

// Interleave is the inverse of Deinterleave, used to produce raw streams.
func Interleave(raw []byte, batch [][]byte, n, itemSize int) {
	frame := len(batch) * itemSize
	for i := 0; i < n; i++ {
		dst := raw[i*frame:]
		src := i * itemSize
		for ch := range batch {
			copy(dst[ch*itemSize:(ch+1)*itemSize], batch[ch][src:src+itemSize])
		}
	}
}

// pacer holds a producer to a sample rate measured from the first wait.
type pacer struct {
	rate  float64
	start time.Time
	sent  int
}

func newPacer(rate float64) *pacer {
	return &pacer{rate: rate}
}

// wait blocks until the samples sent so far plus n are due.
func (p *pacer) wait(ctx context.Context, n int) error {
	if p.rate <= 0 {
		return ctx.Err()
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.sent += n
	due := p.start.Add(time.Duration(float64(p.sent) / p.rate * float64(time.Second)))

	delay := time.Until(due)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
