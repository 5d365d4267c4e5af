package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

const ComplexFloat32Size = 8

// Synthetic generates a complex tone per channel as little endian float32
// I/Q pairs. Channel ch is phase shifted by ch quarter turns so the channels
// can be told apart in a recording.
type Synthetic struct {
	cfg    Config
	toneHz float64
	batch  [][]byte
	pacer  *pacer
	index  uint64
}

func NewSynthetic(cfg Config, toneHz float64) (*Synthetic, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ItemSize != ComplexFloat32Size {
		return nil, fmt.Errorf("%w: synthetic samples are %d bytes, got item size %d",
			ErrInvalidConfig, ComplexFloat32Size, cfg.ItemSize)
	}
	return &Synthetic{
		cfg:    cfg,
		toneHz: toneHz,
		batch:  cfg.NewBatch(),
		pacer:  newPacer(cfg.SampleRate),
	}, nil
}

// Stream feeds the next samples of the tone. The phase continues across calls.
func (s *Synthetic) Stream(ctx context.Context, sink Sink, samples int) error {
	for remaining := samples; remaining > 0; {
		n := min(remaining, s.cfg.PacketSamples)
		if err := s.pacer.wait(ctx, n); err != nil {
			return err
		}
		s.fill(n)
		if err := sink.Feed(s.batch, n); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func (s *Synthetic) fill(n int) {
	// without a sample rate the tone advances by toneHz per million samples
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 1e6
	}
	step := 2 * math.Pi * s.toneHz / rate

	for i := 0; i < n; i++ {
		phase := step * float64(s.index+uint64(i))
		for ch, buf := range s.batch {
			p := phase + float64(ch)*math.Pi/2
			off := i * ComplexFloat32Size
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(math.Cos(p))))
			binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(float32(math.Sin(p))))
		}
	}
	s.index += uint64(n)
}

// Sample decodes the complex sample at index i of a little endian float32 I/Q buffer.
func Sample(buf []byte, i int) complex64 {
	off := i * ComplexFloat32Size
	re := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	im := math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:]))
	return complex(re, im)
}
