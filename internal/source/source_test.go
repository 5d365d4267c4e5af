package source

import (
	"bytes"
	"context"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// collector is a Sink that keeps a copy of everything it is fed.
type collector struct {
	itemSize int
	channels [][]byte
	batches  []int
	err      error
}

func newCollector(channels, itemSize int) *collector {
	return &collector{itemSize: itemSize, channels: make([][]byte, channels)}
}

func (c *collector) Feed(batch [][]byte, n int) error {
	if c.err != nil {
		return c.err
	}
	for ch := range batch {
		c.channels[ch] = append(c.channels[ch], batch[ch][:n*c.itemSize]...)
	}
	c.batches = append(c.batches, n)
	return nil
}

func TestDeinterleaveInverse(t *testing.T) {
	raw := []byte{
		1, 1, 2, 2, 3, 3, // frame 0: ch0, ch1, ch2
		4, 4, 5, 5, 6, 6, // frame 1
	}
	batch := Config{Channels: 3, ItemSize: 2, PacketSamples: 2}.NewBatch()

	Deinterleave(batch, raw, 2, 2)
	assert.Equal(t, []byte{1, 1, 4, 4}, batch[0])
	assert.Equal(t, []byte{2, 2, 5, 5}, batch[1])
	assert.Equal(t, []byte{3, 3, 6, 6}, batch[2])

	back := make([]byte, len(raw))
	Interleave(back, batch, 2, 2)
	assert.Equal(t, raw, back)
}

func TestSyntheticStreamsExactCount(t *testing.T) {
	s, err := NewSynthetic(Config{Channels: 2, ItemSize: 8, PacketSamples: 100}, 1000)
	require.NoError(t, err)

	sink := newCollector(2, 8)
	require.NoError(t, s.Stream(context.Background(), sink, 250))

	assert.Equal(t, []int{100, 100, 50}, sink.batches)
	assert.Len(t, sink.channels[0], 250*8)

	// unit magnitude, channel 1 a quarter turn ahead of channel 0
	for _, i := range []int{0, 17, 249} {
		a, b := Sample(sink.channels[0], i), Sample(sink.channels[1], i)
		assert.InDelta(t, 1, cmplx.Abs(complex128(a)), 1e-5)
		assert.InDelta(t, math.Pi/2, math.Mod(cmplx.Phase(complex128(b/a))+2*math.Pi, 2*math.Pi), 1e-4)
	}
}

func TestSyntheticPhaseContinuesAcrossStreams(t *testing.T) {
	cfg := Config{Channels: 1, ItemSize: 8, PacketSamples: 64}

	whole, err := NewSynthetic(cfg, 5000)
	require.NoError(t, err)
	all := newCollector(1, 8)
	require.NoError(t, whole.Stream(context.Background(), all, 100))

	split, err := NewSynthetic(cfg, 5000)
	require.NoError(t, err)
	parts := newCollector(1, 8)
	require.NoError(t, split.Stream(context.Background(), parts, 30))
	require.NoError(t, split.Stream(context.Background(), parts, 70))

	assert.Equal(t, all.channels[0], parts.channels[0])
}

func TestSyntheticRejectsItemSize(t *testing.T) {
	_, err := NewSynthetic(Config{Channels: 1, ItemSize: 4, PacketSamples: 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSyntheticPacing(t *testing.T) {
	s, err := NewSynthetic(Config{Channels: 1, ItemSize: 8, PacketSamples: 10, SampleRate: 1000}, 1)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stream(context.Background(), newCollector(1, 8), 50))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSyntheticStopsOnCancel(t *testing.T) {
	s, err := NewSynthetic(Config{Channels: 1, ItemSize: 8, PacketSamples: 10, SampleRate: 10}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stream(ctx, newCollector(1, 8), 1000), context.DeadlineExceeded)
}

func TestSinkErrorStopsStream(t *testing.T) {
	s, err := NewSynthetic(Config{Channels: 1, ItemSize: 8, PacketSamples: 10}, 1)
	require.NoError(t, err)

	sink := newCollector(1, 8)
	sink.err = assert.AnError
	assert.ErrorIs(t, s.Stream(context.Background(), sink, 100), assert.AnError)
}

func TestFileReplaysAndWraps(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{Channels: 2, ItemSize: 2, PacketSamples: 4}

	// 5 frames plus one trailing byte
	raw := []byte{
		0, 0, 100, 100,
		1, 1, 101, 101,
		2, 2, 102, 102,
		3, 3, 103, 103,
		4, 4, 104, 104,
		9,
	}
	require.NoError(t, afero.WriteFile(fs, "/in.raw", raw, 0o644))

	f, err := OpenFile(fs, "/in.raw", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	sink := newCollector(2, 2)
	require.NoError(t, f.Stream(context.Background(), sink, 7))

	assert.Equal(t, []int{4, 1, 2}, sink.batches)
	assert.Equal(t, []byte{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 0, 0, 1, 1}, sink.channels[0])
	assert.Equal(t, bytes.Repeat([]byte{100}, 2), sink.channels[1][:2])
	assert.Equal(t, []byte{101, 101}, sink.channels[1][12:])
}

func TestOpenFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{Channels: 2, ItemSize: 4, PacketSamples: 4}
	logger := zaptest.NewLogger(t)

	_, err := OpenFile(fs, "/missing.raw", cfg, logger)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/short.raw", make([]byte, 7), 0o644))
	_, err = OpenFile(fs, "/short.raw", cfg, logger)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = OpenFile(fs, "/short.raw", Config{}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
