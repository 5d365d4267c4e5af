package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/rp-iq-recorder/internal/assembler"
	"sleepywoodpecker/rp-iq-recorder/internal/config"
	"sleepywoodpecker/rp-iq-recorder/internal/handoff"
	"sleepywoodpecker/rp-iq-recorder/internal/persist"
	"sleepywoodpecker/rp-iq-recorder/internal/source"
)

type capture struct {
	channels [][]byte
}

func (c *capture) Feed(batch [][]byte, n int) error {
	for ch := range batch {
		c.channels[ch] = append(c.channels[ch], batch[ch][:n*source.ComplexFloat32Size]...)
	}
	return nil
}

func TestInspectPrintsIdentityAndPower(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := &config.Config{Channels: 2, ItemSize: 8, FilePrefix: persist.DefaultPrefix, FileExt: persist.DefaultExt}

	tone, err := source.NewSynthetic(source.Config{Channels: 2, ItemSize: 8, PacketSamples: 64}, 1000)
	require.NoError(t, err)
	c := &capture{channels: make([][]byte, 2)}
	require.NoError(t, tone.Stream(context.Background(), c, 1000))

	worker, err := persist.NewWorker(persist.Config{Dir: "/data"}, fs, handoff.New[*assembler.Measurement](), zaptest.NewLogger(t))
	require.NoError(t, err)
	path, err := worker.Write(&assembler.Measurement{
		Tag:             9,
		TimestampMicros: 1700000000000000,
		Samples:         1000,
		ItemSize:        8,
		Channels:        c.channels,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, fs, cfg, path))

	text := out.String()
	assert.Contains(t, text, "counter 0, tag 9, recorded 2023-11-14T22:13:20Z")
	assert.Contains(t, text, "1,000 samples x 2 channels, 16 kB")
	assert.Regexp(t, `channel 0: -?0\.0 dBFS`, text)
	assert.Regexp(t, `channel 1: -?0\.0 dBFS`, text)
}

func TestInspectRejectsForeignFile(t *testing.T) {
	cfg := &config.Config{Channels: 1, ItemSize: 8, FilePrefix: persist.DefaultPrefix, FileExt: persist.DefaultExt}
	err := inspect(&bytes.Buffer{}, afero.NewMemMapFs(), cfg, "/data/notes.txt")
	assert.ErrorIs(t, err, persist.ErrBadFileName)
}

func TestMeanPowerDBEmpty(t *testing.T) {
	assert.True(t, meanPowerDB(nil, 0) < -1e300)
}
