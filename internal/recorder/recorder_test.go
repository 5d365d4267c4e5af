package recorder

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/rp-iq-recorder/internal/persist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const outDir = "/data"

func newRecorder(t *testing.T, fs afero.Fs) *Recorder {
	t.Helper()
	rec, err := New(Config{
		Channels:         2,
		ItemSize:         4,
		BufferSamples:    1000,
		MaxPacketSamples: 2000,
		MaxWindowSamples: 2000,
		Persist:          persist.Config{Dir: outDir},
	}, fs, zaptest.NewLogger(t))
	require.NoError(t, err)
	return rec
}

// batch builds n samples per channel; every byte of channel ch is ch+1.
func batch(channels, itemSize, n int) [][]byte {
	b := make([][]byte, channels)
	for ch := range b {
		b[ch] = bytes.Repeat([]byte{byte(ch + 1)}, n*itemSize)
	}
	return b
}

func settle(t *testing.T, rec *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rec.Settle(ctx))
}

func files(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, outDir)
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func TestRecordWindowEndToEnd(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := newRecorder(t, fs)
	rec.Start(context.Background())
	defer func() { assert.NoError(t, rec.Shutdown()) }()

	require.NoError(t, rec.BeginWindow(1000, 7))
	rec.RecordTimestamp(50000)
	require.NoError(t, rec.Feed(batch(2, 4, 1500), 1500))
	require.True(t, rec.Flush())
	settle(t, rec)

	names := files(t, fs)
	require.Len(t, names, 1)
	id, err := persist.ParseFileName(persist.DefaultPrefix, persist.DefaultExt, names[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id.Counter)
	assert.Equal(t, uint32(7), id.Tag)
	assert.NotZero(t, id.TimestampMicros)

	channels, err := persist.ReadMeasurement(fs, filepath.Join(outDir, names[0]), 2, 4)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, bytes.Repeat([]byte{1}, 4000), channels[0])
	assert.Equal(t, bytes.Repeat([]byte{2}, 4000), channels[1])

	// the window is complete, further samples are discarded
	require.NoError(t, rec.Feed(batch(2, 4, 200), 200))
	require.True(t, rec.Flush())
	settle(t, rec)
	assert.Len(t, files(t, fs), 1)

	s := rec.Stats()
	assert.Equal(t, uint64(1700), s.Ingest.SamplesTotal)
	assert.Equal(t, uint64(1700), s.Assembler.SamplesTotal)
	assert.Equal(t, uint64(700), s.Assembler.SamplesDiscarded)
	assert.Equal(t, uint64(1), s.Persist.MeasurementsSaved)
	assert.Equal(t, uint64(8000), s.Persist.BytesWritten)

	// the next window gets the next counter
	require.NoError(t, rec.BeginWindow(500, 8))
	rec.RecordTimestamp(0)
	require.NoError(t, rec.Feed(batch(2, 4, 500), 500))
	require.True(t, rec.Flush())
	settle(t, rec)

	names = files(t, fs)
	require.Len(t, names, 2)
	id, err = persist.ParseFileName(persist.DefaultPrefix, persist.DefaultExt, names[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id.Counter)
	assert.Equal(t, uint32(8), id.Tag)
}

func TestRecordInPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := newRecorder(t, fs)
	rec.Start(context.Background())
	defer func() { assert.NoError(t, rec.Shutdown()) }()

	require.NoError(t, rec.BeginWindow(600, 1))

	regions, err := rec.Next(0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for ch, region := range regions {
			copy(region, bytes.Repeat([]byte{byte(10 + ch)}, 200*4))
		}
		regions, err = rec.Next(200)
		require.NoError(t, err)
	}
	require.True(t, rec.Flush())
	settle(t, rec)

	names := files(t, fs)
	require.Len(t, names, 1)
	channels, err := persist.ReadMeasurement(fs, filepath.Join(outDir, names[0]), 2, 4)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{10}, 600*4), channels[0])
	assert.Equal(t, bytes.Repeat([]byte{11}, 600*4), channels[1])
}

func TestBeginWindowRejectsInvalidLength(t *testing.T) {
	rec := newRecorder(t, afero.NewMemMapFs())
	assert.Error(t, rec.BeginWindow(0, 1))
	assert.Error(t, rec.BeginWindow(2001, 1))
}

func TestSettleBeforeStart(t *testing.T) {
	rec := newRecorder(t, afero.NewMemMapFs())
	assert.ErrorIs(t, rec.Settle(context.Background()), ErrNotStarted)
}

func TestShutdownWithoutStart(t *testing.T) {
	rec := newRecorder(t, afero.NewMemMapFs())
	assert.NoError(t, rec.Shutdown())
}

func TestShutdownStopsOnParentCancel(t *testing.T) {
	rec := newRecorder(t, afero.NewMemMapFs())
	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)
	cancel()
	assert.NoError(t, rec.Shutdown())
}

func TestNewFailsOnReadOnlyFs(t *testing.T) {
	_, err := New(Config{
		Channels:         1,
		ItemSize:         4,
		BufferSamples:    10,
		MaxPacketSamples: 10,
		MaxWindowSamples: 10,
		Persist:          persist.Config{Dir: outDir},
	}, afero.NewReadOnlyFs(afero.NewMemMapFs()), zaptest.NewLogger(t))
	assert.Error(t, err)
}
