package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseNewMeasurement(t *testing.T) {
	cmd, err := Parse([]byte("New_Measurement_00000007 2400 0001000000 00300012"), 2)
	require.NoError(t, err)

	assert.Equal(t, NewMeasurement{
		Tag:           7,
		CenterFreqMHz: 2400,
		Samples:       1000000,
		Gains:         []uint32{30, 12},
	}, cmd)
}

func TestParseToleratesPaddingAndTrailingBytes(t *testing.T) {
	payload := append([]byte("New_Measurement_      42  900     500000   30\x00garbage"), make([]byte, 100)...)

	cmd, err := Parse(payload, 1)
	require.NoError(t, err)
	m := cmd.(NewMeasurement)
	assert.Equal(t, uint32(42), m.Tag)
	assert.Equal(t, uint32(900), m.CenterFreqMHz)
	assert.Equal(t, 500000, m.Samples)
	assert.Equal(t, []uint32{30}, m.Gains)
}

func TestParseEndProgram(t *testing.T) {
	cmd, err := Parse([]byte(EndProgramMessage), 4)
	require.NoError(t, err)
	assert.Equal(t, EndProgram{}, cmd)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"truncated":    "New_Measurement_00000007 2400",
		"not numeric":  "New_Measurement_0000000x 2400 0001000000 0030",
		"missing gain": "New_Measurement_00000007 2400 0001000000 ",
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(msg), 1)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := Parse([]byte("hello"), 1)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestFormatRoundTrip(t *testing.T) {
	want := NewMeasurement{Tag: 12345678, CenterFreqMHz: 5800, Samples: 42, Gains: []uint32{1, 2, 3}}

	msg := FormatNewMeasurement(want)
	assert.LessOrEqual(t, len(msg), MaxMessageLength)

	got, err := Parse([]byte(msg), 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListenerDeliversCommands(t *testing.T) {
	l, err := Listen("127.0.0.1:0", 1, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Command, 4)
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(_ context.Context, cmd Command) { got <- cmd })
	}()

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("nonsense"))
	require.NoError(t, err)
	_, err = client.Write([]byte(FormatNewMeasurement(NewMeasurement{Tag: 3, CenterFreqMHz: 2400, Samples: 10, Gains: []uint32{5}})))
	require.NoError(t, err)
	_, err = client.Write([]byte(EndProgramMessage))
	require.NoError(t, err)

	select {
	case cmd := <-got:
		assert.Equal(t, NewMeasurement{Tag: 3, CenterFreqMHz: 2400, Samples: 10, Gains: []uint32{5}}, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no measurement command received")
	}
	select {
	case cmd := <-got:
		assert.Equal(t, EndProgram{}, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no end command received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestLogTuner(t *testing.T) {
	assert.NoError(t, LogTuner{Logger: zap.NewNop()}.Tune(2.4e9, []uint32{30}))
}
