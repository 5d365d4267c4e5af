// Package control receives measurement commands as fixed-layout text
// datagrams on a UDP socket.
//
// A new measurement message looks like
//
//	New_Measurement_00000007 2400 0001000000 00300030
//	prefix (16)     tag (8)  MHz  samples (10) gains (4 per channel)
//
// with one separator byte after the tag, the frequency and the sample count.
// The gain fields follow each other without separator.
package control

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MaxMessageLength = 64

	NewMeasurementPrefix = "New_Measurement_"
	EndProgramMessage    = "End_Measurement_programm_now1234"
)

var (
	ErrUnknownMessage = errors.New("[control] unknown message")
	ErrMalformed      = errors.New("[control] malformed message")
)

// field offsets in a new measurement message
const (
	tagStart, tagLen         = 16, 8
	freqStart, freqLen       = 25, 4
	samplesStart, samplesLen = 30, 10
	gainsStart, gainLen      = 41, 4
)

type Command interface {
	isCommand()
}

// NewMeasurement requests a window of Samples samples per channel, saved
// under Tag, after tuning to CenterFreqMHz with one gain per channel.
type NewMeasurement struct {
	Tag           uint32
	CenterFreqMHz uint32
	Samples       int
	Gains         []uint32
}

// EndProgram asks the recorder to shut down.
type EndProgram struct{}

func (NewMeasurement) isCommand() {}
func (EndProgram) isCommand()     {}

// Parse decodes one datagram. The payload is cut at the first NUL byte and
// at MaxMessageLength. channels is the number of gain fields expected.
func Parse(payload []byte, channels int) (Command, error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	if len(payload) > MaxMessageLength {
		payload = payload[:MaxMessageLength]
	}
	msg := string(payload)

	switch {
	case strings.HasPrefix(msg, EndProgramMessage):
		return EndProgram{}, nil
	case strings.HasPrefix(msg, NewMeasurementPrefix):
		return parseNewMeasurement(msg, channels)
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%q", msg)
	}
}

func parseNewMeasurement(msg string, channels int) (NewMeasurement, error) {
	var m NewMeasurement

	tag, err := field(msg, "tag", tagStart, tagLen, 32)
	if err != nil {
		return m, err
	}
	freq, err := field(msg, "frequency", freqStart, freqLen, 32)
	if err != nil {
		return m, err
	}
	samples, err := field(msg, "samples", samplesStart, samplesLen, 31)
	if err != nil {
		return m, err
	}

	m.Tag = uint32(tag)
	m.CenterFreqMHz = uint32(freq)
	m.Samples = int(samples)
	m.Gains = make([]uint32, channels)
	for j := range m.Gains {
		gain, err := field(msg, fmt.Sprintf("gain %d", j), gainsStart+j*gainLen, gainLen, 32)
		if err != nil {
			return m, err
		}
		m.Gains[j] = uint32(gain)
	}
	return m, nil
}

func field(msg, name string, start, length, bits int) (uint64, error) {
	if len(msg) < start+length {
		return 0, errors.Wrapf(ErrMalformed, "%s: message has %d bytes, field ends at %d", name, len(msg), start+length)
	}
	raw := strings.TrimSpace(msg[start : start+length])
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "%s %q: %v", name, raw, err)
	}
	return v, nil
}

// FormatNewMeasurement renders m in the wire layout Parse reads.
func FormatNewMeasurement(m NewMeasurement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%08d %04d %010d ", NewMeasurementPrefix, m.Tag, m.CenterFreqMHz, m.Samples)
	for _, g := range m.Gains {
		fmt.Fprintf(&b, "%04d", g)
	}
	return b.String()
}
