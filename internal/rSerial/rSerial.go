// r in rserial stands for "robust"
//
// Package rserial streams IQ samples from a serial device. The device sends
// packets of PacketSamples interleaved frames followed by a stop sequence; a
// packet whose tail does not match is dropped and the reader resyncs on the
// next stop sequence.
package rserial

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/source"
)

const readTimeout = 5 * time.Millisecond

var DefaultStopSequence = []byte{'\r', '\n'}

// port is the part of serial.Port the reader uses.
type port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type rserial struct {
	port         port
	cfg          source.Config
	tempBuff     []byte
	batch        [][]byte
	logger       *zap.Logger
	portName     string
	stopSequence []byte
	synced       bool
	outOfSync    uint64
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %v", e.ByteSequence)
}

// Open opens portName at baudrate and returns a source.Source reading from it.
func Open(portName string, baudrate int, cfg source.Config, stopSequence []byte, logger *zap.Logger) (*rserial, error) {
	p, err := serial.Open(portName, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return nil, errors.Wrapf(err, "[rserial] opening serial port %s", portName)
	}
	r, err := newRSerial(p, portName, cfg, stopSequence, logger)
	if err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	return r, nil
}

func newRSerial(p port, portName string, cfg source.Config, stopSequence []byte, logger *zap.Logger) (*rserial, error) {
	if len(stopSequence) == 0 {
		return nil, fmt.Errorf("%w: empty stop sequence", source.ErrInvalidConfig)
	}
	if cfg.Channels < 1 || cfg.ItemSize < 1 || cfg.PacketSamples < 1 {
		return nil, fmt.Errorf("%w: channels=%d itemSize=%d packetSamples=%d",
			source.ErrInvalidConfig, cfg.Channels, cfg.ItemSize, cfg.PacketSamples)
	}

	return &rserial{
		port:         p,
		cfg:          cfg,
		tempBuff:     make([]byte, cfg.PacketSamples*cfg.FrameSize()+len(stopSequence)),
		batch:        cfg.NewBatch(),
		logger:       logger,
		portName:     portName,
		stopSequence: stopSequence,
	}, nil
}

func (r *rserial) initialize(ctx context.Context) error {
	err := multierr.Combine(
		r.port.SetReadTimeout(readTimeout),
		r.port.ResetInputBuffer(),
	)
	if err != nil {
		return errors.Wrapf(err, "[rserial] configuring %s", r.portName)
	}
	if err := r.sync(ctx); err != nil {
		return err
	}
	r.synced = true
	return nil
}

// Stream feeds samples samples per channel read from the port. A packet is
// never split across calls: the excess of the last packet is dropped.
func (r *rserial) Stream(ctx context.Context, sink source.Sink, samples int) error {
	if !r.synced {
		if err := r.initialize(ctx); err != nil {
			return err
		}
	}

	for remaining := samples; remaining > 0; {
		err := r.ReadPacket(ctx)
		if err != nil {
			var oosError *OutOfSyncError
			if errors.As(err, &oosError) {
				r.outOfSync++
				r.logger.Warn("[rserial] dropping packet", zap.Error(err), zap.String("portName", r.portName))
				if err := r.sync(ctx); err != nil {
					return err
				}
				continue
			}
			return err
		}

		n := min(remaining, r.cfg.PacketSamples)
		source.Deinterleave(r.batch, r.tempBuff, n, r.cfg.ItemSize)
		if err := sink.Feed(r.batch, n); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// ReadPacket fills tempBuff with one packet and validates its stop sequence.
func (r *rserial) ReadPacket(ctx context.Context) error {
	count := 0
	for count < len(r.tempBuff) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// a read timeout returns 0 bytes and no error
		n, err := r.port.Read(r.tempBuff[count:])
		if err != nil {
			return errors.Wrapf(err, "[rserial] reading %s", r.portName)
		}
		count += n
	}

	if !bytes.HasSuffix(r.tempBuff, r.stopSequence) {
		byteSequenceCopy := make([]byte, len(r.stopSequence))
		copy(byteSequenceCopy, r.tempBuff[len(r.tempBuff)-len(r.stopSequence):])
		return &OutOfSyncError{ByteSequence: byteSequenceCopy}
	}
	return nil
}

// sync discards input up to and including the next full stop sequence.
func (r *rserial) sync(ctx context.Context) error {
	r.logger.Warn("[rserial] resyncing serial port", zap.String("portName", r.portName))
	onebyte := make([]byte, 1)
	matched := 0

	for matched < len(r.stopSequence) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.port.Read(onebyte)
		if err != nil {
			return errors.Wrapf(err, "[rserial] resyncing %s", r.portName)
		}
		if n == 0 {
			continue
		}
		switch {
		case onebyte[0] == r.stopSequence[matched]:
			matched++
		case onebyte[0] == r.stopSequence[0]:
			matched = 1
		default:
			matched = 0
		}
	}
	return nil
}

// OutOfSync is the number of packets dropped for a bad stop sequence.
func (r *rserial) OutOfSync() uint64 {
	return r.outOfSync
}

func (r *rserial) Close() error {
	return r.port.Close()
}
