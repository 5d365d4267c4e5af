package control

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler runs on the listener goroutine; the next datagram is read only
// after it returns.
type Handler func(ctx context.Context, cmd Command)

type Listener struct {
	conn     *net.UDPConn
	channels int
	logger   *zap.Logger
}

// Listen binds the control socket. channels is the gain field count of a
// new measurement message.
func Listen(addr string, channels int, logger *zap.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "[control] resolving %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "[control] listening on %s", addr)
	}
	return &Listener{conn: conn, channels: channels, logger: logger}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run reads datagrams and passes every valid command to handler until ctx
// is cancelled. Malformed and unknown messages are logged and skipped.
func (l *Listener) Run(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()
	defer l.conn.Close()

	l.logger.Info("[control] awaiting messages", zap.Stringer("addr", l.Addr()))

	buf := make([]byte, MaxMessageLength+256)
	for {
		n, sender, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("[control] received shutdown signal")
				return nil
			}
			return errors.Wrap(err, "[control] reading datagram")
		}

		cmd, err := Parse(buf[:n], l.channels)
		if err != nil {
			l.logger.Warn("[control] ignoring message", zap.Error(err), zap.Stringer("sender", sender))
			continue
		}
		handler(ctx, cmd)
	}
}

// Tuner applies the radio settings of a new measurement.
type Tuner interface {
	Tune(centerFreqHz float64, gains []uint32) error
}

// LogTuner records the requested settings without touching any hardware.
type LogTuner struct {
	Logger *zap.Logger
}

func (t LogTuner) Tune(centerFreqHz float64, gains []uint32) error {
	t.Logger.Info("[control] tuning requested",
		zap.Float64("centerFreqHz", centerFreqHz),
		zap.Uint32s("gains", gains),
	)
	return nil
}
