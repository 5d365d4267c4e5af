// Package telemetry periodically pushes the pipeline counters to a telegraf
// socket listener as influx line protocol.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/stats"
)

const MeasurementName = "iqrecorder"

type Sampler struct {
	interval time.Duration
	conn     net.Conn
	runID    string
	source   func() stats.Snapshot
	rates    *stats.Rates
	logger   *zap.Logger
	now      func() time.Time
}

// Dial opens the UDP connection to addr and returns a sampler pushing one
// line per interval.
func Dial(addr string, interval time.Duration, runID string, source func() stats.Snapshot, logger *zap.Logger) (*Sampler, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing telegraf at %s", addr)
	}
	return NewSampler(conn, interval, runID, source, logger), nil
}

func NewSampler(conn net.Conn, interval time.Duration, runID string, source func() stats.Snapshot, logger *zap.Logger) *Sampler {
	return &Sampler{
		interval: interval,
		conn:     conn,
		runID:    runID,
		source:   source,
		rates:    stats.NewRates(interval),
		logger:   logger,
		now:      time.Now,
	}
}

// SampleAndSend takes one snapshot and writes it as a single datagram.
func (s *Sampler) SampleAndSend() {
	snap := s.source()
	s.rates.Observe(snap)

	line := s.Line(snap)
	if err := s.send(line); err != nil {
		s.logger.Warn("[telemetry] Error writing data to UDP connection", zap.Error(err))
		return
	}
	s.logger.Debug("[telemetry] sent sample", zap.String("line", line))
}

// Line formats snap as `iqrecorder,run=<id> <counters>,<rates> <ns>`.
func (s *Sampler) Line(snap stats.Snapshot) string {
	var b strings.Builder
	b.WriteString(MeasurementName)
	b.WriteString(",run=")
	b.WriteString(s.runID)
	b.WriteByte(' ')

	for i, f := range snap.Fields() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%di", f.Name, f.Value)
	}
	fmt.Fprintf(&b, ",drops=%di", snap.Drops())
	fmt.Fprintf(&b, ",samples_per_second=%.2f", s.rates.SamplesPerSecond())
	fmt.Fprintf(&b, ",measurements_per_second=%.2f", s.rates.MeasurementsPerSecond())
	fmt.Fprintf(&b, " %d", s.now().UnixNano())
	return b.String()
}

// Run samples on every tick until ctx is cancelled, then closes the connection.
func (s *Sampler) Run(ctx context.Context) error {
	defer s.conn.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleAndSend()
		}
	}
}

func (s *Sampler) send(line string) error {
	data := []byte(line)
	for written := 0; written < len(data); {
		n, err := s.conn.Write(data[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
