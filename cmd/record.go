package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/config"
	"sleepywoodpecker/rp-iq-recorder/internal/control"
	"sleepywoodpecker/rp-iq-recorder/internal/logger"
	"sleepywoodpecker/rp-iq-recorder/internal/persist"
	rserial "sleepywoodpecker/rp-iq-recorder/internal/rSerial"
	"sleepywoodpecker/rp-iq-recorder/internal/recorder"
	"sleepywoodpecker/rp-iq-recorder/internal/source"
	"sleepywoodpecker/rp-iq-recorder/internal/stats"
	"sleepywoodpecker/rp-iq-recorder/internal/telemetry"
)

const (
	settleTimeout       = 30 * time.Second
	httpShutdownTimeout = 2 * time.Second
)

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record measurement windows on request of the control socket, or a single --window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return record(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func record(parent context.Context, cfg *config.Config) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	// context handler for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.NewLogger(cfg.LogFile, cfg.LogLevel, cfg.JSON)
	if err != nil {
		return err
	}
	log = log.With(zap.String("run", cfg.RunID))
	defer func() { _ = log.Sync() }()

	// background goroutines stop on cancel and are joined last
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fs := afero.NewOsFs()
	rec, err := recorder.New(recorder.Config{
		Channels:         cfg.Channels,
		ItemSize:         cfg.ItemSize,
		BufferSamples:    cfg.BufferSamples,
		MaxPacketSamples: cfg.MaxPacketSamples,
		MaxWindowSamples: cfg.MaxWindowSamples,
		Persist: persist.Config{
			Dir:    cfg.OutputDir,
			Prefix: cfg.FilePrefix,
			Ext:    cfg.FileExt,
		},
	}, fs, log)
	if err != nil {
		return err
	}

	src, closeSource, err := openSource(cfg, fs, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeSource()) }()

	if cfg.Prometheus {
		if err := serveMetrics(ctx, &wg, cfg, rec, log); err != nil {
			return err
		}
	}
	if cfg.TelegrafAddr != "" {
		sampler, err := telemetry.Dial(cfg.TelegrafAddr, cfg.TelemetryInterval, cfg.RunID, rec.Stats, log)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sampler.Run(ctx)
		}()
	}

	rec.Start(ctx)
	defer func() {
		err = multierr.Append(err, rec.Shutdown())
		rec.LogSummary()
		log.Info("[record] done", zap.Stringer("stats", rec.Stats()))
	}()

	w := &windowRecorder{cfg: cfg, rec: rec, src: src, logger: log}

	if cfg.Window > 0 {
		if err := w.record(ctx, cfg.Window, cfg.Tag); err != nil {
			return err
		}
		settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		return rec.Settle(settleCtx)
	}

	listener, err := control.Listen(cfg.ControlAddr, cfg.Channels, log)
	if err != nil {
		return err
	}
	tuner := control.LogTuner{Logger: log}

	return listener.Run(ctx, func(ctx context.Context, cmd control.Command) {
		switch c := cmd.(type) {
		case control.EndProgram:
			log.Info("[record] stopping program execution")
			cancel()
		case control.NewMeasurement:
			if err := tuner.Tune(float64(c.CenterFreqMHz)*1e6, c.Gains); err != nil {
				log.Error("[record] tuning failed", zap.Error(err))
				return
			}
			if err := w.record(ctx, c.Samples, c.Tag); err != nil && ctx.Err() == nil {
				log.Error("[record] measurement failed", zap.Error(err), zap.Uint32("tag", c.Tag))
			}
		}
	})
}

// windowRecorder streams one measurement window through the recorder.
type windowRecorder struct {
	cfg    *config.Config
	rec    *recorder.Recorder
	src    source.Source
	logger *zap.Logger
	count  int
}

// record arms the window, then streams window plus margin samples so that
// samples lost upstream do not leave the window short, and flushes the rest.
func (w *windowRecorder) record(ctx context.Context, window int, tag uint32) error {
	w.count++
	w.logger.Info("[record] new measurement",
		zap.Int("measurement", w.count),
		zap.Int("window", window),
		zap.Uint32("tag", tag),
	)

	if err := w.rec.BeginWindow(window, tag); err != nil {
		return err
	}
	w.rec.RecordTimestamp(w.cfg.RxDelayMicros())

	start := time.Now()
	if err := w.src.Stream(ctx, w.rec, window+w.cfg.StreamMarginSamples); err != nil {
		return err
	}
	w.rec.Flush()

	w.logger.Debug("[record] window streamed", zap.Duration("took", time.Since(start)))
	return nil
}

func openSource(cfg *config.Config, fs afero.Fs, log *zap.Logger) (source.Source, func() error, error) {
	srcCfg := source.Config{
		Channels:      cfg.Channels,
		ItemSize:      cfg.ItemSize,
		PacketSamples: cfg.MaxPacketSamples,
		SampleRate:    cfg.SampleRate,
	}
	noop := func() error { return nil }

	switch cfg.Source {
	case "serial":
		s, err := rserial.Open(cfg.SerialPort, cfg.Baudrate, srcCfg, rserial.DefaultStopSequence, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "file":
		f, err := source.OpenFile(fs, cfg.InputFile, srcCfg, log)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	default:
		s, err := source.NewSynthetic(srcCfg, cfg.ToneHz)
		return s, noop, err
	}
}

func serveMetrics(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, rec *recorder.Recorder, log *zap.Logger) error {
	registry := prometheus.NewRegistry()
	if err := stats.Register(registry, cfg.PrometheusPrefix, cfg.RunID, rec.Stats); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler(registry))
	server := &http.Server{Addr: cfg.PrometheusAddr, Handler: mux}

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info("[metrics] serving", zap.String("addr", cfg.PrometheusAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[metrics] server failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return nil
}
