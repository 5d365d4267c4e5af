package main

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"sleepywoodpecker/rp-iq-recorder/internal/config"
	"sleepywoodpecker/rp-iq-recorder/internal/persist"
	"sleepywoodpecker/rp-iq-recorder/internal/source"
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print the identity, size and per-channel power of measurement files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			fs := afero.NewOsFs()
			for _, path := range args {
				if err := inspect(cmd.OutOrStdout(), fs, cfg, path); err != nil {
					return err
				}
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func inspect(w io.Writer, fs afero.Fs, cfg *config.Config, path string) error {
	id, err := persist.ParseFileName(cfg.FilePrefix, cfg.FileExt, filepath.Base(path))
	if err != nil {
		return err
	}
	channels, err := persist.ReadMeasurement(fs, path, cfg.Channels, cfg.ItemSize)
	if err != nil {
		return err
	}

	samples := len(channels[0]) / cfg.ItemSize
	size := uint64(samples * cfg.ItemSize * cfg.Channels)
	fmt.Fprintf(w, "%s\n  counter %d, tag %d, recorded %s\n  %s samples x %d channels, %s\n",
		path,
		id.Counter, id.Tag, time.UnixMicro(int64(id.TimestampMicros)).UTC().Format(time.RFC3339Nano),
		humanize.Comma(int64(samples)), cfg.Channels, humanize.Bytes(size),
	)

	if cfg.ItemSize != source.ComplexFloat32Size {
		return nil
	}
	for ch, buf := range channels {
		fmt.Fprintf(w, "  channel %d: %.1f dBFS\n", ch, meanPowerDB(buf, samples))
	}
	return nil
}

// meanPowerDB is the mean |x|^2 of n float32 I/Q samples in dB relative to
// a full scale of 1.
func meanPowerDB(buf []byte, n int) float64 {
	if n == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := source.Sample(buf, i)
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	return 10 * math.Log10(sum/float64(n))
}
