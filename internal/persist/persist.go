// Package persist writes completed measurements to disk, one raw binary file
// per window.
//
// File layout: each channel's buffer in channel order, no header, no length
// prefix. The reader needs the channel count and item size out of band; the
// window length follows from the file size.
package persist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-iq-recorder/internal/assembler"
	"sleepywoodpecker/rp-iq-recorder/internal/handoff"
)

const (
	DefaultPrefix = "iqrecord_"
	DefaultExt    = ".bin"
	PartialSuffix = ".part"

	osCreateFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
)

var (
	ErrBadFileName = errors.New("[persist] not a measurement file name")
	ErrBadFileSize = errors.New("[persist] file size does not match layout")
)

type Config struct {
	Dir    string
	Prefix string
	Ext    string
}

// Identity is everything encoded in a measurement file name.
type Identity struct {
	Counter         uint64
	Tag             uint32
	TimestampMicros uint64
}

// FileName renders the fixed-width, lexically sortable name of a measurement.
func FileName(prefix, ext string, id Identity) string {
	return fmt.Sprintf("%s%010d_%010d_%020d%s", prefix, id.Counter, id.Tag, id.TimestampMicros, ext)
}

// ParseFileName is the inverse of FileName. name may include directories.
func ParseFileName(prefix, ext, name string) (Identity, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, ext) {
		return Identity{}, errors.Wrap(ErrBadFileName, base)
	}
	fields := strings.Split(strings.TrimSuffix(strings.TrimPrefix(base, prefix), ext), "_")
	if len(fields) != 3 || len(fields[0]) != 10 || len(fields[1]) != 10 || len(fields[2]) != 20 {
		return Identity{}, errors.Wrap(ErrBadFileName, base)
	}

	counter, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrBadFileName, "%s: counter: %v", base, err)
	}
	tag, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrBadFileName, "%s: tag: %v", base, err)
	}
	ts, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrBadFileName, "%s: timestamp: %v", base, err)
	}

	return Identity{Counter: counter, Tag: uint32(tag), TimestampMicros: ts}, nil
}

type Worker struct {
	cfg    Config
	fs     afero.Fs
	in     *handoff.Slot[*assembler.Measurement]
	logger *zap.Logger

	counter  uint64 // owned by the worker goroutine
	saved    atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
	executed atomic.Uint64
	lastNs   atomic.Int64
}

func NewWorker(cfg Config, fs afero.Fs, in *handoff.Slot[*assembler.Measurement], logger *zap.Logger) (*Worker, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Ext == "" {
		cfg.Ext = DefaultExt
	}
	if err := fs.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "[persist] creating output directory %q", cfg.Dir)
	}

	return &Worker{
		cfg:    cfg,
		fs:     fs,
		in:     in,
		logger: logger,
	}, nil
}

// Run writes every measurement it receives until ctx is cancelled. Storage
// errors are logged and counted; the worker moves on to the next window.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("[persist] worker started", zap.String("outputDir", w.cfg.Dir))

	for {
		m, err := w.in.Take(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrCancelled) {
				w.logger.Info("[persist] received shutdown signal", zap.Uint64("saved", w.saved.Load()))
				return nil
			}
			return err
		}

		w.executed.Add(1)
		start := time.Now()
		path, err := w.Write(m)
		w.lastNs.Store(int64(time.Since(start)))
		w.in.Done()

		if err != nil {
			w.failed.Add(1)
			w.logger.Error("[persist] error writing measurement",
				zap.Error(err),
				zap.Uint32("tag", m.Tag),
				zap.Int("samples", m.Samples),
			)
			continue
		}

		w.logger.Debug("[persist] measurement saved",
			zap.String("file", path),
			zap.Int("bytes", m.Bytes()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Write stores m under the next file name and advances the save counter on
// success. The data goes to a PartialSuffix file first, renamed into place
// once it is complete, so a failed write never leaves a file with a
// measurement name behind. It must only be called from the goroutine running
// Run, or when Run is not running.
func (w *Worker) Write(m *assembler.Measurement) (path string, err error) {
	name := FileName(w.cfg.Prefix, w.cfg.Ext, Identity{
		Counter:         w.counter,
		Tag:             m.Tag,
		TimestampMicros: m.TimestampMicros,
	})
	path = filepath.Join(w.cfg.Dir, name)
	partial := path + PartialSuffix

	if err = w.writeFile(partial, m); err == nil {
		err = errors.Wrapf(w.fs.Rename(partial, path), "[persist] renaming %s", partial)
	}
	if err != nil {
		if rerr := w.fs.Remove(partial); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, errors.Wrapf(rerr, "[persist] removing %s", partial))
		}
		return path, err
	}

	w.counter++
	w.saved.Add(1)
	w.bytes.Add(uint64(m.Bytes()))
	return path, nil
}

func (w *Worker) writeFile(path string, m *assembler.Measurement) (err error) {
	file, err := w.fs.OpenFile(path, osCreateFlags, 0644)
	if err != nil {
		return errors.Wrapf(err, "[persist] opening %s", path)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "[persist] closing %s", path)
		}
	}()

	writer := bufio.NewWriterSize(file, 1<<20)
	for ch, buf := range m.Channels {
		if _, err = writer.Write(buf); err != nil {
			return errors.Wrapf(err, "[persist] writing channel %d to %s", ch, path)
		}
	}
	if err = writer.Flush(); err != nil {
		return errors.Wrapf(err, "[persist] flushing %s", path)
	}
	return nil
}

// ReadMeasurement loads a file written by Write and splits it back into
// per-channel buffers.
func ReadMeasurement(fs afero.Fs, path string, channels, itemSize int) ([][]byte, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "[persist] reading %s", path)
	}
	if channels < 1 || itemSize < 1 || len(data)%(channels*itemSize) != 0 {
		return nil, errors.Wrapf(ErrBadFileSize, "%s: %d bytes for %d channels of %d-byte items", path, len(data), channels, itemSize)
	}

	per := len(data) / channels
	out := make([][]byte, channels)
	for ch := range out {
		out[ch] = data[ch*per : (ch+1)*per]
	}
	return out, nil
}

type Stats struct {
	MeasurementsSaved uint64
	WriteErrors       uint64
	BytesWritten      uint64
	WorkerWaits       uint64
	WorkerExecuted    uint64
	LastWrite         time.Duration
}

func (w *Worker) Stats() Stats {
	return Stats{
		MeasurementsSaved: w.saved.Load(),
		WriteErrors:       w.failed.Load(),
		BytesWritten:      w.bytes.Load(),
		WorkerWaits:       w.in.Stats().Waits,
		WorkerExecuted:    w.executed.Load(),
		LastWrite:         time.Duration(w.lastNs.Load()),
	}
}
