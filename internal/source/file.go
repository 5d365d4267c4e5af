package source

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var ErrEmptyInput = errors.New("[source] input holds less than one frame")

// File replays a raw interleaved recording. At the end of the file it starts
// over from the beginning, so any number of windows can be streamed from a
// short capture. A trailing partial frame is ignored.
type File struct {
	cfg    Config
	file   afero.File
	path   string
	raw    []byte
	batch  [][]byte
	pacer  *pacer
	logger *zap.Logger
}

func OpenFile(fs afero.Fs, path string, cfg Config, logger *zap.Logger) (*File, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	info, err := fs.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "[source] stat %s", path)
	}
	if info.Size() < int64(cfg.FrameSize()) {
		return nil, errors.Wrapf(ErrEmptyInput, "%s has %d bytes, frame is %d", path, info.Size(), cfg.FrameSize())
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "[source] opening %s", path)
	}

	logger.Info("[source] replaying file",
		zap.String("path", path),
		zap.Int64("frames", info.Size()/int64(cfg.FrameSize())),
	)

	return &File{
		cfg:    cfg,
		file:   f,
		path:   path,
		raw:    make([]byte, cfg.PacketSamples*cfg.FrameSize()),
		batch:  cfg.NewBatch(),
		pacer:  newPacer(cfg.SampleRate),
		logger: logger,
	}, nil
}

func (f *File) Stream(ctx context.Context, sink Sink, samples int) error {
	frame := f.cfg.FrameSize()

	for remaining := samples; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := min(remaining, f.cfg.PacketSamples) * frame
		read, err := io.ReadFull(f.file, f.raw[:want])
		n := read / frame
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			if _, serr := f.file.Seek(0, io.SeekStart); serr != nil {
				return errors.Wrapf(serr, "[source] rewinding %s", f.path)
			}
			f.logger.Debug("[source] rewound input file", zap.String("path", f.path))
		default:
			return errors.Wrapf(err, "[source] reading %s", f.path)
		}
		if n == 0 {
			continue
		}

		if err := f.pacer.wait(ctx, n); err != nil {
			return err
		}
		Deinterleave(f.batch, f.raw, n, f.cfg.ItemSize)
		if err := sink.Feed(f.batch, n); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func (f *File) Close() error {
	return f.file.Close()
}
