// Package replay persists snapshots of the frame ring to video files.
//
// A save is described by a Session (the frames, the metadata captured at
// start and an optional destination). Writer turns a Session into a file;
// Worker runs Writer off the capture path with at most one save in flight.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	// ErrNothingToSave is returned when a save is requested before any frame
	// was buffered. No file is created.
	ErrNothingToSave = errors.New("replay: nothing to save")

	// ErrEncode is returned when the encoder cannot be opened for the
	// requested codec or dimensions.
	ErrEncode = errors.New("replay: encode error")

	// ErrWrite is returned when writing or finalizing the file fails.
	ErrWrite = errors.New("replay: write error")

	// ErrSaveInProgress is returned by Worker.Submit when a save is running.
	ErrSaveInProgress = errors.New("replay: save already in progress")
)

// Session is a point-in-time snapshot destined for storage.
type Session struct {
	ID          string
	Frames      []types.Frame
	Metadata    types.StreamMetadata
	Destination string
	RequestedAt time.Time
}

// NewSession wraps a ring snapshot. frames must not be shared with the ring.
func NewSession(frames []types.Frame, meta types.StreamMetadata, destination string) Session {
	return Session{
		ID:          uuid.New().String(),
		Frames:      frames,
		Metadata:    meta,
		Destination: destination,
		RequestedAt: time.Now(),
	}
}

// Result describes a completed save.
type Result struct {
	Path      string
	Frames    int
	Bytes     int64
	Duration  time.Duration
	SessionID string
	Thumbnail string
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Dir      string
	Filename string
	Codec    Codec
	// Thumbnail writes a JPEG of the newest frame next to each replay.
	Thumbnail bool
	// MinFreeBytes fails a save before encoding when the target filesystem
	// has less free space. Zero disables the check.
	MinFreeBytes uint64
}

// Writer encodes sessions to files.
type Writer struct {
	cfg        WriterConfig
	namer      *Namer
	newEncoder EncoderFactory
	diskFree   func(path string) (uint64, error)
}

// NewWriter creates a writer that uses newEncoder for every save.
func NewWriter(cfg WriterConfig, newEncoder EncoderFactory) *Writer {
	return &Writer{
		cfg:        cfg,
		namer:      NewNamer(cfg.Dir, cfg.Filename, cfg.Codec),
		newEncoder: newEncoder,
		diskFree:   freeBytes,
	}
}

// Save writes a session.
func (w *Writer) Save(ctx context.Context, s Session) (Result, error) {
	res, err := w.SaveReplay(ctx, s.Frames, s.Metadata, s.Destination)
	res.SessionID = s.ID
	return res, err
}

// SaveReplay encodes frames, oldest first, at meta's frame rate and size.
//
// The file is written to a ".partial" sibling and renamed on success. When
// encoding fails after the file was created the partial file is kept and its
// path is part of the returned error. ctx cancellation aborts between frames
// with ErrWrite.
func (w *Writer) SaveReplay(ctx context.Context, frames []types.Frame, meta types.StreamMetadata, destination string) (Result, error) {
	start := time.Now()

	if len(frames) == 0 {
		return Result{}, ErrNothingToSave
	}

	path := w.namer.Resolve(destination)
	res := Result{Path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, fmt.Errorf("%w: create directory: %v", ErrWrite, err)
	}

	if err := w.checkDiskSpace(filepath.Dir(path)); err != nil {
		return res, err
	}

	tmp := partialPath(path)
	enc := w.newEncoder()
	if err := enc.Open(tmp, meta, w.cfg.Codec); err != nil {
		enc.Close()
		os.Remove(tmp)
		return res, fmt.Errorf("%w: open %s (%s %s): %v", ErrEncode, path, w.cfg.Codec.Name, meta, err)
	}

	slog.Debug("replay: encoding",
		"path", path,
		"frames", len(frames),
		"metadata", meta.String(),
		"codec", w.cfg.Codec.Name,
	)

	frameSize := meta.FrameSize()
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return res, fmt.Errorf("%w: aborted after %d/%d frames, partial file kept at %s: %w", ErrWrite, i, len(frames), tmp, err)
		}
		if len(f.Data) != frameSize {
			enc.Close()
			return res, fmt.Errorf("%w: frame %d is %d bytes, want %d, partial file kept at %s", ErrWrite, f.Seq, len(f.Data), frameSize, tmp)
		}
		if err := enc.WriteFrame(f); err != nil {
			enc.Close()
			return res, fmt.Errorf("%w: frame %d: %v, partial file kept at %s", ErrWrite, f.Seq, err, tmp)
		}
		res.Frames++
	}

	if err := enc.Close(); err != nil {
		return res, fmt.Errorf("%w: finalize: %v, partial file kept at %s", ErrWrite, err, tmp)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return res, fmt.Errorf("%w: rename: %v", ErrWrite, err)
	}

	if info, err := os.Stat(path); err == nil {
		res.Bytes = info.Size()
	}

	if w.cfg.Thumbnail {
		thumb := thumbnailPath(path)
		if err := writeThumbnail(frames[len(frames)-1], thumb); err != nil {
			slog.Warn("replay: thumbnail failed", "path", thumb, "error", err)
		} else {
			res.Thumbnail = thumb
		}
	}

	res.Duration = time.Since(start)

	slog.Info("replay: saved",
		"path", res.Path,
		"frames", res.Frames,
		"size", humanize.Bytes(uint64(res.Bytes)),
		"seconds", fmt.Sprintf("%.1f", float64(res.Frames)/float64(meta.FrameRate)),
		"took", res.Duration,
	)

	return res, nil
}

func (w *Writer) checkDiskSpace(dir string) error {
	if w.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := w.diskFree(dir)
	if err != nil {
		slog.Warn("replay: disk usage unavailable, skipping check", "dir", dir, "error", err)
		return nil
	}
	if free < w.cfg.MinFreeBytes {
		return fmt.Errorf("%w: only %s free in %s (minimum %s)",
			ErrWrite, humanize.Bytes(free), dir, humanize.Bytes(w.cfg.MinFreeBytes))
	}
	return nil
}
