// Package cvcapture implements stream.Source with OpenCV (gocv).
package cvcapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/stream"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// Source reads frames from an OpenCV VideoCapture device.
//
// gocv reads block in C code and cannot be cancelled, so a single reader
// goroutine owns the device and hands frames over a channel. Close waits for
// the in-flight read before releasing the capture.
type Source struct {
	opts stream.Options

	webcam *gocv.VideoCapture
	width  int
	height int

	frames  chan types.Frame
	ended   chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	frameCount atomic.Uint64
}

// New creates an unopened OpenCV source.
func New(opts stream.Options) *Source {
	return &Source{
		opts:    opts,
		frames:  make(chan types.Frame, 1),
		ended:   make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Opener returns a stream.Opener for device probing.
func Opener(res types.Resolution) stream.Opener {
	return func(index int) stream.Source {
		return New(stream.Options{DeviceIndex: index, Resolution: res})
	}
}

// Open implements stream.Source.
func (s *Source) Open(ctx context.Context) (types.StreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return types.StreamMetadata{}, err
	}

	webcam, err := gocv.VideoCaptureDevice(s.opts.DeviceIndex)
	if err != nil {
		return types.StreamMetadata{}, fmt.Errorf("%w: index %d: %v", stream.ErrDeviceUnavailable, s.opts.DeviceIndex, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return types.StreamMetadata{}, fmt.Errorf("%w: index %d not opened", stream.ErrDeviceUnavailable, s.opts.DeviceIndex)
	}

	if !s.opts.Resolution.IsZero() {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(s.opts.Resolution.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(s.opts.Resolution.Height))
	}

	meta := types.StreamMetadata{
		FrameRate:  int(webcam.Get(gocv.VideoCaptureFPS)),
		Width:      int(webcam.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(webcam.Get(gocv.VideoCaptureFrameHeight)),
		Backend:    "opencv",
		DetectedAt: time.Now(),
	}

	if !s.opts.Resolution.IsZero() &&
		(meta.Width != s.opts.Resolution.Width || meta.Height != s.opts.Resolution.Height) {
		slog.Warn("stream: requested resolution not honoured",
			"requested", s.opts.Resolution.String(),
			"actual", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		)
	}

	s.webcam = webcam
	s.width = meta.Width
	s.height = meta.Height

	s.wg.Add(1)
	go s.readLoop()

	slog.Info("stream: opencv device opened",
		"index", s.opts.DeviceIndex,
		"width", meta.Width,
		"height", meta.Height,
		"fps", meta.FrameRate,
	)
	return meta, nil
}

// ReadFrame implements stream.Source.
func (s *Source) ReadFrame(ctx context.Context) (types.Frame, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return types.Frame{}, stream.ErrStreamEnded
		}
		return frame, nil
	case <-s.ended:
		return types.Frame{}, stream.ErrStreamEnded
	case <-s.closeCh:
		return types.Frame{}, stream.ErrStreamEnded
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close implements stream.Source. Safe to call more than once.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeCh)
	s.wg.Wait()

	if s.webcam == nil {
		return nil
	}
	if err := s.webcam.Close(); err != nil {
		return fmt.Errorf("stream: close capture: %w", err)
	}
	slog.Info("stream: opencv device closed",
		"index", s.opts.DeviceIndex,
		"frames_captured", s.frameCount.Load(),
	)
	return nil
}

func (s *Source) readLoop() {
	defer s.wg.Done()
	defer close(s.ended)

	mat := gocv.NewMat()
	defer mat.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if ok := s.webcam.Read(&mat); !ok || mat.Empty() {
			slog.Info("stream: opencv read returned no frame, stream ended",
				"index", s.opts.DeviceIndex,
				"frames_captured", s.frameCount.Load(),
			)
			return
		}

		src := &mat
		switch mat.Channels() {
		case 1:
			gocv.CvtColor(mat, &bgr, gocv.ColorGrayToBGR)
			src = &bgr
		case 4:
			gocv.CvtColor(mat, &bgr, gocv.ColorBGRAToBGR)
			src = &bgr
		}

		frame := types.Frame{
			Seq:       s.frameCount.Add(1) - 1,
			Timestamp: time.Now(),
			Width:     src.Cols(),
			Height:    src.Rows(),
			Data:      src.ToBytes(),
			TraceID:   uuid.New().String(),
		}

		select {
		case s.frames <- frame:
		case <-s.closeCh:
			return
		}
	}
}
