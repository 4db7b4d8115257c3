// Package gstsrc implements stream.Source on top of a GStreamer v4l2src
// pipeline.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(BGR) → appsink
//
// Frames are copied out of the appsink callback into a buffered channel;
// ReadFrame selects on that channel, the bus monitor and the caller's
// context, so a quit never waits for the device.
package gstsrc

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
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	sinkName = "replaysink"

	// openTimeout bounds how long Open waits for the first negotiated sample.
	openTimeout = 5 * time.Second

	frameBuffer = 30
)

// Source captures BGR24 frames from /dev/video<N>.
type Source struct {
	opts stream.Options

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames  chan types.Frame
	busErr  chan error
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	metaOnce sync.Once
	metaCh   chan types.StreamMetadata

	frameCount    uint64
	bytesRead     uint64
	framesDropped uint64
	started       time.Time
}

// New creates an unopened GStreamer source.
func New(opts stream.Options) *Source {
	return &Source{
		opts:    opts,
		frames:  make(chan types.Frame, frameBuffer),
		busErr:  make(chan error, 1),
		closeCh: make(chan struct{}),
		metaCh:  make(chan types.StreamMetadata, 1),
	}
}

// Opener returns a stream.Opener for device probing.
func Opener(res types.Resolution) stream.Opener {
	return func(index int) stream.Source {
		return New(stream.Options{DeviceIndex: index, Resolution: res})
	}
}

// buildPipeline returns the gst-launch description for a device.
func buildPipeline(opts stream.Options) string {
	caps := "video/x-raw,format=BGR"
	if !opts.Resolution.IsZero() {
		caps = fmt.Sprintf("%s,width=%d,height=%d", caps, opts.Resolution.Width, opts.Resolution.Height)
	}

	return fmt.Sprintf(
		"v4l2src device=/dev/video%d ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"%s ! "+
			"appsink name=%s sync=false max-buffers=2 drop=true",
		opts.DeviceIndex, caps, sinkName,
	)
}

// Open implements stream.Source. It starts the pipeline and waits for the
// first sample so the negotiated caps can be reported.
func (s *Source) Open(ctx context.Context) (types.StreamMetadata, error) {
	gst.Init(nil)

	pipelineStr := buildPipeline(s.opts)
	slog.Debug("stream: creating v4l2 pipeline", "pipeline", pipelineStr)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return types.StreamMetadata{}, fmt.Errorf("%w: create pipeline: %v", stream.ErrDeviceUnavailable, err)
	}
	s.pipeline = pipeline

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		s.destroy()
		return types.StreamMetadata{}, fmt.Errorf("%w: appsink not found: %v", stream.ErrDeviceUnavailable, err)
	}
	s.appsink = app.SinkFromElement(elem)
	s.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		s.destroy()
		return types.StreamMetadata{}, fmt.Errorf("%w: start pipeline: %v", stream.ErrDeviceUnavailable, err)
	}
	s.started = time.Now()

	s.wg.Add(1)
	go s.monitorBus()

	timer := time.NewTimer(openTimeout)
	defer timer.Stop()

	select {
	case meta := <-s.metaCh:
		if !s.opts.Resolution.IsZero() &&
			(meta.Width != s.opts.Resolution.Width || meta.Height != s.opts.Resolution.Height) {
			slog.Warn("stream: requested resolution not honoured",
				"requested", s.opts.Resolution.String(),
				"actual", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
			)
		}
		slog.Info("stream: v4l2 device opened",
			"device", fmt.Sprintf("/dev/video%d", s.opts.DeviceIndex),
			"width", meta.Width,
			"height", meta.Height,
			"fps", meta.FrameRate,
		)
		return meta, nil

	case err := <-s.busErr:
		s.Close()
		return types.StreamMetadata{}, fmt.Errorf("%w: %v", stream.ErrDeviceUnavailable, err)

	case <-timer.C:
		s.Close()
		return types.StreamMetadata{}, fmt.Errorf("%w: no frames after %v", stream.ErrDeviceUnavailable, openTimeout)

	case <-ctx.Done():
		s.Close()
		return types.StreamMetadata{}, ctx.Err()
	}
}

// ReadFrame implements stream.Source.
func (s *Source) ReadFrame(ctx context.Context) (types.Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case err := <-s.busErr:
		return types.Frame{}, fmt.Errorf("%w: %v", stream.ErrStreamEnded, err)
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

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("stream: bus monitor did not stop in time")
	}

	err := s.destroy()

	slog.Info("stream: v4l2 device closed",
		"frames_captured", atomic.LoadUint64(&s.frameCount),
		"frames_dropped", atomic.LoadUint64(&s.framesDropped),
		"bytes_read", atomic.LoadUint64(&s.bytesRead),
		"uptime", time.Since(s.started),
	)
	return err
}

func (s *Source) destroy() error {
	if s.pipeline == nil {
		return nil
	}
	err := s.pipeline.SetState(gst.StateNull)
	s.pipeline = nil
	if err != nil {
		return fmt.Errorf("stream: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// onNewSample copies the frame out of GStreamer memory (the buffer is reused
// after return) and hands it to ReadFrame without blocking the streaming
// thread.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("stream: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	width, height, fps := capsInfo(sample.GetCaps())
	s.metaOnce.Do(func() {
		s.metaCh <- types.StreamMetadata{
			FrameRate:  fps,
			Width:      width,
			Height:     height,
			Backend:    "gstreamer",
			DetectedAt: time.Now(),
		}
	})

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// Rows arrive 4-byte aligned; frames are stored tightly packed.
	frameData, err := types.UnpadRows(data, width, height, rowStride(len(data), width, height))
	buffer.Unmap()
	if err != nil {
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Warn("stream: unexpected buffer layout, skipping frame", "error", err)
		return gst.FlowOK
	}

	seq := atomic.AddUint64(&s.frameCount, 1) - 1
	atomic.AddUint64(&s.bytesRead, uint64(len(frameData)))

	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Debug("stream: dropping frame, reader behind", "seq", seq)
	}

	return gst.FlowOK
}

// rowStride infers the distance between rows of a BGR buffer of size bytes.
func rowStride(size, width, height int) int {
	row := width * 3
	if height <= 0 || size == row*height {
		return row
	}
	if s := size / height; s >= row && size%height == 0 {
		return s
	}
	return types.PaddedStride(width)
}

// capsInfo extracts width, height and integer framerate from negotiated caps.
func capsInfo(caps *gst.Caps) (width, height, fps int) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, 0
	}
	structure := caps.GetStructureAt(0)

	if val, err := structure.GetValue("width"); err == nil {
		if w, ok := val.(int); ok {
			width = w
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if h, ok := val.(int); ok {
			height = h
		}
	}
	if val, err := structure.GetValue("framerate"); err == nil {
		fps = stream.ParseFrameRate(fmt.Sprintf("%v", val))
	}
	return width, height, fps
}

// monitorBus polls the pipeline bus until Close, forwarding the first EOS or
// error to ReadFrame.
func (s *Source) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("stream: end of stream received",
				"device", s.opts.DeviceIndex,
				"frames_captured", atomic.LoadUint64(&s.frameCount),
			)
			s.reportBusError(fmt.Errorf("end of stream"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := stream.ClassifyError(gerr.Error(), gerr.DebugString())
			slog.Error("stream: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", s.opts.DeviceIndex,
				"uptime", time.Since(s.started),
			)
			s.reportBusError(fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error()))
			return
		}
	}
}

func (s *Source) reportBusError(err error) {
	select {
	case s.busErr <- err:
	default:
	}
}
