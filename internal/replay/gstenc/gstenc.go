// Package gstenc implements replay.Encoder with a GStreamer appsrc pipeline.
//
// Pipeline structure:
//
//	appsrc(BGR) → videoconvert → <encoder> → <muxer> → filesink
package gstenc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	srcName  = "replaysrc"
	sinkName = "replayfile"

	// eosTimeout bounds how long Close waits for the muxer to finalize.
	eosTimeout = 10 * time.Second
)

// Encoder writes one file per Open/Close cycle.
type Encoder struct {
	pipeline *gst.Pipeline
	src      *app.Source
	path     string
	playing  bool
	meta     types.StreamMetadata

	frameDuration time.Duration
	frames        int
}

// New returns an unopened encoder. It satisfies replay.EncoderFactory.
func New() replay.Encoder {
	return &Encoder{}
}

// buildPipeline returns the gst-launch description for a codec and stream.
func buildPipeline(meta types.StreamMetadata, codec replay.Codec) string {
	return fmt.Sprintf(
		"appsrc name=%s format=time is-live=false block=true "+
			"caps=video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! "+
			"%s ! "+
			"%s ! "+
			"filesink name=%s",
		srcName, meta.Width, meta.Height, meta.FrameRate,
		codec.GstEncoder, codec.GstMuxer, sinkName,
	)
}

// Open implements replay.Encoder.
func (e *Encoder) Open(path string, meta types.StreamMetadata, codec replay.Codec) error {
	if codec.GstEncoder == "" || codec.GstMuxer == "" {
		return fmt.Errorf("codec %s has no gstreamer mapping", codec.Name)
	}
	if meta.FrameRate <= 0 || meta.Width <= 0 || meta.Height <= 0 {
		return fmt.Errorf("invalid stream metadata %s", meta)
	}

	gst.Init(nil)

	pipelineStr := buildPipeline(meta, codec)
	slog.Debug("replay: creating encoder pipeline", "pipeline", pipelineStr, "path", path)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	e.pipeline = pipeline

	sink, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return fmt.Errorf("filesink not found: %w", err)
	}
	if err := sink.SetProperty("location", path); err != nil {
		return fmt.Errorf("set location: %w", err)
	}

	srcElem, err := pipeline.GetElementByName(srcName)
	if err != nil {
		return fmt.Errorf("appsrc not found: %w", err)
	}
	e.src = app.SrcFromElement(srcElem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	e.playing = true
	e.path = path
	e.meta = meta
	e.frameDuration = time.Second / time.Duration(meta.FrameRate)
	return nil
}

// WriteFrame implements replay.Encoder. Timestamps are derived from the
// frame index and the capture-time frame rate. Rows are padded to the
// 4-byte stride appsrc expects for BGR.
func (e *Encoder) WriteFrame(frame types.Frame) error {
	if e.src == nil {
		return fmt.Errorf("encoder not open")
	}

	data, err := types.PadRows(frame.Data, e.meta.Width, e.meta.Height, types.PaddedStride(e.meta.Width))
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Seq, err)
	}

	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(time.Duration(e.frames) * e.frameDuration)
	buf.SetDuration(e.frameDuration)

	if ret := e.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %v", ret)
	}
	e.frames++
	return nil
}

// Close implements replay.Encoder. It sends EOS and waits for the muxer to
// finish writing the container.
func (e *Encoder) Close() error {
	if e.pipeline == nil {
		return nil
	}
	defer func() {
		e.pipeline.SetState(gst.StateNull)
		e.pipeline = nil
		e.src = nil
		e.playing = false
	}()

	if e.src == nil || !e.playing {
		return nil
	}
	if ret := e.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("end stream: %v", ret)
	}

	bus := e.pipeline.GetPipelineBus()
	deadline := time.Now().Add(eosTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("replay: encoder finalized", "path", e.path, "frames", e.frames)
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
		}
	}
	return fmt.Errorf("timed out after %v waiting for end of stream", eosTimeout)
}
