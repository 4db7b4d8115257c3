package main

import (
	"fmt"

	"github.com/BorisBojanov/ReplaySystem/internal/config"
	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/BorisBojanov/ReplaySystem/internal/replay/cvenc"
	"github.com/BorisBojanov/ReplaySystem/internal/replay/gstenc"
	"github.com/BorisBojanov/ReplaySystem/internal/stream"
	"github.com/BorisBojanov/ReplaySystem/internal/stream/cvcapture"
	"github.com/BorisBojanov/ReplaySystem/internal/stream/gstsrc"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
)

// newOpener returns the source constructor for a capture backend.
func newOpener(backend string, res types.Resolution) (stream.Opener, error) {
	switch backend {
	case "gstreamer":
		return gstsrc.Opener(res), nil
	case "opencv":
		return cvcapture.Opener(res), nil
	case "mock":
		return func(int) stream.Source {
			return stream.NewMockSource(stream.MockConfig{Width: res.Width, Height: res.Height})
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// newEncoderFactory pairs each capture backend with an encoder. The mock
// backend writes through GStreamer.
func newEncoderFactory(backend string) replay.EncoderFactory {
	if backend == "opencv" {
		return cvenc.New
	}
	return gstenc.New
}

// newWriter builds the replay writer from the output configuration.
func newWriter(cfg *config.Config) (*replay.Writer, error) {
	codec, err := replay.LookupCodec(cfg.Output.Codec)
	if err != nil {
		return nil, err
	}
	return replay.NewWriter(replay.WriterConfig{
		Dir:          cfg.Output.Directory,
		Filename:     cfg.Output.Filename,
		Codec:        codec,
		Thumbnail:    cfg.Output.Thumbnail,
		MinFreeBytes: cfg.MinFreeBytes(),
	}, newEncoderFactory(cfg.Device.Backend)), nil
}
