// Package cvenc implements replay.Encoder with OpenCV's VideoWriter.
package cvenc

import (
	"fmt"

	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"gocv.io/x/gocv"
)

// Encoder wraps a gocv.VideoWriter.
type Encoder struct {
	writer *gocv.VideoWriter
	meta   types.StreamMetadata
}

// New returns an unopened encoder. It satisfies replay.EncoderFactory.
func New() replay.Encoder {
	return &Encoder{}
}

// Open implements replay.Encoder. The FourCC is the codec name.
func (e *Encoder) Open(path string, meta types.StreamMetadata, codec replay.Codec) error {
	w, err := gocv.VideoWriterFile(path, codec.Name, float64(meta.FrameRate), meta.Width, meta.Height, true)
	if err != nil {
		return err
	}
	if !w.IsOpened() {
		w.Close()
		return fmt.Errorf("video writer not opened for %s %s", codec.Name, meta)
	}
	e.writer = w
	e.meta = meta
	return nil
}

// WriteFrame implements replay.Encoder.
func (e *Encoder) WriteFrame(frame types.Frame) error {
	if e.writer == nil {
		return fmt.Errorf("encoder not open")
	}

	mat, err := gocv.NewMatFromBytes(e.meta.Height, e.meta.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Seq, err)
	}
	defer mat.Close()

	return e.writer.Write(mat)
}

// Close implements replay.Encoder.
func (e *Encoder) Close() error {
	if e.writer == nil {
		return nil
	}
	err := e.writer.Close()
	e.writer = nil
	return err
}
