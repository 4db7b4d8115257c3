package replay

import "github.com/BorisBojanov/ReplaySystem/internal/types"

// Encoder writes frames to a video container. Implementations are used for a
// single file: Open, any number of WriteFrame calls, then Close.
type Encoder interface {
	// Open prepares path for writing at the metadata's frame rate and size.
	Open(path string, meta types.StreamMetadata, codec Codec) error
	WriteFrame(frame types.Frame) error
	// Close finalizes the container. It must be safe to call after a failed
	// Open or WriteFrame.
	Close() error
}

// EncoderFactory creates a fresh Encoder for each save.
type EncoderFactory func() Encoder
