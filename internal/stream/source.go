// Package stream defines the frame source contract used by the capture loop
// and the helpers shared by every backend: device probing, frame rate
// statistics and error classification.
//
// Hardware backends live in sub-packages (gstsrc, cvcapture) so that the
// rest of the module can be built and tested without cgo.
package stream

import (
	"context"
	"errors"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
)

var (
	// ErrDeviceUnavailable is returned by Open when the device index does not
	// exist or cannot be opened.
	ErrDeviceUnavailable = errors.New("stream: device unavailable")

	// ErrStreamEnded is returned by ReadFrame when the device stops producing
	// frames (unplugged, end of stream, or source closed).
	ErrStreamEnded = errors.New("stream: stream ended")
)

// Source is a single video input device.
//
// Open must be called once before ReadFrame. ReadFrame blocks until the next
// frame is available, the stream ends, or ctx is cancelled. Close is
// idempotent and releases the device.
type Source interface {
	Open(ctx context.Context) (types.StreamMetadata, error)
	ReadFrame(ctx context.Context) (types.Frame, error)
	Close() error
}

// Options configures a source backend.
type Options struct {
	DeviceIndex int
	// Resolution is a request only. Backends apply it when they can and
	// report the negotiated size in StreamMetadata.
	Resolution types.Resolution
}

// Opener constructs an unopened source for a device index.
type Opener func(index int) Source
