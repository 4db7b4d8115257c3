package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultFrameRate is substituted when a device reports a non-positive or
// unreadable frame rate.
const DefaultFrameRate = 30

// Frame represents a single captured video frame.
//
// Frames are immutable once captured: Data MUST NOT be modified after the
// frame leaves the source (it is shared by reference with the ring buffer,
// the preview and any in-flight replay).
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was read from the device (diagnostics only)
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raster (BGR24, Width × Height × 3 bytes)
	Data []byte
	// TraceID is a unique identifier for following a frame through logs
	TraceID string
}

// StreamMetadata describes the stream as discovered when capture starts.
// It is immutable for the lifetime of a capture.
type StreamMetadata struct {
	FrameRate  int
	Width      int
	Height     int
	Backend    string
	DetectedAt time.Time
}

// Normalize substitutes DefaultFrameRate for a non-positive frame rate and
// reports whether the substitution happened.
func (m StreamMetadata) Normalize() (StreamMetadata, bool) {
	if m.FrameRate > 0 {
		return m, false
	}
	m.FrameRate = DefaultFrameRate
	return m, true
}

// Capacity returns the number of frames needed to hold bufferSeconds of video.
func (m StreamMetadata) Capacity(bufferSeconds int) int {
	return m.FrameRate * bufferSeconds
}

// FrameSize returns the size in bytes of one BGR24 frame.
func (m StreamMetadata) FrameSize() int {
	return m.Width * m.Height * 3
}

// String returns a compact description, e.g. "1280x720@30".
func (m StreamMetadata) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Width, m.Height, m.FrameRate)
}

// Resolution is a requested capture size. The zero value means "device default".
type Resolution struct {
	Width  int
	Height int
}

// IsZero reports whether no resolution was requested.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// String returns a human-readable representation ("1280x720", or "default").
func (r Resolution) String() string {
	if r.IsZero() {
		return "default"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution accepts a preset name (480p, 512p, 720p, 1080p), an explicit
// "WxH" value, or an empty string for the device default.
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "default":
		return Resolution{}, nil
	case "480p":
		return Resolution{Width: 640, Height: 480}, nil
	case "512p":
		return Resolution{Width: 910, Height: 512}, nil
	case "720p":
		return Resolution{Width: 1280, Height: 720}, nil
	case "1080p":
		return Resolution{Width: 1920, Height: 1080}, nil
	}

	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q (want preset or WxH)", s)
	}
	if w <= 0 || h <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution %q (dimensions must be > 0)", s)
	}
	return Resolution{Width: w, Height: h}, nil
}
