package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/google/uuid"
)

// MockConfig configures a MockSource.
type MockConfig struct {
	Width  int
	Height int
	// FPS is the pacing rate. ReportedFPS is what Open returns; leave it at
	// zero to report FPS, or set it negative to emulate a driver that reports
	// nothing.
	FPS         int
	ReportedFPS int
	// Limit ends the stream after this many frames (0 = unlimited).
	Limit uint64
	// OpenErr makes Open fail; it is wrapped with ErrDeviceUnavailable.
	OpenErr error
}

// MockSource generates synthetic BGR24 frames at a fixed rate.
type MockSource struct {
	cfg MockConfig

	mu       sync.Mutex
	opened   bool
	seq      uint64
	next     time.Time
	interval time.Duration

	closed  atomic.Bool
	closeCh chan struct{}

	framesEmitted atomic.Uint64
}

// NewMockSource creates a mock source. Zero width/height/fps fall back to
// 640x480@30.
func NewMockSource(cfg MockConfig) *MockSource {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = types.DefaultFrameRate
	}
	return &MockSource{
		cfg:     cfg,
		closeCh: make(chan struct{}),
	}
}

// Open implements Source.
func (m *MockSource) Open(ctx context.Context) (types.StreamMetadata, error) {
	if m.cfg.OpenErr != nil {
		return types.StreamMetadata{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, m.cfg.OpenErr)
	}
	if m.closed.Load() {
		return types.StreamMetadata{}, fmt.Errorf("%w: source closed", ErrDeviceUnavailable)
	}

	m.mu.Lock()
	m.opened = true
	m.interval = time.Second / time.Duration(m.cfg.FPS)
	m.next = time.Now()
	m.mu.Unlock()

	reported := m.cfg.ReportedFPS
	if reported == 0 {
		reported = m.cfg.FPS
	}

	slog.Info("stream: mock source opened",
		"width", m.cfg.Width,
		"height", m.cfg.Height,
		"fps", m.cfg.FPS,
		"reported_fps", reported,
		"limit", m.cfg.Limit,
	)

	return types.StreamMetadata{
		FrameRate:  reported,
		Width:      m.cfg.Width,
		Height:     m.cfg.Height,
		Backend:    "mock",
		DetectedAt: time.Now(),
	}, nil
}

// ReadFrame implements Source. Frames are paced at the configured rate.
func (m *MockSource) ReadFrame(ctx context.Context) (types.Frame, error) {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return types.Frame{}, fmt.Errorf("stream: mock source not opened")
	}
	if m.cfg.Limit > 0 && m.seq >= m.cfg.Limit {
		m.mu.Unlock()
		return types.Frame{}, ErrStreamEnded
	}
	wait := time.Until(m.next)
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-m.closeCh:
			return types.Frame{}, ErrStreamEnded
		case <-timer.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-m.closeCh:
			return types.Frame{}, ErrStreamEnded
		default:
		}
	}

	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.next = m.next.Add(m.interval)
	m.mu.Unlock()

	m.framesEmitted.Add(1)
	return m.createFrame(seq), nil
}

// Close implements Source. Safe to call more than once.
func (m *MockSource) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.closeCh)
	slog.Debug("stream: mock source closed", "frames_emitted", m.framesEmitted.Load())
	return nil
}

// FramesEmitted returns the number of frames produced so far.
func (m *MockSource) FramesEmitted() uint64 {
	return m.framesEmitted.Load()
}

// createFrame fills a BGR24 raster with a moving gradient so consecutive
// frames differ.
func (m *MockSource) createFrame(seq uint64) types.Frame {
	w, h := m.cfg.Width, m.cfg.Height
	data := make([]byte, w*h*3)
	shift := byte(seq)
	for y := 0; y < h; y++ {
		row := data[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			row[x*3] = byte(x) + shift
			row[x*3+1] = byte(y) + shift
			row[x*3+2] = shift
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}
