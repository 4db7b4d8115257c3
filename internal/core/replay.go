// Package core drives the capture loop: it owns the frame source, the replay
// ring, the save worker and the preview runner, and reacts to commands.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/control"
	"github.com/BorisBojanov/ReplaySystem/internal/framebus"
	"github.com/BorisBojanov/ReplaySystem/internal/preview"
	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/BorisBojanov/ReplaySystem/internal/ringbuffer"
	"github.com/BorisBojanov/ReplaySystem/internal/stream"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/dustin/go-humanize"
)

var (
	// ErrStartup wraps every failure that keeps the controller Idle.
	ErrStartup = errors.New("core: startup failed")
	// ErrInvalidState is returned when an operation does not apply to the
	// current state.
	ErrInvalidState = errors.New("core: invalid state")
)

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Replay controller.
type Options struct {
	Source stream.Source
	Saver  replay.Saver

	// Commands delivers operator commands. A nil channel never delivers.
	Commands <-chan control.Command

	// Display renders the live preview. Nil disables the preview.
	Display preview.Display

	BufferSeconds int

	// WarmupWindow is how long frame arrival is measured before logging the
	// observed rate against the declared one. Zero disables the measurement.
	WarmupWindow time.Duration

	// StatsInterval is the period of the stats log line. Zero disables it.
	StatsInterval time.Duration

	// ShutdownTimeout bounds the wait for an in-progress save during cleanup.
	ShutdownTimeout time.Duration

	// OnSaveResult is called after every save attempt, including dropped
	// triggers. It runs on the save worker or the capture goroutine and
	// must not block.
	OnSaveResult replay.ResultHandler

	// Keys is only used for the startup banner.
	Keys control.KeyBindings
}

// Replay is the instant replay controller. Stopped is terminal; capturing
// again requires a new controller.
type Replay struct {
	opts Options

	state   atomic.Int32
	started time.Time

	meta   types.StreamMetadata
	ring   *ringbuffer.Ring[types.Frame]
	bus    *framebus.Bus
	worker *replay.Worker
	rate   *stream.RateMonitor

	runner      *preview.Runner
	previewDone chan struct{}

	// pending receives SAVE commands forwarded by the command watcher.
	pending   chan control.Command
	quit      atomic.Bool
	readCtx   context.Context
	cancelRun context.CancelFunc
	watchWG   sync.WaitGroup

	cleanupOnce sync.Once

	framesCaptured atomic.Uint64
	lastFrameAt    atomic.Int64
	nothingToSave  atomic.Uint64
	measured       atomic.Pointer[stream.WarmupStats]
}

// New creates an Idle controller.
func New(opts Options) (*Replay, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: no frame source", ErrStartup)
	}
	if opts.Saver == nil {
		return nil, fmt.Errorf("%w: no replay saver", ErrStartup)
	}
	if opts.BufferSeconds <= 0 {
		return nil, fmt.Errorf("%w: buffer seconds %d: %w", ErrStartup, opts.BufferSeconds, ringbuffer.ErrInvalidCapacity)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Keys == (control.KeyBindings{}) {
		opts.Keys = control.DefaultKeyBindings
	}

	return &Replay{
		opts:    opts,
		pending: make(chan control.Command, 8),
	}, nil
}

// State returns the current lifecycle state.
func (r *Replay) State() State {
	return State(r.state.Load())
}

// Metadata returns the stream metadata captured at Start.
func (r *Replay) Metadata() types.StreamMetadata {
	return r.meta
}

// Start opens the frame source and allocates the ring. On failure the
// controller stays Idle and the error wraps ErrStartup.
func (r *Replay) Start(ctx context.Context) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, r.State())
	}

	meta, err := r.opts.Source.Open(ctx)
	if err != nil {
		// Release whatever the failed open acquired; the source is not reused.
		if cerr := r.opts.Source.Close(); cerr != nil {
			slog.Debug("core: close after failed open", "error", cerr)
		}
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	if meta.Width <= 0 || meta.Height <= 0 {
		r.opts.Source.Close()
		return fmt.Errorf("%w: device reported invalid frame size %dx%d", ErrStartup, meta.Width, meta.Height)
	}

	meta, substituted := meta.Normalize()
	if substituted {
		slog.Warn("core: device reported no frame rate, using default",
			"fps", meta.FrameRate,
		)
	}

	ring, err := ringbuffer.New[types.Frame](meta.Capacity(r.opts.BufferSeconds))
	if err != nil {
		r.opts.Source.Close()
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	r.meta = meta
	r.ring = ring
	r.bus = framebus.New()
	r.worker = replay.NewWorker(r.opts.Saver, r.handleResult)
	if r.opts.WarmupWindow > 0 {
		r.rate = stream.NewRateMonitor(r.opts.WarmupWindow, meta.FrameRate)
	}

	if r.opts.Display != nil {
		latest, err := r.bus.SubscribeLatest("preview")
		if err != nil {
			r.opts.Source.Close()
			return fmt.Errorf("%w: preview: %w", ErrStartup, err)
		}
		r.runner = preview.NewRunner(r.opts.Display, latest)
	}

	r.readCtx, r.cancelRun = context.WithCancel(context.Background())
	r.worker.Start()
	if r.runner != nil {
		r.previewDone = make(chan struct{})
		go func() {
			defer close(r.previewDone)
			r.runner.Run(r.readCtx)
		}()
	}
	r.watchWG.Add(1)
	go r.watchCommands(r.readCtx)
	if r.opts.StatsInterval > 0 {
		r.watchWG.Add(1)
		go func() {
			defer r.watchWG.Done()
			r.logStats(r.readCtx, r.opts.StatsInterval)
		}()
	}

	r.started = time.Now()
	r.state.Store(int32(StateCapturing))

	slog.Info("core: capture started",
		"resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		"fps", meta.FrameRate,
		"backend", meta.Backend,
		"buffer_seconds", r.opts.BufferSeconds,
		"buffer_frames", ring.Cap(),
		"buffer_memory", humanize.IBytes(uint64(ring.Cap())*uint64(meta.FrameSize())),
		"save_key", string(r.opts.Keys.Save),
		"quit_key", string(r.opts.Keys.Quit),
		"preview", r.runner != nil,
	)
	return nil
}

// Run executes the capture loop until quit, stream end, ctx cancellation or
// an unrecoverable read error, then cleans up and leaves the controller
// Stopped. Only read failures are returned.
func (r *Replay) Run(ctx context.Context) error {
	if r.State() != StateCapturing {
		return fmt.Errorf("%w: run in state %s", ErrInvalidState, r.State())
	}
	defer r.Close()

	stopOnCtx := context.AfterFunc(ctx, r.cancelRun)
	defer stopOnCtx()

	for {
		frame, err := r.opts.Source.ReadFrame(r.readCtx)
		if err != nil {
			switch {
			case r.quit.Load():
				r.drainPending()
				slog.Info("core: quit requested, stopping capture")
				return nil
			case r.readCtx.Err() != nil:
				r.drainPending()
				slog.Info("core: capture cancelled, stopping", "reason", context.Cause(ctx))
				return nil
			case errors.Is(err, stream.ErrStreamEnded):
				r.drainPending()
				slog.Info("core: stream ended, stopping capture",
					"frames_captured", r.framesCaptured.Load(),
				)
				return nil
			default:
				slog.Error("core: frame read failed, stopping capture", "error", err)
				return fmt.Errorf("core: capture: %w", err)
			}
		}

		r.ring.Push(frame)
		r.framesCaptured.Add(1)
		r.lastFrameAt.Store(time.Now().UnixNano())
		r.bus.Publish(frame)
		r.observeRate(frame)

		if r.pollCommands() {
			slog.Info("core: quit requested, stopping capture")
			return nil
		}
	}
}

// watchCommands forwards SAVE to the capture loop and turns QUIT into a
// cancellation of the blocking read.
func (r *Replay) watchCommands(ctx context.Context) {
	defer r.watchWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-r.opts.Commands:
			if !ok {
				return
			}
			switch cmd {
			case control.CommandQuit:
				r.quit.Store(true)
				r.cancelRun()
				return
			case control.CommandSave:
				select {
				case r.pending <- cmd:
				default:
					slog.Warn("core: save trigger dropped, command queue full")
				}
			default:
				slog.Warn("core: unknown command ignored", "command", cmd.String())
			}
		}
	}
}

// pollCommands drains pending commands without blocking and reports whether
// the loop should stop.
func (r *Replay) pollCommands() bool {
	for {
		select {
		case <-r.pending:
			r.triggerSave()
		default:
			if !r.quit.Load() {
				return false
			}
			// A SAVE queued just before QUIT still gets its snapshot.
			r.drainPending()
			return true
		}
	}
}

// drainPending handles SAVE commands that were forwarded but not yet polled.
func (r *Replay) drainPending() {
	for {
		select {
		case <-r.pending:
			r.triggerSave()
		default:
			return
		}
	}
}

func (r *Replay) triggerSave() {
	frames := r.ring.Snapshot()
	s := replay.NewSession(frames, r.meta, "")

	err := r.worker.Submit(s)
	switch {
	case err == nil:
		slog.Info("core: save triggered", "session_id", s.ID, "frames", len(frames))
	case errors.Is(err, replay.ErrNothingToSave):
		r.nothingToSave.Add(1)
		slog.Info("core: nothing to save, buffer is empty")
	case errors.Is(err, replay.ErrSaveInProgress):
		if r.opts.OnSaveResult != nil {
			r.opts.OnSaveResult(s, replay.Result{SessionID: s.ID}, err)
		}
	default:
		slog.Error("core: save trigger failed", "session_id", s.ID, "error", err)
	}
}

func (r *Replay) handleResult(s replay.Session, res replay.Result, err error) {
	if err == nil {
		slog.Info("core: replay saved",
			"path", res.Path,
			"frames", res.Frames,
			"size", humanize.Bytes(uint64(res.Bytes)),
			"took", res.Duration.Round(time.Millisecond),
		)
	}
	if r.opts.OnSaveResult != nil {
		r.opts.OnSaveResult(s, res, err)
	}
}

func (r *Replay) observeRate(frame types.Frame) {
	if r.rate == nil {
		return
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stats, ok := r.rate.Observe(ts)
	if !ok {
		return
	}
	r.measured.Store(stats)

	attrs := []any{
		"declared_fps", r.meta.FrameRate,
		"measured_fps", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"jitter_ms", fmt.Sprintf("%.1f", stats.JitterMean*1000),
		"stable", stats.IsStable,
	}
	if stats.FramesReceived > 1 && (stats.FPSMean < float64(r.meta.FrameRate)*0.8 || stats.FPSMean > float64(r.meta.FrameRate)*1.2) {
		slog.Warn("core: measured frame rate differs from declared; replays play at the declared rate", attrs...)
		return
	}
	slog.Info("core: frame rate measured", attrs...)
}

// logStats logs capture counters every interval and warns when the preview
// drops most frames in an interval.
func (r *Replay) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := r.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := r.Stats()
		fields := []any{
			"frames_captured", stats.FramesCaptured,
			"frames_last_interval", stats.FramesCaptured - prev.FramesCaptured,
			"buffer_len", stats.Buffer.Len,
			"buffer_cap", stats.Buffer.Capacity,
			"saves", stats.Saves.Saved,
			"save_failures", stats.Saves.Failed,
			"saves_dropped", stats.Saves.Dropped,
		}

		if stats.PreviewBus != nil && prev.PreviewBus != nil {
			delta := framebus.SubscriberStats{
				Sent:    stats.PreviewBus.Sent - prev.PreviewBus.Sent,
				Dropped: stats.PreviewBus.Dropped - prev.PreviewBus.Dropped,
			}
			if rate := delta.DropRate(); rate > 0.80 {
				slog.Warn("core: preview high drop rate detected",
					"drop_rate_pct", int(rate*100),
					"dropped_last_interval", delta.Dropped,
					"action", "preview is slower than capture")
			}
			fields = append(fields, "preview_drop_rate", fmt.Sprintf("%.2f", stats.PreviewBus.DropRate()))
		}

		slog.Info("core: capture stats", fields...)
		prev = stats
	}
}

// Close releases every resource exactly once and leaves the controller
// Stopped. It is safe to call more than once and from any state.
func (r *Replay) Close() {
	r.cleanupOnce.Do(r.cleanup)
}

func (r *Replay) cleanup() {
	prev := State(r.state.Swap(int32(StateStopped)))

	if r.cancelRun != nil {
		r.cancelRun()
	}
	r.watchWG.Wait()

	if r.worker != nil {
		r.worker.Stop(r.opts.ShutdownTimeout)
	}

	if err := r.opts.Source.Close(); err != nil {
		slog.Warn("core: source close failed", "error", err)
	}

	if r.bus != nil {
		r.bus.Close()
	}
	if r.previewDone != nil {
		<-r.previewDone
	}

	if prev == StateCapturing {
		stats := r.Stats()
		slog.Info("core: capture stopped",
			"uptime", time.Since(r.started).Round(time.Second),
			"frames_captured", stats.FramesCaptured,
			"saves", stats.Saves.Saved,
			"save_failures", stats.Saves.Failed,
			"saves_dropped", stats.Saves.Dropped,
		)
	}
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	State          string                    `json:"state"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	Metadata       StreamInfo                `json:"stream"`
	Buffer         ringbuffer.Stats          `json:"buffer"`
	FramesCaptured uint64                    `json:"frames_captured"`
	NothingToSave  uint64                    `json:"nothing_to_save"`
	Saves          replay.WorkerStats        `json:"saves"`
	Preview        *preview.Stats            `json:"preview,omitempty"`
	PreviewBus     *framebus.SubscriberStats `json:"preview_bus,omitempty"`
	MeasuredFPS    float64                   `json:"measured_fps,omitempty"`
	FPSStable      *bool                     `json:"fps_stable,omitempty"`
}

// StreamInfo is the JSON form of the stream metadata.
type StreamInfo struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"fps"`
	Backend   string `json:"backend"`
}

// Stats returns controller statistics. It is safe for concurrent use once
// Start has returned.
func (r *Replay) Stats() Stats {
	s := Stats{
		State:          r.State().String(),
		FramesCaptured: r.framesCaptured.Load(),
		NothingToSave:  r.nothingToSave.Load(),
		Metadata: StreamInfo{
			Width:     r.meta.Width,
			Height:    r.meta.Height,
			FrameRate: r.meta.FrameRate,
			Backend:   r.meta.Backend,
		},
	}
	if !r.started.IsZero() {
		s.UptimeSeconds = int64(time.Since(r.started).Seconds())
	}
	if r.ring != nil {
		s.Buffer = r.ring.Stats()
	}
	if r.worker != nil {
		s.Saves = r.worker.Stats()
	}
	if r.runner != nil {
		ps := r.runner.Stats()
		s.Preview = &ps
		if bs, err := r.bus.Stats("preview"); err == nil {
			s.PreviewBus = &bs
		}
	}
	if m := r.measured.Load(); m != nil {
		s.MeasuredFPS = m.FPSMean
		stable := m.IsStable
		s.FPSStable = &stable
	}
	return s
}

// LastFrameAge returns the time since the last captured frame, or zero if
// none has been captured.
func (r *Replay) LastFrameAge() time.Duration {
	ns := r.lastFrameAt.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}
