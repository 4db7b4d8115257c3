package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWorkerStopped is returned by Submit after Stop.
var ErrWorkerStopped = errors.New("replay: worker stopped")

// Saver persists one session.
type Saver interface {
	Save(ctx context.Context, s Session) (Result, error)
}

// ResultHandler is called from the worker goroutine after every session,
// including sessions cancelled before they started.
type ResultHandler func(s Session, res Result, err error)

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	Submitted uint64 `json:"submitted"`
	Saved     uint64 `json:"saved"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Cancelled uint64 `json:"cancelled"`
	InFlight  bool   `json:"in_flight"`
}

// Worker runs saves on a single goroutine with at most one save in flight.
//
// A Submit while a save is queued or running is dropped with
// ErrSaveInProgress; nothing is queued behind it.
type Worker struct {
	saver    Saver
	onResult ResultHandler

	requests chan Session
	busy     atomic.Bool
	started  atomic.Bool

	// mu orders Submit against Stop so no session is queued after the
	// worker has stopped draining.
	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// saveCtx is cancelled only when Stop gives up waiting.
	saveCtx    context.Context
	saveCancel context.CancelFunc

	submitted atomic.Uint64
	saved     atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	cancelled atomic.Uint64
}

// NewWorker creates a worker. onResult may be nil.
func NewWorker(saver Saver, onResult ResultHandler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		saver:      saver,
		onResult:   onResult,
		requests:   make(chan Session, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		saveCtx:    ctx,
		saveCancel: cancel,
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.run()
	}
}

// Submit hands a session to the worker without blocking.
func (w *Worker) Submit(s Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	if len(s.Frames) == 0 {
		return ErrNothingToSave
	}
	if !w.busy.CompareAndSwap(false, true) {
		w.dropped.Add(1)
		slog.Warn("replay: save already in progress, trigger dropped",
			"session_id", s.ID,
			"dropped_total", w.dropped.Load(),
		)
		return ErrSaveInProgress
	}

	w.submitted.Add(1)
	w.requests <- s
	return nil
}

// Busy reports whether a save is queued or running.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Stop refuses new sessions, cancels a queued session that has not started
// and waits for a running save. If the save is still running after timeout
// it is aborted through its context and reported as a write error.
func (w *Worker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.stopCh)
		w.mu.Unlock()

		if !w.started.Load() {
			w.cancelPending()
			return
		}

		select {
		case <-w.done:
			return
		case <-time.After(timeout):
		}

		slog.Warn("replay: save still running at shutdown, aborting", "timeout", timeout)
		w.saveCancel()
		<-w.done
	})
	w.saveCancel()
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Submitted: w.submitted.Load(),
		Saved:     w.saved.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Cancelled: w.cancelled.Load(),
		InFlight:  w.busy.Load(),
	}
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stopCh:
			w.cancelPending()
			return

		case s := <-w.requests:
			res, err := w.saver.Save(w.saveCtx, s)
			if err == nil {
				w.saved.Add(1)
			} else {
				w.failed.Add(1)
				slog.Error("replay: save failed",
					"session_id", s.ID,
					"path", res.Path,
					"frames_written", res.Frames,
					"error", err,
				)
			}
			w.finish(s, res, err)
		}
	}
}

// cancelPending reports a queued session that never started.
func (w *Worker) cancelPending() {
	select {
	case s := <-w.requests:
		w.cancelled.Add(1)
		slog.Info("replay: pending save cancelled at shutdown", "session_id", s.ID)
		w.finish(s, Result{SessionID: s.ID}, fmt.Errorf("replay: save cancelled before start: %w", context.Canceled))
	default:
	}
}

func (w *Worker) finish(s Session, res Result, err error) {
	w.busy.Store(false)
	if w.onResult != nil {
		w.onResult(s, res, err)
	}
}
