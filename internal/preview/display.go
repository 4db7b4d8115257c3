// Package preview renders captured frames for the operator.
//
// Rendering is decoupled from capture: the controller publishes frames to a
// framebus mailbox and Runner shows the newest one on its own goroutine.
// Display failures are logged and counted; they never reach the capture loop.
package preview

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/BorisBojanov/ReplaySystem/internal/framebus"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
)

// Display renders frames. Implementations are only called from the Runner
// goroutine, which is locked to one OS thread.
type Display interface {
	Show(frame types.Frame) error
	Close() error
}

// Stats counts rendered and failed frames.
type Stats struct {
	Shown  uint64 `json:"shown"`
	Failed uint64 `json:"failed"`
}

// Runner pulls frames from a mailbox and shows them.
type Runner struct {
	display Display
	latest  *framebus.Latest

	shown  atomic.Uint64
	failed atomic.Uint64
}

// NewRunner creates a runner for display fed by latest.
func NewRunner(display Display, latest *framebus.Latest) *Runner {
	return &Runner{display: display, latest: latest}
}

// Run shows frames until ctx is done or the mailbox is closed, then closes
// the display on the same thread that created it.
func (r *Runner) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if err := r.display.Close(); err != nil {
			slog.Warn("preview: close failed", "error", err)
		}
		slog.Debug("preview: stopped", "shown", r.shown.Load(), "failed", r.failed.Load())
	}()

	for {
		frame, ok := r.latest.Receive(ctx)
		if !ok {
			return
		}
		if err := r.display.Show(frame); err != nil {
			if r.failed.Add(1) == 1 {
				slog.Warn("preview: show failed", "seq", frame.Seq, "error", err)
			} else {
				slog.Debug("preview: show failed", "seq", frame.Seq, "error", err)
			}
			continue
		}
		r.shown.Add(1)
	}
}

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() Stats {
	return Stats{Shown: r.shown.Load(), Failed: r.failed.Load()}
}
