// Package cvwindow shows the live preview in an OpenCV window and turns key
// presses in that window into control commands.
package cvwindow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BorisBojanov/ReplaySystem/internal/control"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"gocv.io/x/gocv"
)

// Window is both a preview.Display and a control.Source.
type Window struct {
	title  string
	keys   control.KeyBindings
	window *gocv.Window
	cmds   chan control.Command
}

// New creates a window display. The native window is created on the first
// Show so it belongs to the rendering thread.
func New(title string, keys control.KeyBindings) *Window {
	return &Window{
		title: title,
		keys:  keys,
		cmds:  make(chan control.Command, 4),
	}
}

// Show implements preview.Display.
func (w *Window) Show(frame types.Frame) error {
	if w.window == nil {
		w.window = gocv.NewWindow(w.title)
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Seq, err)
	}
	defer mat.Close()

	w.window.IMShow(mat)

	key := w.window.WaitKey(1)
	if key < 0 {
		return nil
	}
	if cmd, ok := w.keys.Command(byte(key & 0xff)); ok {
		select {
		case w.cmds <- cmd:
		default:
			slog.Warn("preview: key command dropped, queue full", "command", cmd.String())
		}
	}
	return nil
}

// Close implements preview.Display.
func (w *Window) Close() error {
	if w.window == nil {
		return nil
	}
	err := w.window.Close()
	w.window = nil
	return err
}

// Name implements control.Source.
func (w *Window) Name() string { return "preview-window" }

// Run implements control.Source.
func (w *Window) Run(ctx context.Context, out chan<- control.Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.cmds:
			select {
			case out <- cmd:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
