package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileTriggerSource watches a directory for files named "save" or "quit".
// Each such file issues the command once and is removed.
//
//	touch /run/replayd/save
type FileTriggerSource struct {
	dir string
}

// NewFileTriggerSource creates a trigger-file source for dir.
func NewFileTriggerSource(dir string) *FileTriggerSource {
	return &FileTriggerSource{dir: dir}
}

// Name implements Source.
func (f *FileTriggerSource) Name() string { return "trigger-file" }

// Run implements Source. The directory is created if absent; trigger files
// already present at start are processed first.
func (f *FileTriggerSource) Run(ctx context.Context, out chan<- Command) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("control: create trigger directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("control: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("control: watch %s: %w", f.dir, err)
	}
	slog.Info("control: watching trigger directory", "dir", f.dir)

	for _, name := range []string{"save", "quit"} {
		if !f.handle(ctx, filepath.Join(f.dir, name), out) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !f.handle(ctx, event.Name, out) {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("control: trigger watcher error", "error", err)
		}
	}
}

// handle issues the command for a trigger file if it exists. It returns false
// when ctx was cancelled while sending.
func (f *FileTriggerSource) handle(ctx context.Context, path string, out chan<- Command) bool {
	cmd, err := ParseCommand(filepath.Base(path))
	if err != nil {
		return true
	}

	// Remove first: a file that is already gone was handled by an earlier event.
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("control: failed to remove trigger file", "path", path, "error", err)
		}
		return true
	}

	slog.Info("control: command received", "command", cmd.String(), "source", "trigger-file")
	return emit(ctx, out, cmd)
}
