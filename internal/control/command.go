// Package control delivers operator commands to the capture controller.
//
// Every input mechanism (terminal keys, MQTT, trigger files, the preview
// window) implements Source and emits the same two commands. Merge fans them
// into one channel that the capture loop polls without blocking.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Command is an operator request.
type Command int

const (
	// CommandSave persists the current buffer contents.
	CommandSave Command = iota + 1
	// CommandQuit stops capture.
	CommandQuit
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandSave:
		return "save"
	case CommandQuit:
		return "quit"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand parses a case-insensitive command name.
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "save":
		return CommandSave, nil
	case "quit":
		return CommandQuit, nil
	default:
		return 0, fmt.Errorf("control: unknown command %q", s)
	}
}

// Source produces commands until ctx is cancelled.
type Source interface {
	Name() string
	// Run blocks, sending commands to out. It returns nil when ctx is done.
	Run(ctx context.Context, out chan<- Command) error
}

// emit sends cmd unless ctx is done first.
func emit(ctx context.Context, out chan<- Command, cmd Command) bool {
	select {
	case out <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

// Merge runs every source and fans their commands into one channel. The
// channel is closed after all sources have returned.
func Merge(ctx context.Context, sources ...Source) <-chan Command {
	out := make(chan Command, 16)

	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			slog.Debug("control: source started", "source", src.Name())
			if err := src.Run(ctx, out); err != nil {
				slog.Error("control: source failed", "source", src.Name(), "error", err)
				return
			}
			slog.Debug("control: source stopped", "source", src.Name())
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
