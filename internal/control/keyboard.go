package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// ctrlC is delivered as a byte when the terminal is in raw mode.
const ctrlC = 0x03

// KeyBindings maps single keys to commands.
type KeyBindings struct {
	Save byte
	Quit byte
}

// DefaultKeyBindings are 's' to save and 'q' to quit.
var DefaultKeyBindings = KeyBindings{Save: 's', Quit: 'q'}

// Command maps a key to a command. Ctrl-C always quits.
func (k KeyBindings) Command(b byte) (Command, bool) {
	switch b {
	case k.Save:
		return CommandSave, true
	case k.Quit, ctrlC:
		return CommandQuit, true
	default:
		return 0, false
	}
}

// ParseKey validates a single-character key binding.
func ParseKey(s string) (byte, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("control: key binding must be one character, got %q", s)
	}
	return s[0], nil
}

// KeyboardSource reads single key presses from a terminal.
type KeyboardSource struct {
	in   *os.File
	keys KeyBindings
}

// NewKeyboardSource creates a keyboard source reading from in.
func NewKeyboardSource(in *os.File, keys KeyBindings) *KeyboardSource {
	return &KeyboardSource{in: in, keys: keys}
}

// Name implements Source.
func (k *KeyboardSource) Name() string { return "keyboard" }

// Run implements Source. When in is a terminal it is switched to raw mode so
// keys arrive without Enter; the previous state is restored on return.
func (k *KeyboardSource) Run(ctx context.Context, out chan<- Command) error {
	fd := int(k.in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("control: raw terminal: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, state); err != nil {
				slog.Warn("control: failed to restore terminal", "error", err)
			}
		}()
	} else {
		slog.Info("control: stdin is not a terminal, keys need Enter")
	}

	return readKeys(ctx, k.in, k.keys, out)
}

// readKeys forwards mapped keys from r until ctx is done or r is exhausted.
// The blocking read runs in its own goroutine so cancellation is immediate.
func readKeys(ctx context.Context, r io.Reader, keys KeyBindings, out chan<- Command) error {
	bytesCh := make(chan byte)
	errCh := make(chan error, 1)

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 {
				select {
				case bytesCh <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("control: read keyboard: %w", err)
		case b := <-bytesCh:
			cmd, ok := keys.Command(b)
			if !ok {
				continue
			}
			slog.Debug("control: key pressed", "key", string(b), "command", cmd.String())
			if !emit(ctx, out, cmd) {
				return nil
			}
		}
	}
}
