package preview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/framebus"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisplay struct {
	mu     sync.Mutex
	shown  []uint64
	failOn map[uint64]bool
	closed int
}

func (d *fakeDisplay) Show(f types.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn[f.Seq] {
		return errors.New("window gone")
	}
	d.shown = append(d.shown, f.Seq)
	return nil
}

func (d *fakeDisplay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

func TestRunner_ShowsFramesAndCountsFailures(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()
	latest, err := bus.SubscribeLatest("preview")
	require.NoError(t, err)

	display := &fakeDisplay{failOn: map[uint64]bool{1: true}}
	runner := NewRunner(display, latest)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	for seq := uint64(0); seq < 3; seq++ {
		bus.Publish(types.Frame{Seq: seq})
		// Wait for the runner to take the frame so none is overwritten.
		require.Eventually(t, func() bool {
			s := runner.Stats()
			return s.Shown+s.Failed == seq+1
		}, time.Second, time.Millisecond)
	}

	cancel()
	<-done

	assert.Equal(t, []uint64{0, 2}, display.shown)
	assert.Equal(t, Stats{Shown: 2, Failed: 1}, runner.Stats())
	assert.Equal(t, 1, display.closed)
}

func TestRunner_StopsWhenMailboxClosed(t *testing.T) {
	bus := framebus.New()
	latest, err := bus.SubscribeLatest("preview")
	require.NoError(t, err)

	display := &fakeDisplay{}
	done := make(chan struct{})
	go func() {
		NewRunner(display, latest).Run(context.Background())
		close(done)
	}()

	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 0, display.count())
	assert.Equal(t, 1, display.closed)
}
