package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/config"
	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func session(n int) replay.Session {
	frames := make([]types.Frame, n)
	s := replay.NewSession(frames, types.StreamMetadata{FrameRate: 30, Width: 4, Height: 2}, "")
	return s
}

func TestNewEvent_Saved(t *testing.T) {
	s := session(10)
	res := replay.Result{
		Path:      "/replays/replay_20260314_092653.avi",
		Frames:    10,
		Bytes:     4096,
		Duration:  1500 * time.Millisecond,
		SessionID: s.ID,
		Thumbnail: "/replays/replay_20260314_092653.jpg",
	}

	ev := NewEvent("dock-cam", s, res, nil, at)

	assert.Equal(t, Event{
		Event:      EventSaved,
		InstanceID: "dock-cam",
		SessionID:  s.ID,
		Path:       res.Path,
		Thumbnail:  res.Thumbnail,
		Frames:     10,
		Bytes:      4096,
		DurationMS: 1500,
		Timestamp:  "2026-03-14T09:26:53Z",
	}, ev)
}

func TestNewEvent_Errors(t *testing.T) {
	s := session(3)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"dropped", replay.ErrSaveInProgress, EventDropped},
		{"cancelled", fmt.Errorf("shutdown: %w", context.Canceled), EventCancelled},
		{"encode", fmt.Errorf("%w: no such encoder", replay.ErrEncode), EventFailed},
		{"other", errors.New("boom"), EventFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvent("dock-cam", s, replay.Result{}, tt.err, at)
			assert.Equal(t, tt.want, ev.Event)
			assert.Equal(t, tt.err.Error(), ev.Error)
			assert.Equal(t, 3, ev.Frames)
			assert.Equal(t, s.ID, ev.SessionID)
		})
	}
}

func TestEvent_JSONOmitsEmptyFields(t *testing.T) {
	ev := NewEvent("dock-cam", session(2), replay.Result{}, replay.ErrSaveInProgress, at)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "dropped", fields["event"])
	assert.NotContains(t, fields, "path")
	assert.NotContains(t, fields, "bytes")
	assert.Contains(t, fields, "error")
}

func TestPublishEvent_NotConnected(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, config.Validate(cfg))
	e := NewMQTTEmitter(cfg)

	err := e.PublishEvent(Event{Event: EventSaved})
	require.Error(t, err)

	stats := e.Stats()
	assert.False(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Empty(t, stats.Published)
	assert.NoError(t, e.Disconnect())
}
