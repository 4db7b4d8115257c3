package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/ringbuffer"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEncoder writes raw frame bytes to the target file and remembers
// what it was given.
type recordingEncoder struct {
	path    string
	meta    types.StreamMetadata
	codec   Codec
	file    *os.File
	written []uint64
	closed  int

	openErr   error
	failAfter int // fail WriteFrame once this many frames were written (0 = never)
}

func (e *recordingEncoder) Open(path string, meta types.StreamMetadata, codec Codec) error {
	if e.openErr != nil {
		return e.openErr
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	e.path, e.meta, e.codec, e.file = path, meta, codec, f
	return nil
}

func (e *recordingEncoder) WriteFrame(frame types.Frame) error {
	if e.failAfter > 0 && len(e.written) >= e.failAfter {
		return errors.New("disk full")
	}
	if _, err := e.file.Write(frame.Data); err != nil {
		return err
	}
	e.written = append(e.written, frame.Seq)
	return nil
}

func (e *recordingEncoder) Close() error {
	e.closed++
	if e.file == nil {
		return nil
	}
	return e.file.Close()
}

var testMeta = types.StreamMetadata{FrameRate: 30, Width: 4, Height: 2}

func testFrames(from, to int) []types.Frame {
	frames := make([]types.Frame, 0, to-from+1)
	for i := from; i <= to; i++ {
		data := make([]byte, testMeta.FrameSize())
		for j := range data {
			data[j] = byte(i)
		}
		frames = append(frames, types.Frame{Seq: uint64(i), Width: 4, Height: 2, Data: data})
	}
	return frames
}

func newTestWriter(t *testing.T, cfg WriterConfig, enc *recordingEncoder) *Writer {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Codec.Name == "" {
		cfg.Codec, _ = LookupCodec("XVID")
	}
	return NewWriter(cfg, func() Encoder { return enc })
}

func TestSaveReplay_NothingToSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	enc := &recordingEncoder{}
	w := newTestWriter(t, WriterConfig{Dir: dir}, enc)

	ring, err := ringbuffer.New[types.Frame](5)
	require.NoError(t, err)

	_, err = w.SaveReplay(context.Background(), ring.Snapshot(), testMeta, "")
	assert.ErrorIs(t, err, ErrNothingToSave)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "no directory or file may be created")
	assert.Empty(t, enc.path)
}

func TestSaveReplay_WritesLastCapacityFramesInOrder(t *testing.T) {
	ring, err := ringbuffer.New[types.Frame](5)
	require.NoError(t, err)
	for _, f := range testFrames(1, 10) {
		ring.Push(f)
	}

	enc := &recordingEncoder{}
	w := newTestWriter(t, WriterConfig{}, enc)

	res, err := w.SaveReplay(context.Background(), ring.Snapshot(), testMeta, "")
	require.NoError(t, err)

	assert.Equal(t, []uint64{6, 7, 8, 9, 10}, enc.written)
	assert.Equal(t, 5, res.Frames)
	assert.Equal(t, testMeta, enc.meta, "encoder must receive the capture-time metadata")
	assert.Equal(t, "XVID", enc.codec.Name)

	content, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Len(t, content, 5*testMeta.FrameSize())
	for i, seq := range []byte{6, 7, 8, 9, 10} {
		assert.Equal(t, seq, content[i*testMeta.FrameSize()])
	}

	assert.Equal(t, int64(len(content)), res.Bytes)
	assert.NoFileExists(t, partialPath(res.Path))
	assert.Equal(t, 1, enc.closed)
}

func TestSaveReplay_CreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	w := newTestWriter(t, WriterConfig{Dir: dir}, &recordingEncoder{})

	res, err := w.SaveReplay(context.Background(), testFrames(1, 2), testMeta, "clip.avi")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.avi"), res.Path)
	assert.FileExists(t, res.Path)

	// Second save into the existing directory.
	w2 := newTestWriter(t, WriterConfig{Dir: dir}, &recordingEncoder{})
	_, err = w2.SaveReplay(context.Background(), testFrames(1, 2), testMeta, "other.avi")
	require.NoError(t, err)
}

func TestSaveReplay_EncodeError(t *testing.T) {
	enc := &recordingEncoder{openErr: errors.New("codec not available")}
	w := newTestWriter(t, WriterConfig{}, enc)

	res, err := w.SaveReplay(context.Background(), testFrames(1, 3), testMeta, "")
	assert.ErrorIs(t, err, ErrEncode)
	assert.Equal(t, 0, res.Frames)
	assert.NoFileExists(t, res.Path)
	assert.NoFileExists(t, partialPath(res.Path))
}

func TestSaveReplay_WriteErrorKeepsAndReportsPartial(t *testing.T) {
	enc := &recordingEncoder{failAfter: 2}
	w := newTestWriter(t, WriterConfig{}, enc)

	res, err := w.SaveReplay(context.Background(), testFrames(1, 5), testMeta, "")
	require.ErrorIs(t, err, ErrWrite)

	assert.Equal(t, 2, res.Frames)
	assert.Contains(t, err.Error(), partialPath(res.Path))
	assert.FileExists(t, partialPath(res.Path))
	assert.NoFileExists(t, res.Path)
	assert.Equal(t, 1, enc.closed)
}

func TestSaveReplay_FrameSizeMismatch(t *testing.T) {
	frames := testFrames(1, 3)
	frames[1].Data = frames[1].Data[:3]

	w := newTestWriter(t, WriterConfig{}, &recordingEncoder{})
	_, err := w.SaveReplay(context.Background(), frames, testMeta, "")
	assert.ErrorIs(t, err, ErrWrite)
}

func TestSaveReplay_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newTestWriter(t, WriterConfig{}, &recordingEncoder{})
	res, err := w.SaveReplay(ctx, testFrames(1, 3), testMeta, "")
	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Frames)
}

func TestSaveReplay_DiskHeadroom(t *testing.T) {
	enc := &recordingEncoder{}
	w := newTestWriter(t, WriterConfig{MinFreeBytes: 1 << 30}, enc)
	w.diskFree = func(string) (uint64, error) { return 1 << 20, nil }

	_, err := w.SaveReplay(context.Background(), testFrames(1, 3), testMeta, "")
	assert.ErrorIs(t, err, ErrWrite)
	assert.Contains(t, err.Error(), "free")
	assert.Empty(t, enc.path, "encoder must not be opened")

	w.diskFree = func(string) (uint64, error) { return 0, fmt.Errorf("statfs failed") }
	_, err = w.SaveReplay(context.Background(), testFrames(1, 3), testMeta, "")
	assert.NoError(t, err, "an unreadable disk usage does not block saving")
}

func TestSaveReplay_Thumbnail(t *testing.T) {
	w := newTestWriter(t, WriterConfig{Thumbnail: true}, &recordingEncoder{})

	res, err := w.SaveReplay(context.Background(), testFrames(1, 3), testMeta, "thumbed.avi")
	require.NoError(t, err)

	assert.Equal(t, thumbnailPath(res.Path), res.Thumbnail)
	assert.FileExists(t, res.Thumbnail)
}

func TestWriter_SaveCarriesSessionID(t *testing.T) {
	w := newTestWriter(t, WriterConfig{}, &recordingEncoder{})
	s := NewSession(testFrames(1, 2), testMeta, "")

	res, err := w.Save(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, s.ID, res.SessionID)
	assert.WithinDuration(t, time.Now(), s.RequestedAt, time.Minute)
}
