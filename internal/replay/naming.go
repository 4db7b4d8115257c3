package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Codec describes a container/codec pair understood by the encoder backends.
type Codec struct {
	// Name is the configured identifier (a FourCC for OpenCV).
	Name string
	// Ext is the container extension without the dot.
	Ext string
	// GstEncoder and GstMuxer are the GStreamer element descriptions used by
	// the gstreamer backend.
	GstEncoder string
	GstMuxer   string
}

var codecs = map[string]Codec{
	"XVID": {Name: "XVID", Ext: "avi", GstEncoder: "avenc_mpeg4", GstMuxer: "avimux"},
	"MJPG": {Name: "MJPG", Ext: "avi", GstEncoder: "jpegenc", GstMuxer: "avimux"},
	"MP4V": {Name: "mp4v", Ext: "mp4", GstEncoder: "avenc_mpeg4", GstMuxer: "mp4mux"},
	"H264": {Name: "H264", Ext: "mp4", GstEncoder: "x264enc tune=zerolatency speed-preset=veryfast ! h264parse", GstMuxer: "mp4mux"},
}

// LookupCodec returns the codec for a case-insensitive name.
func LookupCodec(name string) (Codec, error) {
	c, ok := codecs[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Codec{}, fmt.Errorf("%w: unsupported codec %q", ErrEncode, name)
	}
	return c, nil
}

// Codecs returns the supported codec names.
func Codecs() []string {
	return []string{"XVID", "MJPG", "mp4v", "H264"}
}

// timestampLayout renders replay_<YYYYMMDD>_<HHMMSS>.
const timestampLayout = "20060102_150405"

// Namer resolves output paths for replays.
type Namer struct {
	// Dir receives bare names and synthesized names.
	Dir string
	// Filename is the configured output name; empty means synthesize one per save.
	Filename string
	Codec    Codec

	now func() time.Time
}

// NewNamer creates a namer using the wall clock.
func NewNamer(dir, filename string, codec Codec) *Namer {
	return &Namer{Dir: dir, Filename: filename, Codec: codec, now: time.Now}
}

// SynthesizeName returns replay_<YYYYMMDD>_<HHMMSS>.<ext> for t.
func (n *Namer) SynthesizeName(t time.Time) string {
	return fmt.Sprintf("replay_%s.%s", t.Format(timestampLayout), n.Codec.Ext)
}

// Resolve returns the final path for a save.
//
//   - destination, or else the configured Filename, is used when set;
//     a bare name (no directory component) is placed under Dir and a name
//     without extension gets the codec's extension.
//   - otherwise a timestamped name is synthesized under Dir; if that file
//     already exists (two saves in the same second) a numeric suffix is added.
func (n *Namer) Resolve(destination string) string {
	name := destination
	if name == "" {
		name = n.Filename
	}

	if name != "" {
		if filepath.Ext(name) == "" {
			name += "." + n.Codec.Ext
		}
		if filepath.Base(name) == name {
			return filepath.Join(n.Dir, name)
		}
		return name
	}

	base := n.SynthesizeName(n.now())
	path := filepath.Join(n.Dir, base)
	stem := strings.TrimSuffix(base, "."+n.Codec.Ext)
	for i := 1; exists(path); i++ {
		path = filepath.Join(n.Dir, fmt.Sprintf("%s_%d.%s", stem, i, n.Codec.Ext))
	}
	return path
}

// partialPath returns the in-progress file name for path, keeping the
// extension last so container detection still works.
func partialPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".partial" + ext
}

// thumbnailPath returns the JPEG thumbnail path stored next to a replay.
func thumbnailPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
