package main

import (
	"github.com/BorisBojanov/ReplaySystem/internal/config"
	"github.com/spf13/cobra"
)

// captureFlags holds the flags shared by run and devices.
var captureFlags struct {
	device        int
	backend       string
	resolution    string
	bufferSeconds int
	outputDir     string
	filename      string
	codec         string
	preview       bool
	thumbnail     bool
	triggerDir    string
	healthAddr    string
}

func addDeviceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&captureFlags.backend, "backend", "gstreamer", "capture backend: gstreamer, opencv or mock")
	f.StringVar(&captureFlags.resolution, "resolution", "", "requested resolution: 480p, 720p, 1080p or WxH")
}

func addRunFlags(cmd *cobra.Command) {
	addDeviceFlags(cmd)
	f := cmd.Flags()
	f.IntVarP(&captureFlags.device, "device", "d", 0, "camera device index")
	f.IntVarP(&captureFlags.bufferSeconds, "buffer-seconds", "b", 5, "seconds of video kept in memory")
	f.StringVarP(&captureFlags.outputDir, "output-dir", "o", "replays", "directory for saved replays")
	f.StringVarP(&captureFlags.filename, "filename", "f", "", "fixed output file name (default: timestamped)")
	f.StringVar(&captureFlags.codec, "codec", "XVID", "codec: XVID, MJPG, mp4v or H264")
	f.BoolVarP(&captureFlags.preview, "preview", "p", false, "show a live preview window")
	f.BoolVar(&captureFlags.thumbnail, "thumbnail", false, "write a JPEG thumbnail next to each replay")
	f.StringVar(&captureFlags.triggerDir, "trigger-dir", "", "watch this directory for save/quit trigger files")
	f.StringVar(&captureFlags.healthAddr, "health-addr", "", "serve /health, /readiness and /stats on this address")
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("device") {
		cfg.Device.Index = captureFlags.device
	}
	if changed("backend") {
		cfg.Device.Backend = captureFlags.backend
	}
	if changed("resolution") {
		cfg.Device.Resolution = captureFlags.resolution
	}
	if changed("buffer-seconds") {
		cfg.Buffer.Seconds = captureFlags.bufferSeconds
	}
	if changed("output-dir") {
		cfg.Output.Directory = captureFlags.outputDir
	}
	if changed("filename") {
		cfg.Output.Filename = captureFlags.filename
	}
	if changed("codec") {
		cfg.Output.Codec = captureFlags.codec
	}
	if changed("preview") {
		cfg.Preview.Enabled = captureFlags.preview
	}
	if changed("thumbnail") {
		cfg.Output.Thumbnail = captureFlags.thumbnail
	}
	if changed("trigger-dir") {
		cfg.Commands.TriggerDir = captureFlags.triggerDir
	}
	if changed("health-addr") {
		cfg.Health.Addr = captureFlags.healthAddr
	}
}
