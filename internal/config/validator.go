package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BorisBojanov/ReplaySystem/internal/control"
	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/dustin/go-humanize"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var (
	backends   = []string{"gstreamer", "opencv", "mock"}
	codecs     = []string{"XVID", "MJPG", "MP4V", "H264"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks the configuration, fills derived defaults and parses
// string-typed fields. It must be called after any field is changed.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Device
	if cfg.Device.Index < 0 {
		return fmt.Errorf("device.index must be >= 0")
	}
	cfg.Device.Backend = strings.ToLower(cfg.Device.Backend)
	if !contains(backends, cfg.Device.Backend) {
		return fmt.Errorf("device.backend must be one of %v, got %q", backends, cfg.Device.Backend)
	}
	res, err := types.ParseResolution(cfg.Device.Resolution)
	if err != nil {
		return fmt.Errorf("device.resolution: %w", err)
	}
	cfg.resolution = res
	if cfg.Device.WarmupS < 0 {
		return fmt.Errorf("device.warmup_s must be >= 0")
	}

	// Buffer
	if cfg.Buffer.Seconds <= 0 {
		return fmt.Errorf("buffer.seconds must be > 0")
	}

	// Output
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = "."
	}
	if !contains(codecs, strings.ToUpper(cfg.Output.Codec)) {
		return fmt.Errorf("output.codec must be one of XVID, MJPG, mp4v, H264, got %q", cfg.Output.Codec)
	}
	cfg.minFreeBytes = 0
	if cfg.Output.MinFree != "" {
		n, err := humanize.ParseBytes(cfg.Output.MinFree)
		if err != nil {
			return fmt.Errorf("output.min_free: %w", err)
		}
		cfg.minFreeBytes = n
	}

	// Commands
	if cfg.saveKey, err = control.ParseKey(cfg.Commands.SaveKey); err != nil {
		return fmt.Errorf("commands.save_key: %w", err)
	}
	if cfg.quitKey, err = control.ParseKey(cfg.Commands.QuitKey); err != nil {
		return fmt.Errorf("commands.quit_key: %w", err)
	}
	if cfg.saveKey == cfg.quitKey {
		return fmt.Errorf("commands.save_key and commands.quit_key must differ")
	}
	if cfg.Commands.MQTT && cfg.MQTT.Broker == "" {
		return fmt.Errorf("commands.mqtt requires mqtt.broker")
	}

	if cfg.Preview.Title == "" {
		cfg.Preview.Title = "Instant Replay"
	}

	// MQTT topics default to replay/<kind>/<instance_id>
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("replay/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Responses == "" {
		cfg.MQTT.Topics.Responses = fmt.Sprintf("replay/responses/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("replay/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
		}
	}
	for topic, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2", topic)
		}
	}

	// Log
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if !contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf("log.level must be one of %v", logLevels)
	}
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if !contains(logFormats, cfg.Log.Format) {
		return fmt.Errorf("log.format must be one of %v", logFormats)
	}
	if cfg.Log.StatsIntervalS < 0 {
		return fmt.Errorf("log.stats_interval_s must be >= 0")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
