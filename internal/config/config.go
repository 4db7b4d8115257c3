package config

import (
	"fmt"
	"os"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete replayd configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Device           DeviceConfig   `yaml:"device"`
	Buffer           BufferConfig   `yaml:"buffer"`
	Output           OutputConfig   `yaml:"output"`
	Preview          PreviewConfig  `yaml:"preview"`
	Commands         CommandsConfig `yaml:"commands"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Health           HealthConfig   `yaml:"health"`
	Log              LogConfig      `yaml:"log"`

	resolution   types.Resolution
	minFreeBytes uint64
	saveKey      byte
	quitKey      byte
}

// DeviceConfig selects the capture device
type DeviceConfig struct {
	Index      int    `yaml:"index"`
	Backend    string `yaml:"backend"`    // gstreamer, opencv, mock
	Resolution string `yaml:"resolution"` // "", 480p, 720p, 1080p or WxH
	WarmupS    int    `yaml:"warmup_s"`   // frame rate measurement window (0 disables)
}

// BufferConfig sizes the replay ring
type BufferConfig struct {
	Seconds int `yaml:"seconds"`
}

// OutputConfig controls where and how replays are written
type OutputConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"` // empty: replay_<YYYYMMDD>_<HHMMSS>.<ext>
	Codec     string `yaml:"codec"`    // XVID, MJPG, mp4v, H264
	Thumbnail bool   `yaml:"thumbnail"`
	MinFree   string `yaml:"min_free"` // e.g. "500MB"; empty disables the check
}

// PreviewConfig controls the live preview window
type PreviewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Title   string `yaml:"title"`
}

// CommandsConfig enables command sources
type CommandsConfig struct {
	Keyboard   bool   `yaml:"keyboard"`
	SaveKey    string `yaml:"save_key"`
	QuitKey    string `yaml:"quit_key"`
	TriggerDir string `yaml:"trigger_dir"` // empty disables trigger files
	MQTT       bool   `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"` // host:port; empty disables MQTT
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Events    string `yaml:"events"`
}

// HealthConfig configures the HTTP health endpoint
type HealthConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// LogConfig configures slog
type LogConfig struct {
	Level          string `yaml:"level"`            // debug, info, warn, error
	Format         string `yaml:"format"`           // text, json
	StatsIntervalS int    `yaml:"stats_interval_s"` // periodic stats log line (0 disables)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		InstanceID:       "replayd",
		ShutdownTimeoutS: 5,
		Device: DeviceConfig{
			Index:   0,
			Backend: "gstreamer",
			WarmupS: 3,
		},
		Buffer: BufferConfig{Seconds: 5},
		Output: OutputConfig{
			Directory: "replays",
			Codec:     "XVID",
		},
		Preview: PreviewConfig{
			Enabled: false,
			Title:   "Instant Replay",
		},
		Commands: CommandsConfig{
			Keyboard: true,
			SaveKey:  "s",
			QuitKey:  "q",
		},
		Log: LogConfig{
			Level:          "info",
			Format:         "text",
			StatsIntervalS: 30,
		},
	}
}

// Load reads and parses a YAML configuration file. Fields missing from the
// file keep their Default values. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Resolution returns the parsed device resolution request.
func (c *Config) Resolution() types.Resolution { return c.resolution }

// MinFreeBytes returns the parsed output.min_free value (0 = disabled).
func (c *Config) MinFreeBytes() uint64 { return c.minFreeBytes }

// SaveKey returns the parsed save key.
func (c *Config) SaveKey() byte { return c.saveKey }

// QuitKey returns the parsed quit key.
func (c *Config) QuitKey() byte { return c.quitKey }

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool { return c.MQTT.Broker != "" }
