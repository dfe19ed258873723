// Package config holds the klvsnap settings: built-in defaults, optionally
// overridden by a YAML file and then by command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/klvsnap/geo"
	"github.com/eluv-io/klvsnap/snapshot"
)

type Config struct {
	Snapshot      SnapshotConfig `yaml:"snapshot"`
	GPS           GPSConfig      `yaml:"gps"`
	Decoder       DecoderConfig  `yaml:"decoder"`
	Record        RecordConfig   `yaml:"record"`
	UDP           UDPConfig      `yaml:"udp"`
	PollInterval  time.Duration  `yaml:"poll_interval"`
	StatsInterval time.Duration  `yaml:"stats_interval"`
	Log           LogConfig      `yaml:"log"`
	Metrics       MetricsConfig  `yaml:"metrics"`
}

type SnapshotConfig struct {
	Quality  int    `yaml:"quality"`
	Dir      string `yaml:"dir"`
	Pattern  string `yaml:"pattern"`
	MaxWidth int    `yaml:"max_width"`
}

type GPSConfig struct {
	LeapSeconds int `yaml:"leap_seconds"`
}

type DecoderConfig struct {
	FFmpeg   string `yaml:"ffmpeg"`
	KlvQueue int    `yaml:"klv_queue"`
	DropLate string `yaml:"drop_late"`
}

type RecordConfig struct {
	SegmentSec uint64 `yaml:"segment_sec"`
}

type UDPConfig struct {
	Interface  string `yaml:"interface"`
	ReadBuffer int    `yaml:"read_buffer"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the settings used when no configuration file is given.
func Default() Config {
	return Config{
		Snapshot: SnapshotConfig{
			Quality: snapshot.DefaultQuality,
			Dir:     ".",
			Pattern: "snapshot_%d.jpg",
		},
		GPS: GPSConfig{LeapSeconds: geo.LeapSeconds},
		Decoder: DecoderConfig{
			KlvQueue: 64,
			DropLate: "auto",
		},
		UDP:          UDPConfig{ReadBuffer: 16 * 1024 * 1024},
		PollInterval: 5 * time.Millisecond,
		Log: LogConfig{
			Level: "info",
			File:  "klvsnap.log",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, errors.E("config.Load", errors.K.NotExist, err, "path", path)
	} else if err != nil {
		return Config{}, errors.E("config.Load", errors.K.IO, err, "path", path)
	}
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.E("config.Load", errors.K.Invalid, err, "path", path)
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings, clamping the snapshot quality into 1..100.
func (c *Config) Validate() error {
	e := errors.Template("config.Validate", errors.K.Invalid)

	if c.Snapshot.Quality < 1 {
		c.Snapshot.Quality = 1
	} else if c.Snapshot.Quality > 100 {
		c.Snapshot.Quality = 100
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "."
	}
	if s := fmt.Sprintf(c.Snapshot.Pattern, 1); strings.Contains(s, "%!") || s == c.Snapshot.Pattern {
		return e("reason", "snapshot.pattern needs exactly one %d verb", "pattern", c.Snapshot.Pattern)
	}
	if strings.ContainsRune(c.Snapshot.Pattern, filepath.Separator) {
		return e("reason", "snapshot.pattern must be a file name, use snapshot.dir", "pattern", c.Snapshot.Pattern)
	}
	if c.Snapshot.MaxWidth < 0 {
		return e("reason", "snapshot.max_width must be >= 0", "max_width", c.Snapshot.MaxWidth)
	}
	if c.GPS.LeapSeconds < 0 || c.GPS.LeapSeconds > 60 {
		return e("reason", "gps.leap_seconds out of range", "leap_seconds", c.GPS.LeapSeconds)
	}
	if c.Decoder.KlvQueue <= 0 {
		return e("reason", "decoder.klv_queue must be > 0", "klv_queue", c.Decoder.KlvQueue)
	}
	switch c.Decoder.DropLate {
	case "":
		c.Decoder.DropLate = "auto"
	case "auto", "true", "false":
	default:
		return e("reason", "decoder.drop_late must be auto, true or false", "drop_late", c.Decoder.DropLate)
	}
	if c.UDP.ReadBuffer < 0 {
		return e("reason", "udp.read_buffer must be >= 0", "read_buffer", c.UDP.ReadBuffer)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.StatsInterval < 0 {
		return e("reason", "stats_interval must be >= 0", "stats_interval", c.StatsInterval)
	}
	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return e("reason", "unknown log.level", "level", c.Log.Level)
	}
	return nil
}

// SnapshotPath is the destination of the n-th snapshot.
func (c *Config) SnapshotPath(n int) string {
	return filepath.Join(c.Snapshot.Dir, fmt.Sprintf(c.Snapshot.Pattern, n))
}
