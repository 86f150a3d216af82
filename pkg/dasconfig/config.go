// Package dasconfig loads the immutable runtime configuration for the
// DAS interrogator host. The process carries no package-level config
// constants: every component receives a *Config value from the
// controller.
package dasconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/rfsensing/das-host/pkg/wireproto"
	"gopkg.in/yaml.v3"
)

const timeLayout = "2006-01-02 15:04:05"

// StreamDescriptor is a runtime-configured analog stream.
type StreamDescriptor struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"` // wireproto.CommandKind name: Intensity, VibRMS, VibDemod, DiffDemod
	Channel      int    `yaml:"channel"`
	SampleRateHz int    `yaml:"sample_rate_hz"`
	ValidLo      int    `yaml:"valid_point_lo"`
	ValidHi      int    `yaml:"valid_point_hi"`
}

// ValidPointCount is hi - lo, the number of retained samples per pulse.
func (s StreamDescriptor) ValidPointCount() int { return s.ValidHi - s.ValidLo }

// CommandKind resolves the configured kind name to its wireproto enum.
func (s StreamDescriptor) CommandKind() (wireproto.CommandKind, error) {
	switch s.Kind {
	case "Intensity":
		return wireproto.Intensity, nil
	case "VibRMS":
		return wireproto.VibRMS, nil
	case "VibDemod":
		return wireproto.VibDemod, nil
	case "DiffDemod":
		return wireproto.DiffDemod, nil
	default:
		return wireproto.Unknown, fmt.Errorf("dasconfig: stream %q has unknown kind %q", s.Name, s.Kind)
	}
}

// SaveTarget configures block persistence for one stream.
type SaveTarget struct {
	Stream              string `yaml:"stream"`
	Prefix              string `yaml:"prefix"`
	SaveIntervalSeconds int    `yaml:"save_interval_seconds"`
}

// SaveConfig is the persister's wall-clock save window.
type SaveConfig struct {
	Enable   bool         `yaml:"enable"`
	BeginStr string       `yaml:"begin"`
	EndStr   string       `yaml:"end"`
	Path     string       `yaml:"path"`
	Targets  []SaveTarget `yaml:"targets"`

	Begin time.Time `yaml:"-"`
	End   time.Time `yaml:"-"`
}

// SnapshotConfig configures the live snapshot surface's websocket transport.
type SnapshotConfig struct {
	Enable     bool     `yaml:"enable"`
	ListenAddr string   `yaml:"listen_addr"`
	Streams    []string `yaml:"streams"`
}

// TelemetryConfig configures the optional Parquet operational rollup sink.
type TelemetryConfig struct {
	Enable      bool   `yaml:"enable"`
	ParquetPath string `yaml:"parquet_path"`
}

// Config is the complete, immutable, process-wide runtime configuration.
type Config struct {
	LocalAddr  string `yaml:"local_addr"`
	RemoteAddr string `yaml:"remote_addr"`

	RawPointCount                 int     `yaml:"raw_point_count"`
	PulseWidthNS                  uint32  `yaml:"pulse_width_ns"`
	OpticalSwitchFlags            [32]bool `yaml:"optical_switch_flags"`
	OpticalSwitchCounterThreshold uint32  `yaml:"optical_switch_counter_threshold"`

	HandleIntervalSeconds int                `yaml:"handle_interval_seconds"`
	PingPongSize          int                `yaml:"pingpong_size"`
	StrictBeginTarget     string             `yaml:"strict_begin_target"`
	Streams               []StreamDescriptor `yaml:"streams"`

	GistStream                  string `yaml:"gist_stream"`
	LossCounterIntervalSeconds  int    `yaml:"loss_counter_interval_seconds"`

	Save      SaveConfig      `yaml:"save"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	LogLevel string `yaml:"log_level"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dasconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("dasconfig: parse %s: %w", path, err)
	}
	if err := cfg.resolveTimes(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveTimes() error {
	if c.Save.BeginStr != "" {
		t, err := time.ParseInLocation(timeLayout, c.Save.BeginStr, time.Local)
		if err != nil {
			return fmt.Errorf("dasconfig: save.begin: %w", err)
		}
		c.Save.Begin = t
	}
	if c.Save.EndStr != "" {
		t, err := time.ParseInLocation(timeLayout, c.Save.EndStr, time.Local)
		if err != nil {
			return fmt.Errorf("dasconfig: save.end: %w", err)
		}
		c.Save.End = t
	}
	return nil
}

// StreamByName returns the configured stream descriptor, if any.
func (c *Config) StreamByName(name string) (StreamDescriptor, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamDescriptor{}, false
}

// SaveTargetByStream returns the configured save target for a stream, if any.
func (c *Config) SaveTargetByStream(name string) (SaveTarget, bool) {
	for _, t := range c.Save.Targets {
		if t.Stream == name {
			return t, true
		}
	}
	return SaveTarget{}, false
}

// Validate fails fast at startup so a malformed configuration never
// reaches mid-stream.
func (c *Config) Validate() error {
	if c.RawPointCount <= 0 {
		return fmt.Errorf("dasconfig: raw_point_count must be positive")
	}
	if c.HandleIntervalSeconds <= 0 {
		return fmt.Errorf("dasconfig: handle_interval_seconds must be positive")
	}
	if c.PingPongSize < 2 {
		return fmt.Errorf("dasconfig: pingpong_size must be >= 2, got %d", c.PingPongSize)
	}
	seen := map[string]bool{}
	seenKind := map[string]string{} // kind name -> owning stream name
	for _, s := range c.Streams {
		if seen[s.Name] {
			return fmt.Errorf("dasconfig: duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if owner, ok := seenKind[s.Kind]; ok {
			return fmt.Errorf("dasconfig: streams %q and %q both claim kind %q; a receive frame's kind alone must identify its stream", owner, s.Name, s.Kind)
		}
		seenKind[s.Kind] = s.Name
		if !(0 <= s.ValidLo && s.ValidLo < s.ValidHi && s.ValidHi <= c.RawPointCount) {
			return fmt.Errorf("dasconfig: stream %q has invalid valid_point range [%d,%d) within [0,%d]", s.Name, s.ValidLo, s.ValidHi, c.RawPointCount)
		}
		if s.SampleRateHz <= 0 {
			return fmt.Errorf("dasconfig: stream %q has non-positive sample_rate_hz", s.Name)
		}
		if _, err := s.CommandKind(); err != nil {
			return err
		}
	}
	if c.StrictBeginTarget != "" {
		if _, ok := c.StreamByName(c.StrictBeginTarget); !ok {
			return fmt.Errorf("dasconfig: strict_begin_target %q is not a configured stream", c.StrictBeginTarget)
		}
	}
	if c.GistStream != "" {
		if _, ok := c.StreamByName(c.GistStream); !ok {
			return fmt.Errorf("dasconfig: gist_stream %q is not a configured stream", c.GistStream)
		}
	}
	for _, t := range c.Save.Targets {
		if _, ok := c.StreamByName(t.Stream); !ok {
			return fmt.Errorf("dasconfig: save target references unknown stream %q", t.Stream)
		}
		if t.SaveIntervalSeconds <= 0 || t.SaveIntervalSeconds%c.HandleIntervalSeconds != 0 {
			return fmt.Errorf("dasconfig: save target %q interval %ds is not a positive multiple of handle_interval_seconds=%ds", t.Stream, t.SaveIntervalSeconds, c.HandleIntervalSeconds)
		}
	}
	for _, name := range c.Snapshot.Streams {
		if _, ok := c.StreamByName(name); !ok {
			return fmt.Errorf("dasconfig: snapshot references unknown stream %q", name)
		}
	}
	return nil
}

// HandleBufferBytes is the size of one ping-pong buffer for stream s,
// handleIntervalSeconds of samples long.
func HandleBufferBytes(s StreamDescriptor, handleIntervalSeconds int) int {
	return s.SampleRateHz * handleIntervalSeconds * s.ValidPointCount() * 2
}

// SaveBufferBytes is the size of the save cache for stream s,
// saveIntervalSeconds long.
func SaveBufferBytes(s StreamDescriptor, saveIntervalSeconds int) int {
	return s.SampleRateHz * saveIntervalSeconds * s.ValidPointCount() * 2
}
