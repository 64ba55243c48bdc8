package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framecap/frame"
	"github.com/abihf/framecap/protocol"
)

const DefaultPath = "/etc/framecap/config.json"

const (
	DriverV4L2 = "v4l2"
	DriverSim  = "sim"
)

type Archive struct {
	Dir        string `json:"dir"`
	Prefix     string `json:"prefix"`
	Instrument string `json:"instrument"`
	Telescope  string `json:"telescope"`
}

type Sim struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Bits      int     `json:"bits"`
	FrameRate float64 `json:"frame_rate"`
}

type Log struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type Config struct {
	Device        string `json:"device"`
	Driver        string `json:"driver"`
	Format        string `json:"format"`
	BufferCount   int    `json:"buffer_count"`
	DriverBuffers int    `json:"driver_buffers"`
	AutoStart     bool   `json:"auto_start"`

	PollTimeoutMs     int `json:"poll_timeout_ms"`
	UnresponsiveAfter int `json:"unresponsive_after"`
	// CPU pins the capture thread when set.
	CPU *int `json:"cpu"`

	Socket  string `json:"socket"`
	PidFile string `json:"pid_file"`

	StreamAddr     string `json:"stream_addr"`
	StreamMaxWidth int    `json:"stream_max_width"`
	JPEGQuality    int    `json:"jpeg_quality"`

	Archive Archive `json:"archive"`
	Sim     Sim     `json:"sim"`
	Log     Log     `json:"log"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

// Load reads the JSON file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	conf, err := loadFromFile(path)
	if os.IsNotExist(errors.Cause(err)) {
		conf, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	conf.applyDefaults()
	return conf, conf.Validate()
}

func loadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &Config{}
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, errors.Wrapf(err, "Can not parse %s", path)
	}
	return config, nil
}

func (conf *Config) applyDefaults() {
	if conf.Driver == "" {
		conf.Driver = DriverV4L2
	}
	if conf.Device == "" {
		if conf.Driver == DriverSim {
			conf.Device = "sim0"
		} else {
			conf.Device = "/dev/video0"
		}
	}
	if conf.Format == "" {
		conf.Format = "GREY"
	}
	if conf.BufferCount == 0 {
		conf.BufferCount = 10
	}
	if conf.DriverBuffers == 0 {
		conf.DriverBuffers = 4
	}
	if conf.PollTimeoutMs == 0 {
		conf.PollTimeoutMs = 100
	}
	if conf.Socket == "" {
		conf.Socket = protocol.GetSockAddress()
	}
	if conf.PidFile == "" {
		conf.PidFile = protocol.GetLockFile()
	}
	if conf.JPEGQuality == 0 {
		conf.JPEGQuality = 85
	}
	if conf.Archive.Dir == "" {
		conf.Archive.Dir = "/var/lib/framecap"
	}
	if conf.Archive.Prefix == "" {
		conf.Archive.Prefix = "frame"
	}
	if conf.Sim.Width == 0 {
		conf.Sim.Width = 640
	}
	if conf.Sim.Height == 0 {
		conf.Sim.Height = 480
	}
	if conf.Sim.Bits == 0 {
		conf.Sim.Bits = 8
	}
	if conf.Sim.FrameRate == 0 {
		conf.Sim.FrameRate = 10
	}
	if conf.Log.Level == "" {
		conf.Log.Level = "info"
	}
	if conf.Log.MaxSizeMB == 0 {
		conf.Log.MaxSizeMB = 100
	}
}

// Validate rejects settings the daemon can not run with.
func (conf *Config) Validate() error {
	switch conf.Driver {
	case DriverV4L2, DriverSim:
	default:
		return errors.Errorf("unknown driver %q", conf.Driver)
	}
	if conf.BufferCount < 1 || conf.BufferCount > frame.MaxBufferCount {
		return errors.Errorf("buffer_count must be within 1..%d, got %d", frame.MaxBufferCount, conf.BufferCount)
	}
	if conf.PollTimeoutMs < 1 {
		return errors.Errorf("poll_timeout_ms must be positive, got %d", conf.PollTimeoutMs)
	}
	if conf.UnresponsiveAfter < 0 {
		return errors.Errorf("unresponsive_after can not be negative")
	}
	if conf.CPU != nil && *conf.CPU < 0 {
		return errors.Errorf("invalid cpu %d", *conf.CPU)
	}
	if conf.JPEGQuality < 1 || conf.JPEGQuality > 100 {
		return errors.Errorf("jpeg_quality must be within 1..100, got %d", conf.JPEGQuality)
	}
	if conf.Sim.Bits < 1 || conf.Sim.Bits > 16 {
		return errors.Errorf("sim bits must be within 1..16, got %d", conf.Sim.Bits)
	}
	return nil
}

// PollTimeout is the capture wait bound.
func (conf *Config) PollTimeout() time.Duration {
	return time.Duration(conf.PollTimeoutMs) * time.Millisecond
}
