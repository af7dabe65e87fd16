package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Output  OutputConfig  `yaml:"output"`
	Mock    MockConfig    `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
}

// SessionConfig contains session engine timing and retry parameters.
type SessionConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`     // cadence of MEAS99 polls
	ResponseTimeout  time.Duration `yaml:"response_timeout"`  // deadline for a normal exchange
	CalibrateTimeout time.Duration `yaml:"calibrate_timeout"` // RRR discharges capacitors, takes long
	Retries          int           `yaml:"retries"`           // retries after the first attempt
}

// LogConfig contains session log configuration.
type LogConfig struct {
	Level string `yaml:"level"` // DEBUG, INFO, WARNING, ERROR, CRITICAL
	File  string `yaml:"file"`
}

// OutputConfig contains measurement and wire log output configuration.
type OutputConfig struct {
	Dir     string `yaml:"dir"`      // directory for timestamped CSV files
	WireLog string `yaml:"wire_log"` // raw serial exchange log
}

// MockConfig contains bias board emulator configuration.
type MockConfig struct {
	Version       string        `yaml:"version"`        // reported firmware string
	DischargeDots int           `yaml:"discharge_dots"` // progress dots per calibration
	DotInterval   time.Duration `yaml:"dot_interval"`   // delay between dots
	Noise         float32       `yaml:"noise"`          // reading noise amplitude
	Drift         float32       `yaml:"drift"`          // slow thermal drift amplitude
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:   "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		Session: SessionConfig{
			PollInterval:     10 * time.Second,
			ResponseTimeout:  time.Second,
			CalibrateTimeout: 30 * time.Second,
			Retries:          2,
		},
		Log: LogConfig{
			Level: "DEBUG",
			File:  "pbbes.log",
		},
		Output: OutputConfig{
			Dir:     ".",
			WireLog: "serial.log",
		},
		Mock: MockConfig{
			Version:       "pbb-emulator version 1.0",
			DischargeDots: 10,
			DotInterval:   0,
			Noise:         1.5,
			Drift:         20,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Device == "" {
		c.Serial.Device = def.Serial.Device
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = def.Session.PollInterval
	}
	if c.Session.ResponseTimeout == 0 {
		c.Session.ResponseTimeout = def.Session.ResponseTimeout
	}
	if c.Session.CalibrateTimeout == 0 {
		c.Session.CalibrateTimeout = def.Session.CalibrateTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.File == "" {
		c.Log.File = def.Log.File
	}

	if c.Output.Dir == "" {
		c.Output.Dir = def.Output.Dir
	}
	if c.Output.WireLog == "" {
		c.Output.WireLog = def.Output.WireLog
	}

	if c.Mock.Version == "" {
		c.Mock.Version = def.Mock.Version
	}
	if c.Mock.DischargeDots == 0 {
		c.Mock.DischargeDots = def.Mock.DischargeDots
	}
}

// Validate checks that configured values are usable before any wire
// interaction happens.
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return fmt.Errorf("serial: device required")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial: baud rate must be > 0")
	}
	if ival := c.Session.PollInterval; ival < time.Second || ival > 999*time.Second {
		return fmt.Errorf("session: poll interval must be between 1s and 999s, got %s", ival)
	}
	if c.Session.ResponseTimeout <= 0 {
		return fmt.Errorf("session: response timeout must be > 0")
	}
	if c.Session.CalibrateTimeout <= 0 {
		return fmt.Errorf("session: calibrate timeout must be > 0")
	}
	if c.Session.Retries < 0 {
		return fmt.Errorf("session: retries must be >= 0")
	}
	switch c.Log.Level {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}
