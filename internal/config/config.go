package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig holds the UART parameters used to reach the sensor.
type SerialConfig struct {
	Port           string `yaml:"port"`             // e.g., "/dev/ttyAMA0"
	BaudRate       int    `yaml:"baud_rate"`        // default 115200
	DataBits       int    `yaml:"data_bits"`        // default 8
	Parity         string `yaml:"parity"`           // N, E or O
	StopBits       int    `yaml:"stop_bits"`        // 1 or 2
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`  // how long a read waits for the first byte
	WriteTimeoutMs int    `yaml:"write_timeout_ms"` // informational, not enforced by the driver
}

// CameraConfig describes the sensor settings and protocol pacing.
type CameraConfig struct {
	Resolution     string `yaml:"resolution"`       // vga, qvga or qqvga
	Ratio          int    `yaml:"ratio"`            // compression ratio register; 0 = leave as is
	CommandDelayMs int    `yaml:"command_delay_ms"` // settle time after a command
	ResetDelayMs   int    `yaml:"reset_delay_ms"`   // wait after a system reset
	PowerUpDelayMs int    `yaml:"powerup_delay_ms"` // wait after switching the sensor on
	ReadDelayMs    int    `yaml:"read_delay_ms"`    // wait between read command and first header byte
	BlockSize      int    `yaml:"block_size"`       // read block size field (bytes)
	PowerPin       int    `yaml:"power_pin"`        // GPIO enabling sensor power (BCM). 0 = not used.
	LedPin         int    `yaml:"led_pin"`          // GPIO for the frame LED (BCM). 0 = not used.
	Fit            string `yaml:"fit"`              // how frames are drawn into a display area: stretch or contain
}

// StreamingConfig controls the background capture loop.
type StreamingConfig struct {
	IntervalMs      int `yaml:"interval_ms"`       // sleep between capture cycles
	PausePollMs     int `yaml:"pause_poll_ms"`     // sleep per tick while paused
	StopTimeoutMs   int `yaml:"stop_timeout_ms"`   // how long Stop waits for the worker
	PowerCycleAfter int `yaml:"power_cycle_after"` // consecutive failures before a power cycle. 0 = never.
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	MockSerial bool `yaml:"mock_serial"` // use the in-memory sensor simulator instead of a UART
}

// Config aggregates all application configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Camera    CameraConfig    `yaml:"camera"`
	Streaming StreamingConfig `yaml:"streaming"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ValidateConfigPath rejects paths that are not a .yaml file directly inside
// a "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Serial.Port == "" && !c.Defaults.MockSerial {
		return fmt.Errorf("serial.port is required unless defaults.mock_serial is set")
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "N"
	}
	if c.Serial.ReadTimeoutMs <= 0 {
		c.Serial.ReadTimeoutMs = 500
	}
	if c.Serial.WriteTimeoutMs <= 0 {
		c.Serial.WriteTimeoutMs = 5000
	}

	if c.Camera.Resolution == "" {
		c.Camera.Resolution = "qvga"
	}
	switch strings.ToLower(c.Camera.Resolution) {
	case "vga", "qvga", "qqvga":
		c.Camera.Resolution = strings.ToLower(c.Camera.Resolution)
	default:
		return fmt.Errorf("camera.resolution must be vga, qvga or qqvga, got %q", c.Camera.Resolution)
	}
	if c.Camera.Ratio < 0 || c.Camera.Ratio > 255 {
		return fmt.Errorf("camera.ratio must be between 0 and 255, got %d", c.Camera.Ratio)
	}
	if c.Camera.CommandDelayMs <= 0 {
		c.Camera.CommandDelayMs = 50
	}
	if c.Camera.ResetDelayMs <= 0 {
		c.Camera.ResetDelayMs = 1000 // datasheet: wait 1s after reset
	}
	if c.Camera.PowerUpDelayMs <= 0 {
		c.Camera.PowerUpDelayMs = 2000
	}
	if c.Camera.ReadDelayMs <= 0 {
		c.Camera.ReadDelayMs = 10
	}
	if c.Camera.BlockSize <= 0 {
		c.Camera.BlockSize = 0x1000
	}
	switch strings.ToLower(c.Camera.Fit) {
	case "":
		c.Camera.Fit = "stretch"
	case "stretch", "contain":
		c.Camera.Fit = strings.ToLower(c.Camera.Fit)
	default:
		return fmt.Errorf("camera.fit must be stretch or contain, got %q", c.Camera.Fit)
	}
	if c.Camera.BlockSize > 0xFFFF {
		return fmt.Errorf("camera.block_size must be <= 65535, got %d", c.Camera.BlockSize)
	}

	if c.Streaming.IntervalMs <= 0 {
		c.Streaming.IntervalMs = 50
	}
	if c.Streaming.PausePollMs <= 0 {
		c.Streaming.PausePollMs = 50
	}
	if c.Streaming.StopTimeoutMs <= 0 {
		c.Streaming.StopTimeoutMs = 10000
	}
	if c.Streaming.PowerCycleAfter < 0 {
		return fmt.Errorf("streaming.power_cycle_after must be >= 0, got %d", c.Streaming.PowerCycleAfter)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ReadTimeout returns how long a UART read waits for data.
func (c *Config) ReadTimeout() time.Duration { return ms(c.Serial.ReadTimeoutMs) }

// WriteTimeout returns the configured write timeout.
func (c *Config) WriteTimeout() time.Duration { return ms(c.Serial.WriteTimeoutMs) }

// CommandDelay returns the settle time after a command.
func (c *Config) CommandDelay() time.Duration { return ms(c.Camera.CommandDelayMs) }

// ResetDelay returns the wait after a system reset.
func (c *Config) ResetDelay() time.Duration { return ms(c.Camera.ResetDelayMs) }

// PowerUpDelay returns the wait after powering the sensor.
func (c *Config) PowerUpDelay() time.Duration { return ms(c.Camera.PowerUpDelayMs) }

// ReadDelay returns the wait between the read command and the payload.
func (c *Config) ReadDelay() time.Duration { return ms(c.Camera.ReadDelayMs) }

// StreamInterval returns the sleep between two capture cycles.
func (c *Config) StreamInterval() time.Duration { return ms(c.Streaming.IntervalMs) }

// PausePoll returns the sleep per loop tick while streaming is paused.
func (c *Config) PausePoll() time.Duration { return ms(c.Streaming.PausePollMs) }

// StopTimeout returns how long stopping the stream may block.
func (c *Config) StopTimeout() time.Duration { return ms(c.Streaming.StopTimeoutMs) }
