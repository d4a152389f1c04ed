// Package config loads the station configuration from a YAML file, falling back to
// built-in defaults when the file is absent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// PLCConfig is the connection configuration of one framed-protocol link.
type PLCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WCSConfig configures the optional warehouse-control-system link.
type WCSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// PairingConfig configures the barcode pairing engine.
type PairingConfig struct {
	// Mode is one of "multi", "parent", "child".
	Mode string `yaml:"mode"`

	// ParentPattern is the regular expression identifying parent barcodes; required
	// for the parent and child modes.
	ParentPattern string `yaml:"parent_pattern"`

	Window    time.Duration `yaml:"window"`
	MarkerTTL time.Duration `yaml:"marker_ttl"`
}

// CameraConfig configures the listener the camera service pushes scan events to.
type CameraConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full station configuration.
type Config struct {
	DeviceNo string `yaml:"device_no"`

	PLC    PLCConfig    `yaml:"plc"`
	WCS    WCSConfig    `yaml:"wcs"`
	Camera CameraConfig `yaml:"camera"`

	Pairing PairingConfig `yaml:"pairing"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ResultTimeout     time.Duration `yaml:"result_timeout"`

	ImageDir string `yaml:"image_dir"`
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DeviceNo: "dws-1",
		PLC:      PLCConfig{Host: "127.0.0.1", Port: 5020},
		WCS:      WCSConfig{Host: "127.0.0.1", Port: 5021},
		Camera:   CameraConfig{Listen: "127.0.0.1:5030"},
		Pairing: PairingConfig{
			Mode:      "multi",
			Window:    500 * time.Millisecond,
			MarkerTTL: 15 * time.Second,
		},
		HeartbeatInterval: time.Second,
		ResultTimeout:     30 * time.Second,
		ImageDir:          "images",
		LogLevel:          "info",
	}
}

// Load reads the configuration at path, layered over the defaults. A missing file
// is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration for field errors.
func (c Config) Validate() error {
	if c.DeviceNo == "" {
		return fmt.Errorf("device_no: must not be empty")
	}
	if c.PLC.Host == "" {
		return fmt.Errorf("plc.host: must not be empty")
	}
	if c.PLC.Port <= 0 || c.PLC.Port > 65535 {
		return fmt.Errorf("plc.port: %d out of range", c.PLC.Port)
	}
	if c.WCS.Enabled {
		if c.WCS.Host == "" {
			return fmt.Errorf("wcs.host: must not be empty when wcs is enabled")
		}
		if c.WCS.Port <= 0 || c.WCS.Port > 65535 {
			return fmt.Errorf("wcs.port: %d out of range", c.WCS.Port)
		}
	}

	switch c.Pairing.Mode {
	case "multi":
	case "parent", "child":
		if c.Pairing.ParentPattern == "" {
			return fmt.Errorf("pairing.parent_pattern: required for mode %q", c.Pairing.Mode)
		}
	default:
		return fmt.Errorf("pairing.mode: unknown mode %q", c.Pairing.Mode)
	}

	if c.Pairing.ParentPattern != "" {
		if _, err := regexp.Compile(c.Pairing.ParentPattern); err != nil {
			return fmt.Errorf("pairing.parent_pattern: %w", err)
		}
	}

	if c.Pairing.Window < 0 {
		return fmt.Errorf("pairing.window: must not be negative")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval: must not be negative")
	}
	if c.ResultTimeout < 0 {
		return fmt.Errorf("result_timeout: must not be negative")
	}

	return nil
}
