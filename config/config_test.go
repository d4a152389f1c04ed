package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg := Defaults()
	require.NoError(cfg.Validate())
	require.Equal("dws-1", cfg.DeviceNo)
	require.Equal("multi", cfg.Pairing.Mode)
	require.Equal(500*time.Millisecond, cfg.Pairing.Window)
	require.Equal(15*time.Second, cfg.Pairing.MarkerTTL)
	require.False(cfg.WCS.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(err)
	require.Equal(Defaults(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(os.WriteFile(path, []byte(`
device_no: dws-7
plc:
  host: 10.0.0.5
  port: 6000
wcs:
  enabled: true
  host: 10.0.0.6
  port: 6001
pairing:
  mode: parent
  parent_pattern: "^P\\d+"
  window: 250ms
result_timeout: 10s
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(err)

	require.Equal("dws-7", cfg.DeviceNo)
	require.Equal("10.0.0.5", cfg.PLC.Host)
	require.Equal(6000, cfg.PLC.Port)
	require.True(cfg.WCS.Enabled)
	require.Equal("parent", cfg.Pairing.Mode)
	require.Equal(250*time.Millisecond, cfg.Pairing.Window)
	require.Equal(10*time.Second, cfg.ResultTimeout)
	require.Equal("debug", cfg.LogLevel)

	// untouched fields keep their defaults
	require.Equal(time.Second, cfg.HeartbeatInterval)
	require.Equal(15*time.Second, cfg.Pairing.MarkerTTL)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty device", func(c *Config) { c.DeviceNo = "" }, "device_no"},
		{"bad plc port", func(c *Config) { c.PLC.Port = 0 }, "plc.port"},
		{"wcs enabled without host", func(c *Config) { c.WCS.Enabled = true; c.WCS.Host = "" }, "wcs.host"},
		{"unknown mode", func(c *Config) { c.Pairing.Mode = "pairless" }, "pairing.mode"},
		{"parent mode without pattern", func(c *Config) { c.Pairing.Mode = "parent" }, "pairing.parent_pattern"},
		{"bad pattern", func(c *Config) { c.Pairing.ParentPattern = "([" }, "pairing.parent_pattern"},
		{"negative window", func(c *Config) { c.Pairing.Window = -time.Second }, "pairing.window"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
