package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.Baud)
	assert.Equal(t, 2*time.Second, cfg.Serial.Timeout)
	assert.Equal(t, time.Second, cfg.Serial.ReplyTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sample.Warmup)
	assert.Equal(t, 1, cfg.Sample.Count)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Sinks.Redis.Enabled)

	id, err := cfg.Serial.ParseDeviceID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), id)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sds011.yaml")
	content := `
serial:
  port: /dev/ttyAMA0
  deviceID: "0xA160"
  maxResync: 5
sample:
  warmup: 10s
  count: 3
sinks:
  webhook:
    url: http://localhost:8123/hook
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyAMA0", cfg.Serial.Port)
	assert.Equal(t, 5, cfg.Serial.MaxResync)
	assert.Equal(t, 10*time.Second, cfg.Sample.Warmup)
	assert.Equal(t, 3, cfg.Sample.Count)
	assert.Equal(t, "http://localhost:8123/hook", cfg.Sinks.Webhook.URL)

	id, err := cfg.Serial.ParseDeviceID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA160), id)
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SDS011_SERIAL_PORT", "/dev/ttyS1")
	t.Setenv("SDS011_SAMPLE_COUNT", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
	assert.Equal(t, 4, cfg.Sample.Count)
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SDS011_SINKS_REDIS_PASSWORD", "s3cret")
	t.Setenv("SDS011_SINKS_WEBHOOK_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Sinks.Redis.Password)
	assert.Equal(t, "tok", cfg.Sinks.Webhook.Token)
}

func TestLoadWith_OverridesWin(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("serial.port", "/dev/flag")

	cfg, err := LoadWith(v, "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/flag", cfg.Serial.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty port", func(c *Config) { c.Serial.Port = "" }},
		{"bad baud", func(c *Config) { c.Serial.Baud = 0 }},
		{"negative resync", func(c *Config) { c.Serial.MaxResync = -1 }},
		{"bad device id", func(c *Config) { c.Serial.DeviceID = "12345" }},
		{"zero count", func(c *Config) { c.Sample.Count = 0 }},
		{"zero history", func(c *Config) { c.History.Size = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	serial, ok := back["serial"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", serial["port"])
}
