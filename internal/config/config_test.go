package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, PathMesh, cfg.Client.Path)
	assert.Equal(t, 10*time.Second, cfg.Client.CapabilitiesTimeout)
	assert.Equal(t, 15*time.Second, cfg.Client.JoinTimeout)
	assert.Equal(t, time.Second, cfg.Client.RetryBaseDelay)
	assert.Equal(t, 8*time.Second, cfg.Client.RetryMaxDelay)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("HUDDLE_PORT", "9000")
	t.Setenv("HUDDLE_CLIENT_ROOM", "from-env")

	fs := Flags("test")
	require.NoError(t, fs.Parse([]string{"--path", "sfu", "--token", "abc"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "from-env", cfg.Client.Room)
	assert.Equal(t, PathSFU, cfg.Client.Path)
	assert.Equal(t, "abc", cfg.Client.Token)
}

func TestValidate(t *testing.T) {
	cfg := Config{Client: ClientConfig{Path: "carrier-pigeon"}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Client: ClientConfig{Path: PathMesh}, UDPPortMin: 10, UDPPortMax: 5}
	assert.Error(t, cfg.Validate())
}
