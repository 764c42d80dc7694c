package tcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.EqualValues(t, DefaultMSS, cfg.AdvertisedMSS)
	assert.Equal(t, 5, cfg.HandshakeRetries)
	assert.EqualValues(t, 0xFFFF, cfg.ReceiveWindowSize)
	assert.EqualValues(t, 0, cfg.WindowScale)
	assert.False(t, cfg.RxChecksumOffload)
	assert.False(t, cfg.TxChecksumOffload)
}

func TestValidateClampsMSS(t *testing.T) {
	cfg := Config{AdvertisedMSS: 10, Backlog: 1}
	require.NoError(t, cfg.Validate())
	assert.EqualValues(t, MinMSS, cfg.AdvertisedMSS)

	cfg = Config{AdvertisedMSS: 65530, Backlog: 1}
	require.NoError(t, cfg.Validate())
	assert.EqualValues(t, MaxMSS, cfg.AdvertisedMSS)
}

func TestValidateRejectsBadWindowScale(t *testing.T) {
	cfg := Config{WindowScale: 15, Backlog: 1}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBacklog(t *testing.T) {
	cfg := Config{Backlog: 0}
	require.Error(t, cfg.Validate())
}

func TestLoadConfigFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcpstack.toml")
	contents := `
advertised_mss = 1400
handshake_retries = 3
receive_window_size = 32768
window_scale = 7
rst_rate_limit = 50
backlog = 16
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1400, cfg.AdvertisedMSS)
	assert.Equal(t, 3, cfg.HandshakeRetries)
	assert.EqualValues(t, 32768, cfg.ReceiveWindowSize)
	assert.EqualValues(t, 7, cfg.WindowScale)
	assert.Equal(t, 50, cfg.RSTRateLimit)
	assert.Equal(t, 16, cfg.Backlog)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
