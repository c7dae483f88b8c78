package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://localhost:9000"))
	require.NoError(t, setConfigValue(cfg, "default.transport", "sse"))
	require.NoError(t, setConfigValue(cfg, "backend.allowed_origins", "https://a.example, ,https://b.example"))
	require.NoError(t, setConfigValue(cfg, "backend.rate_limit", "2.5"))
	require.NoError(t, setConfigValue(cfg, "backend.rate_burst", "5"))

	assert.Equal(t, "http://localhost:9000", cfg.Default.BaseURL)
	assert.Equal(t, "sse", cfg.Default.Transport)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Backend.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.Backend.RateLimit)
	assert.Equal(t, 5, cfg.Backend.RateBurst)

	for _, bad := range [][2]string{
		{"base_url", "x"},
		{"default.transport", "carrier-pigeon"},
		{"default.nope", "x"},
		{"backend.rate_burst", "many"},
		{"other.field", "x"},
	} {
		assert.Error(t, setConfigValue(cfg, bad[0], bad[1]), bad[0])
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "a missing file is an empty config")

	cfg.Default.ProfileID = "alice"
	cfg.Backend.PurgeCron = "0 4 * * *"
	require.NoError(t, saveConfig(cfg))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Default.ProfileID)
	assert.Equal(t, "0 4 * * *", loaded.Backend.PurgeCron)
}

func TestApplyServeEnv(t *testing.T) {
	t.Setenv("CHATSYNC_ADDR", ":9090")
	t.Setenv("CHATSYNC_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CHATSYNC_RATE_LIMIT", "10")

	b := ConfigBackend{Addr: ":8080", DataDir: "/var/lib/chatsync"}
	require.NoError(t, applyServeEnv(&b))
	assert.Equal(t, ":9090", b.Addr)
	assert.Equal(t, "/var/lib/chatsync", b.DataDir)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, b.AllowedOrigins)
	assert.Equal(t, 10.0, b.RateLimit)

	t.Setenv("CHATSYNC_RATE_BURST", "lots")
	assert.Error(t, applyServeEnv(&b))
}

func TestProfileID(t *testing.T) {
	flagProfile = ""
	_, err := profileID(&Config{})
	assert.Error(t, err)

	id, err := profileID(&Config{Default: ConfigDefault{ProfileID: "alice"}})
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	flagProfile = "bob"
	defer func() { flagProfile = "" }()
	id, err = profileID(&Config{Default: ConfigDefault{ProfileID: "alice"}})
	require.NoError(t, err)
	assert.Equal(t, "bob", id)
}

func TestEffectiveConfig(t *testing.T) {
	t.Setenv("CHATSYNC_WEBHOOK_SECRET", "env-secret-0123456789")
	t.Setenv("CHATSYNC_RATE_BURST", "7")
	cfg := &Config{
		Default: ConfigDefault{ProfileID: "alice", Token: "tok-abcdefghijkl"},
		Backend: ConfigBackend{WebhookURL: "https://hooks.example/chat", WebhookSecret: "file-secret-0123456789"},
	}

	shown, err := effectiveConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-...ijkl", shown.Default.Token)
	assert.Equal(t, "env-...6789", shown.Backend.WebhookSecret, "the environment wins and is masked too")
	assert.Equal(t, 7, shown.Backend.RateBurst)
	assert.Equal(t, ":8080", shown.Backend.Addr)
	assert.Equal(t, []string{"*"}, shown.Backend.AllowedOrigins)
	assert.Equal(t, "ws", shown.Default.Transport)
	assert.Equal(t, "https://hooks.example/chat", shown.Backend.WebhookURL)

	assert.Equal(t, "tok-abcdefghijkl", cfg.Default.Token, "the loaded config is left alone")
	assert.Equal(t, "file-secret-0123456789", cfg.Backend.WebhookSecret)
	assert.Empty(t, cfg.Backend.Addr)

	t.Setenv("CHATSYNC_RATE_LIMIT", "fast")
	_, err = effectiveConfig(cfg)
	assert.Error(t, err)
}

func TestIsSecretKey(t *testing.T) {
	assert.True(t, isSecretKey("default.token"))
	assert.True(t, isSecretKey("backend.webhook_secret"))
	assert.False(t, isSecretKey("backend.webhook_url"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}
