package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestDefaultNeedsIdentity(t *testing.T) {
	cfg := Default()
	require.ErrorContains(t, cfg.Validate(), "identity.user_id")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.Call.RingTimeout())
	require.Equal(t, 45*time.Second, cfg.Call.SetupTimeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"relay.url":                   func(c *Config) { c.Relay.URL = "http://x" },
		"call.ring_timeout_seconds":   func(c *Config) { c.Call.RingTimeoutSec = 1 },
		"call.setup_timeout_seconds":  func(c *Config) { c.Call.SetupTimeoutSec = 1000 },
		"call.auto_answer":            func(c *Config) { c.Call.AutoAnswer = "maybe" },
		"call.ice_servers":            func(c *Config) { c.Call.ICEServers = []string{"http://x"} },
		"viewer.http_addr":            func(c *Config) { c.Viewer.HTTPAddr = "nope" },
		"call.history_size":           func(c *Config) { c.Call.HistorySize = 0 },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), want)
		})
	}
}

func TestValidateRelay(t *testing.T) {
	cfg := Default()
	require.ErrorContains(t, cfg.ValidateRelay(), "jwt_secret")
	cfg.Relay.JWTSecret = "0123456789abcdef"
	require.NoError(t, cfg.ValidateRelay())
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsig.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, Default().Relay.URL, cfg.Relay.URL)

	cfg.Identity.UserID = "bob"
	require.NoError(t, Save(path, cfg))

	loaded, created, err := Ensure(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "bob", loaded.Identity.UserID)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsig.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"carol"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "carol", cfg.Identity.UserID)
	require.Equal(t, 30, cfg.Call.RingTimeoutSec)
}

func TestWatcherReloadsValidEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsig.json")
	cfg := validConfig()
	require.NoError(t, Save(path, cfg))

	got := make(chan Config, 4)
	w, err := Watch(path, zerolog.Nop(), func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	cfg.Call.RingTimeoutSec = 12
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		require.Equal(t, 12, c.Call.RingTimeoutSec)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
