package app

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/config"
	"github.com/petervdpas/callsig/internal/log"
	"github.com/petervdpas/callsig/internal/relay"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":7788":          "127.0.0.1:7788",
		"0.0.0.0:7788":   "127.0.0.1:7788",
		" 127.0.0.1:90 ": "127.0.0.1:90",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalViewer(in)
		assert.Equal(t, want, addr, in)
		assert.Equal(t, "http://"+want, url, in)
	}
}

func TestDecider(t *testing.T) {
	assert.Equal(t, call.AutoDecider{Decision: call.DecisionAccept, Delay: time.Second}, decider("accept", true))
	assert.Equal(t, call.AutoDecider{Decision: call.DecisionReject}, decider("reject", true))
	assert.Equal(t, call.ConsoleDecider{}, decider("", true))
	assert.Nil(t, decider("", false))
}

func relayConfig() config.Config {
	cfg := config.Default()
	cfg.Relay.JWTSecret = "0123456789abcdef0123"
	return cfg
}

func TestIssueTokenVerifiesAtRelay(t *testing.T) {
	cfg := relayConfig()
	tok, err := IssueToken(cfg, "alice", "Alice")
	require.NoError(t, err)

	auth, err := newAuthenticator(cfg)
	require.NoError(t, err)
	claims, err := auth.Verify(tok, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)

	cfg.Relay.JWTSecret = "short"
	_, err = IssueToken(cfg, "alice", "")
	assert.ErrorIs(t, err, relay.ErrShortSecret)
}

func TestRunRejectsBadToken(t *testing.T) {
	cfg := relayConfig()
	auth, err := newAuthenticator(cfg)
	require.NoError(t, err)
	hub := relay.New(relay.Options{Auth: auth, Events: true, Log: log.Nop()})
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()
	defer hub.Close()

	client := config.Default()
	client.Identity.UserID = "alice"
	client.Identity.Token = "not-a-token"
	client.Relay.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client.Viewer.HTTPAddr = ""
	client.Storage.DBPath = ""

	err = Run(context.Background(), Options{Dir: t.TempDir(), Cfg: client, Stderr: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected the token")
}

func TestRunRelayValidates(t *testing.T) {
	cfg := config.Default()
	err := RunRelay(context.Background(), RelayOptions{Dir: t.TempDir(), Cfg: cfg, Stderr: io.Discard})
	assert.Error(t, err)
}
