package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/callsig/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Storage  Storage  `json:"storage"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`

	// Token is the bearer credential presented to the relay on connect.
	// Issued by `callsig token`; empty means the client cannot connect.
	Token string `json:"token"`
}

type Relay struct {
	// URL the client dials, e.g. ws://127.0.0.1:8788/ws
	URL string `json:"url"`

	// Listen address for `callsig relay`.
	ListenAddr string `json:"listen_addr"`

	// HS256 secret shared by the relay and the token command.
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
	TokenTTLH int    `json:"token_ttl_hours"`

	// When false the relay omits the "events" capability from its welcome
	// frame and clients fall back to in-band chat signaling.
	DedicatedEvents bool `json:"dedicated_events"`

	// Per-connection message budget (messages/second, burst).
	RatePerSec float64 `json:"rate_per_sec"`
	RateBurst  int     `json:"rate_burst"`
}

type Call struct {
	RingTimeoutSec  int      `json:"ring_timeout_seconds"`
	SetupTimeoutSec int      `json:"setup_timeout_seconds"`
	ICEServers      []string `json:"ice_servers"`

	// PreferChat forces invite/accept/reject onto the chat channel even when
	// the relay supports dedicated events.
	PreferChat bool `json:"prefer_chat"`

	// AutoAnswer decides inbound calls without a prompt: "", "accept" or "reject".
	AutoAnswer string `json:"auto_answer"`

	// SuppressInOpenConversation drops invites that target the chat
	// conversation currently open on this client.
	SuppressInOpenConversation bool `json:"suppress_in_open_conversation"`

	HistorySize int `json:"history_size"`
}

// RingTimeout returns the ring timeout as a duration.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// SetupTimeout returns the call-setup timeout as a duration.
func (c Call) SetupTimeout() time.Duration {
	return time.Duration(c.SetupTimeoutSec) * time.Second
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Storage struct {
	// Path of the sqlite call history database, relative to the client dir.
	// Empty disables history.
	DBPath string `json:"db_path"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:             "ws://127.0.0.1:8788/ws",
			ListenAddr:      "127.0.0.1:8788",
			JWTIssuer:       "callsig",
			TokenTTLH:       24 * 30,
			DedicatedEvents: true,
			RatePerSec:      50,
			RateBurst:       100,
		},
		Call: Call{
			RingTimeoutSec:             30,
			SetupTimeoutSec:            45,
			ICEServers:                 []string{"stun:stun.l.google.com:19302"},
			SuppressInOpenConversation: true,
			HistorySize:                64,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7788",
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Validate checks the client-side settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if err := validateRelayURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if err := c.validateCall(); err != nil {
		return err
	}
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	return nil
}

// ValidateRelay checks the settings `callsig relay` needs.
func (c *Config) ValidateRelay() error {
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddr); err != nil {
		return fmt.Errorf("relay.listen_addr: %w", err)
	}
	if len(c.Relay.JWTSecret) < 16 {
		return errors.New("relay.jwt_secret must be at least 16 bytes")
	}
	if c.Relay.TokenTTLH <= 0 {
		return errors.New("relay.token_ttl_hours must be > 0")
	}
	if c.Relay.RatePerSec <= 0 || c.Relay.RateBurst <= 0 {
		return errors.New("relay.rate_per_sec and relay.rate_burst must be > 0")
	}
	return nil
}

func (c *Config) validateCall() error {
	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 300 {
		return errors.New("call.ring_timeout_seconds must be 5..300")
	}
	if c.Call.SetupTimeoutSec < 5 || c.Call.SetupTimeoutSec > 300 {
		return errors.New("call.setup_timeout_seconds must be 5..300")
	}
	switch c.Call.AutoAnswer {
	case "", "accept", "reject":
	default:
		return fmt.Errorf("call.auto_answer must be empty, accept or reject, got %q", c.Call.AutoAnswer)
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.HistorySize <= 0 {
		return errors.New("call.history_size must be > 0")
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. The relay uses it,
// since it has no identity of its own.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise writes a default config file
// (without validating it, the user still has to fill in the identity).
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
