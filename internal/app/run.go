package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/config"
	"github.com/petervdpas/callsig/internal/log"
	"github.com/petervdpas/callsig/internal/media"
	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/negotiation"
	"github.com/petervdpas/callsig/internal/relay"
	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/storage"
	"github.com/petervdpas/callsig/internal/util"
	"github.com/petervdpas/callsig/internal/viewer"
	"github.com/petervdpas/callsig/internal/viewer/routes"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Console answers incoming calls on the terminal when no auto-answer
	// policy is configured.
	Console bool

	// Stderr receives the log stream next to the viewer's buffer.
	Stderr io.Writer
}

// Run starts a client: relay connection, call stack, history and the local
// viewer. It returns when ctx is done or a component fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	logBuf := viewer.NewLogBuffer(800)
	stderr := opt.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Output:  io.MultiWriter(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}, logBuf),
		Service: "callsig-client",
	})
	logger := log.WithComponent("app")
	logBanner(logger, opt.Dir, opt.CfgPath)

	// ── History
	var db *storage.DB
	if cfg.Storage.DBPath != "" {
		var err error
		if db, err = openDB(opt.Dir, cfg.Storage.DBPath); err != nil {
			return err
		}
		defer db.Close()
		logger.Info().Str("path", db.Path()).Msg("call history enabled")
	}

	// ── Relay connection
	relayConn := mq.New(cfg.Relay.URL, log.WithComponent("mq"))
	defer relayConn.Close()

	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	err := relayConn.Connect(cctx, cfg.Identity.Token)
	cancel()
	if errors.Is(err, mq.ErrUnauthorized) {
		return fmt.Errorf("relay rejected the token for %s; issue a new one with `callsig token`", cfg.Identity.UserID)
	}
	if err != nil {
		return fmt.Errorf("connect relay %s: %w", cfg.Relay.URL, err)
	}
	if id := relayConn.SelfID(); id != cfg.Identity.UserID {
		logger.Warn().Str("configured", cfg.Identity.UserID).Str("relay", id).Msg("relay identity differs from config")
	}
	logger.Info().
		Str("user", relayConn.SelfID()).
		Bool("events", relayConn.HasCapability(mq.CapabilityEvents)).
		Msg("connected to relay")

	if db != nil {
		unsub := relayConn.SubscribeTopic(mq.TopicCallIncoming, func(_, _ string, raw json.RawMessage) {
			var p mq.IncomingPayload
			if json.Unmarshal(raw, &p) != nil || p.Caller.UserID == "" {
				return
			}
			uctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			if err := db.UpsertContact(uctx, p.Caller, time.Now()); err != nil {
				logger.Warn().Err(err).Str("user", p.Caller.UserID).Msg("contact upsert failed")
			}
		})
		defer unsub()
	}

	// ── Chat and signaling
	chatMgr := chat.New(relayConn, 100, log.WithComponent("chat"))
	defer chatMgr.Close()

	router := signal.NewRouter(relayConn, chatMgr, log.WithComponent("signal"), signal.Options{
		PreferChat: cfg.Call.PreferChat,
	})
	defer router.Close()

	// ── Media
	callOpts := call.Options{
		Self: calls.Caller{
			UserID:      relayConn.SelfID(),
			DisplayName: cfg.Identity.DisplayName,
			Avatar:      cfg.Identity.Avatar,
		},
		RingTimeout:  cfg.Call.RingTimeout(),
		SetupTimeout: cfg.Call.SetupTimeout(),
		HistorySize:  cfg.Call.HistorySize,
		Log:          log.WithComponent("call"),
	}
	if db != nil {
		callOpts.Recorder = db
	}
	src, err := media.NewSource(log.WithComponent("media"))
	if err != nil {
		logger.Warn().Err(err).Msg("no local capture; calls will receive only")
		callOpts.Peers = negotiation.NewPionFactory(cfg.Call.ICEServers, nil, log.WithComponent("webrtc"))
	} else {
		callOpts.Peers = negotiation.NewPionFactory(cfg.Call.ICEServers, src, log.WithComponent("webrtc"))
		callOpts.Media = src
	}

	callMgr := call.New(router, callOpts)
	defer callMgr.Close()

	surface := routes.NewSurface()
	notifier := call.NewNotifier(callMgr, decider(cfg.Call.AutoAnswer, opt.Console), log.WithComponent("notifier"), call.NotifierOptions{
		SuppressInOpenConversation: cfg.Call.SuppressInOpenConversation,
		Surface:                    surface,
	})
	defer notifier.Close()
	callMgr.SetNotifier(notifier)

	router.SetHandler(callMgr.HandleSignal)
	router.SetSessions(callMgr)
	router.Start()

	// ── Timeouts follow the config file
	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, log.WithComponent("config"), func(next config.Config) {
			callMgr.SetTimeouts(next.Call.RingTimeout(), next.Call.SetupTimeout())
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable")
		} else {
			defer w.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls:   callMgr,
			Chat:    chatMgr,
			Relay:   relayConn,
			DB:      db,
			Logs:    logBuf,
			Surface: surface,
			CfgPath: opt.CfgPath,
			Log:     log.WithComponent("viewer"),
		}
		g.Go(func() error { return viewer.Start(gctx, addr, v) })
		logger.Info().Str("url", url).Msg("local api")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	})
	return g.Wait()
}

// decider picks how unattended invites are answered.
func decider(autoAnswer string, console bool) call.Decider {
	switch autoAnswer {
	case "accept":
		return call.AutoDecider{Decision: call.DecisionAccept, Delay: time.Second}
	case "reject":
		return call.AutoDecider{Decision: call.DecisionReject}
	}
	if console {
		return call.ConsoleDecider{}
	}
	return nil
}

// RelayOptions configure RunRelay.
type RelayOptions struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Stderr  io.Writer
}

// RunRelay serves the signaling relay until ctx is done.
func RunRelay(ctx context.Context, opt RelayOptions) error {
	cfg := opt.Cfg
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	out := opt.Stderr
	if out == nil {
		out = os.Stderr
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Output: out, Service: "callsig-relay"})
	logger := log.WithComponent("relay")
	logBanner(logger, opt.Dir, opt.CfgPath)

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	ropts := relay.Options{
		Auth:       auth,
		Events:     cfg.Relay.DedicatedEvents,
		RatePerSec: cfg.Relay.RatePerSec,
		RateBurst:  cfg.Relay.RateBurst,
		Log:        logger,
	}
	if cfg.Storage.DBPath != "" {
		db, err := openDB(opt.Dir, cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		ropts.Store = db
	}

	return relay.New(ropts).ListenAndServe(ctx, cfg.Relay.ListenAddr)
}

// IssueToken mints a relay credential for userID with the relay's secret.
func IssueToken(cfg config.Config, userID, name string) (string, error) {
	auth, err := newAuthenticator(cfg)
	if err != nil {
		return "", err
	}
	return auth.Issue(time.Now(), userID, name)
}

func newAuthenticator(cfg config.Config) (*relay.Authenticator, error) {
	ttl := time.Duration(cfg.Relay.TokenTTLH) * time.Hour
	return relay.NewAuthenticator(cfg.Relay.JWTSecret, cfg.Relay.JWTIssuer, ttl)
}

func openDB(dir, rel string) (*storage.DB, error) {
	path := util.ResolvePath(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.OpenFile(path)
}
