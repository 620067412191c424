// Package log configures the process-wide zerolog logger and hands out
// component-scoped children.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // "debug", "info", ...; empty keeps info
	Output  io.Writer // defaults to os.Stderr
	Service string    // attached to every entry
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Configure replaces the base logger. Safe to call more than once; the last
// call wins (the client reconfigures after loading its config file).
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	service := cfg.Service
	if service == "" {
		service = "callsig"
	}

	mu.Lock()
	base = zerolog.New(out).With().Timestamp().Str("service", service).Logger()
	mu.Unlock()
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// Nop returns a disabled logger, handy in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
