// internal/app/helpers.go
package app

import (
	"strings"

	"github.com/rs/zerolog"
)

// NormalizeLocalViewer keeps the viewer on loopback and returns the listen
// addr and its URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func logBanner(logger zerolog.Logger, dir, cfgPath string) {
	logger.Info().
		Str("dir", dir).
		Str("config", cfgPath).
		Msg("one process per folder; a different folder is a different user")
}
