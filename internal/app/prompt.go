// internal/app/prompt.go
package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/petervdpas/callsig/internal/config"
)

// PromptInteractive walks a fresh client config through the settings a user
// must pick. Invalid answers keep the defaults.
func PromptInteractive(dir, cfgPath string, cfg config.Config) config.Config {
	pterm.DefaultSection.Println("callsig setup")
	pterm.Info.Printfln("Client folder : %s", dir)
	pterm.Info.Printfln("Config file   : %s", cfgPath)
	pterm.Println()

	cfg.Identity.UserID = askString("User id", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString("Display name", cfg.Identity.DisplayName)
	cfg.Relay.URL = askString("Relay URL", cfg.Relay.URL)
	cfg.Identity.Token = askString("Relay token (empty = set later)", cfg.Identity.Token)
	cfg.Viewer.HTTPAddr = askString("Local API addr (empty = off)", cfg.Viewer.HTTPAddr)
	cfg.Call.RingTimeoutSec = askInt("Ring timeout seconds", cfg.Call.RingTimeoutSec)
	cfg.Call.PreferChat = askBool("Signal calls through chat", cfg.Call.PreferChat)

	if err := cfg.Validate(); err != nil {
		pterm.Error.Printfln("Invalid config: %v", err)
		pterm.Warning.Println("Keeping defaults.")
		return config.Default()
	}
	return cfg
}

func askString(label, def string) string {
	s, err := pterm.DefaultInteractiveTextInput.
		WithDefaultText(label).
		WithDefaultValue(def).
		Show()
	if err != nil {
		return def
	}
	return strings.TrimSpace(s)
}

func askInt(label string, def int) int {
	for {
		s := askString(label, strconv.Itoa(def))
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		pterm.Warning.Println("Please enter a number.")
	}
}

func askBool(label string, def bool) bool {
	ok, err := pterm.DefaultInteractiveConfirm.
		WithDefaultValue(def).
		Show(fmt.Sprintf("%s?", label))
	if err != nil {
		return def
	}
	return ok
}
