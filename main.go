// main.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/petervdpas/callsig/internal/app"
	"github.com/petervdpas/callsig/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "callsig.json"

var (
	flagConsole bool
	flagSetup   bool
	flagName    string
)

var rootCmd = &cobra.Command{
	Use:     "callsig",
	Short:   "One-to-one voice and video calls signaled over a websocket relay",
	Version: appVersion,
}

var clientCmd = &cobra.Command{
	Use:   "client <directory>",
	Short: "Run a client from the specified directory",
	Long: `Run a client. The directory holds callsig.json and the call history;
a default config is written on first start.

Examples:
  callsig client ./users/alice
  callsig client ./users/alice --console`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, cfgPath, err := resolveDir(args[0])
		if err != nil {
			return err
		}
		cfg, created, err := config.Ensure(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if created || flagSetup {
			cfg = app.PromptInteractive(dir, cfgPath, cfg)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
		}
		printBanner("Client", dir, cfgPath)
		if cfg.Viewer.HTTPAddr != "" {
			_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
			pterm.Info.Printfln("Local API: %s", url)
		}

		ctx, cancel := signalContext()
		defer cancel()
		return app.Run(ctx, app.Options{
			Dir:     dir,
			CfgPath: cfgPath,
			Cfg:     cfg,
			Console: flagConsole,
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay <directory>",
	Short: "Run the signaling relay",
	Long: `Run the relay. A JWT secret is generated into callsig.json on first
start; tokens for users are minted with "callsig token".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, cfgPath, err := resolveDir(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadRelayConfig(cfgPath)
		if err != nil {
			return err
		}
		printBanner("Relay", dir, cfgPath)
		pterm.Info.Printfln("Listening on ws://%s/ws", cfg.Relay.ListenAddr)

		ctx, cancel := signalContext()
		defer cancel()
		return app.RunRelay(ctx, app.RelayOptions{Dir: dir, CfgPath: cfgPath, Cfg: cfg})
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <relay-directory> <user-id>",
	Short:   "Issue a relay token for a user",
	Example: `  callsig token ./relay alice --name "Alice Liddell"`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfgPath, err := resolveDir(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadRelayConfig(cfgPath)
		if err != nil {
			return err
		}
		tok, err := app.IssueToken(cfg, args[1], flagName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	clientCmd.Flags().BoolVar(&flagConsole, "console", false, "answer incoming calls on the terminal")
	clientCmd.Flags().BoolVar(&flagSetup, "setup", false, "run the interactive setup before starting")
	tokenCmd.Flags().StringVar(&flagName, "name", "", "display name carried in the token")

	rootCmd.AddCommand(clientCmd, relayCmd, tokenCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func resolveDir(arg string) (dir, cfgPath string, err error) {
	dir, err = filepath.Abs(arg)
	if err != nil {
		return "", "", fmt.Errorf("invalid directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create directory: %w", err)
	}
	return dir, filepath.Join(dir, cfgName), nil
}

// loadRelayConfig reads the relay config and fills in a secret on first use.
func loadRelayConfig(cfgPath string) (config.Config, error) {
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Relay.JWTSecret != "" {
		return cfg, nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return config.Config{}, err
	}
	cfg.Relay.JWTSecret = hex.EncodeToString(b)
	if err := config.Save(cfgPath, cfg); err != nil {
		return config.Config{}, err
	}
	pterm.Success.Printfln("Generated relay secret in %s", cfgPath)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printBanner(mode, dir, cfgPath string) {
	pterm.DefaultHeader.Println("callsig " + mode)
	pterm.Info.Printfln("Directory: %s", dir)
	pterm.Info.Printfln("Config:    %s", cfgPath)
	pterm.Println("Press Ctrl+C to stop")
	pterm.Println()
}
