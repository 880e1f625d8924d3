// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopchat/internal/app"
	"github.com/petervdpas/goopchat/internal/config"

	"github.com/spf13/cobra"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "goopchat",
		Short:        "Peer-to-peer chat with direct calls and signed group ledgers",
		SilenceUsage: true,
	}
	root.AddCommand(peerCmd(), relayCmd(), groupCmd(), contactsCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goopchat v%s\n", appVersion)
		},
	}
}

func peerCmd() *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run the peer that lives in a directory",
		Long: "Run a peer from the specified directory. The directory holds " +
			config.FileName + ", the identity key, the database and shared files; " +
			"a default config is written on first run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, cfg, err := loadPeerDir(args[0])
			if err != nil {
				return err
			}
			printPeerBanner(cmd, dir, cfgPath, cfg)
			return app.Run(cmd.Context(), app.Options{
				PeerDir: dir,
				CfgPath: cfgPath,
				Cfg:     cfg,
				Console: console,
			})
		},
	}
	cmd.Flags().BoolVarP(&console, "console", "c", true, "read chat commands from stdin")
	return cmd
}

func relayCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay <directory>",
		Short: "Run the signaling relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, cfg, err := loadPeerDir(args[0])
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.ListenAddr = listen
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Relay: ws://%s/ws (Press Ctrl+C to stop)\n", cfg.Relay.ListenAddr)
			return app.RunRelay(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override relay.listen_addr")
	return cmd
}

// loadPeerDir resolves dir and loads (or creates) its config.
func loadPeerDir(arg string) (string, string, config.Config, error) {
	dir, err := filepath.Abs(arg)
	if err != nil {
		return "", "", config.Config{}, fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", config.Config{}, err
	}
	cfgPath := filepath.Join(dir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return "", "", config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", cfgPath)
	}
	return dir, cfgPath, cfg, nil
}

// openPeer opens a peer directory without going online.
func openPeer(arg string) (*app.Peer, error) {
	dir, _, cfg, err := loadPeerDir(arg)
	if err != nil {
		return nil, err
	}
	app.SetupLogging("error")
	return app.Open(dir, cfg, nil)
}

func printPeerBanner(cmd *cobra.Command, peerDir, cfgPath string, cfg config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "╔════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                   goopchat peer runner                 ║")
	fmt.Fprintln(out, "╚════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Peer Directory: %s\n", peerDir)
	fmt.Fprintf(out, "Config File:    %s\n", cfgPath)
	fmt.Fprint(out, app.Describe(cfg))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Starting peer... (Press Ctrl+C to stop)")
	fmt.Fprintln(out, "────────────────────────────────────────────────────────")
}
