package app

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/config"
	"github.com/petervdpas/goopchat/internal/relay"
)

// noisy libp2p subsystems stay quiet unless debugging.
var noisy = []string{"swarm2", "autonat", "pubsub", "net/identify", "basichost"}

// SetupLogging applies level to every goopchat logger.
func SetupLogging(level string) {
	lvl, err := logging.LevelFromString(strings.ToLower(level))
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
	if lvl != logging.LevelDebug {
		for _, sub := range noisy {
			_ = logging.SetLogLevel(sub, "error")
		}
	}
}

// RunRelay serves the signaling relay on cfg.Relay.ListenAddr until ctx is
// cancelled.
func RunRelay(ctx context.Context, cfg config.Config) error {
	SetupLogging(cfg.Log.Level)
	return relay.NewServer().ListenAndServe(ctx, cfg.Relay.ListenAddr)
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopchat peer")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" One folder is one peer: its identity, history and groups.")
	log.Info("────────────────────────────────────────")
}

// Describe renders the config the way the CLI banner shows it.
func Describe(cfg config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Relay:        %s (room %s)\n", orNone(cfg.Relay.URL), cfg.Relay.Room)
	fmt.Fprintf(&b, "Ledger mode:  %s\n", cfg.Ledger.Mode)
	fmt.Fprintf(&b, "Display name: %s\n", cfg.Chat.DisplayName)
	if len(cfg.P2P.Bootstrap) > 0 {
		fmt.Fprintf(&b, "Bootstrap:    %s\n", strings.Join(cfg.P2P.Bootstrap, ", "))
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
