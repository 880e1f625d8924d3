package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"
)

// FileName is the config file expected in a peer directory.
const FileName = "goopchat.json"

type Config struct {
	Identity    Identity    `json:"identity"`
	P2P         P2P         `json:"p2p"`
	Relay       Relay       `json:"relay"`
	Bus         Bus         `json:"bus"`
	Ledger      Ledger      `json:"ledger"`
	Negotiation Negotiation `json:"negotiation"`
	Blob        Blob        `json:"blob"`
	Chat        Chat        `json:"chat"`
	Log         Log         `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file" env:"GOOPCHAT_KEY_FILE"`
}

type P2P struct {
	ListenPort int    `json:"listen_port" env:"GOOPCHAT_LISTEN_PORT"`
	MdnsTag    string `json:"mdns_tag" env:"GOOPCHAT_MDNS_TAG"`

	// Multiaddrs (with /p2p/<id>) dialed at startup, e.g.
	// /ip4/10.0.0.2/tcp/4001/p2p/12D3KooW...
	Bootstrap []string `json:"bootstrap" env:"GOOPCHAT_BOOTSTRAP" envSeparator:","`
}

type Relay struct {
	// Signaling relay websocket URL the peer joins, e.g. ws://host:8787/ws.
	// Empty disables direct calls.
	URL  string `json:"url" env:"GOOPCHAT_RELAY_URL"`
	Room string `json:"room" env:"GOOPCHAT_RELAY_ROOM"`

	// Bind address when this process runs the relay server.
	ListenAddr string `json:"listen_addr" env:"GOOPCHAT_RELAY_LISTEN"`
}

type Bus struct {
	DedupTTLSec      int `json:"dedup_ttl_seconds" env:"GOOPCHAT_DEDUP_TTL"`
	SweepIntervalSec int `json:"sweep_interval_seconds" env:"GOOPCHAT_DEDUP_SWEEP"`
}

type Ledger struct {
	// "public" or "restricted"
	Mode  string `json:"mode" env:"GOOPCHAT_LEDGER_MODE"`
	Topic string `json:"topic" env:"GOOPCHAT_LEDGER_TOPIC"`
}

type Negotiation struct {
	TimeoutSec int      `json:"timeout_seconds" env:"GOOPCHAT_NEGOTIATION_TIMEOUT"`
	ICEServers []string `json:"ice_servers" env:"GOOPCHAT_ICE_SERVERS" envSeparator:","`
}

type Blob struct {
	Dir          string `json:"dir" env:"GOOPCHAT_BLOB_DIR"`
	MaxMB        int    `json:"max_mb" env:"GOOPCHAT_BLOB_MAX_MB"`
	TimeoutSec   int    `json:"timeout_seconds" env:"GOOPCHAT_BLOB_TIMEOUT"`
	CacheEntries int    `json:"cache_entries" env:"GOOPCHAT_BLOB_CACHE"`
}

type Chat struct {
	HistorySize int    `json:"history_size" env:"GOOPCHAT_HISTORY_SIZE"`
	DisplayName string `json:"display_name" env:"GOOPCHAT_DISPLAY_NAME"`
}

type Log struct {
	Level string `json:"level" env:"GOOPCHAT_LOG_LEVEL"`
}

const (
	ModePublic     = "public"
	ModeRestricted = "restricted"
)

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Relay: Relay{
			URL:        "",
			Room:       "lobby",
			ListenAddr: "127.0.0.1:8787",
		},
		Bus: Bus{
			DedupTTLSec:      300,
			SweepIntervalSec: 60,
		},
		Ledger: Ledger{
			Mode:  ModeRestricted,
			Topic: proto.LedgerTopic,
		},
		Negotiation: Negotiation{
			TimeoutSec: 30,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Blob: Blob{
			Dir:          "data/blobs",
			MaxMB:        50,
			TimeoutSec:   30,
			CacheEntries: 64,
		},
		Chat: Chat{
			HistorySize: 500,
			DisplayName: "anonymous",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Relay
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if _, err := util.ValidateName(c.Relay.Room); err != nil {
			return fmt.Errorf("relay.room: %w", err)
		}
	}
	if a := strings.TrimSpace(c.Relay.ListenAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("relay.listen_addr: %w", err)
		}
	}

	// Bus
	if c.Bus.DedupTTLSec <= 0 {
		return errors.New("bus.dedup_ttl_seconds must be > 0")
	}
	if c.Bus.SweepIntervalSec <= 0 {
		return errors.New("bus.sweep_interval_seconds must be > 0")
	}

	// Ledger
	if c.Ledger.Mode != ModePublic && c.Ledger.Mode != ModeRestricted {
		return errors.New("ledger.mode must be public or restricted")
	}
	if strings.TrimSpace(c.Ledger.Topic) == "" {
		return errors.New("ledger.topic is required")
	}

	// Negotiation
	if c.Negotiation.TimeoutSec < 1 || c.Negotiation.TimeoutSec > 300 {
		return errors.New("negotiation.timeout_seconds must be 1..300")
	}
	for _, s := range c.Negotiation.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("negotiation.ice_servers: %q is not a stun/turn url", s)
		}
	}

	// Blob
	if strings.TrimSpace(c.Blob.Dir) == "" {
		return errors.New("blob.dir is required")
	}
	if c.Blob.MaxMB < 1 || c.Blob.MaxMB > 1024 {
		return errors.New("blob.max_mb must be 1..1024")
	}
	if c.Blob.TimeoutSec <= 0 {
		return errors.New("blob.timeout_seconds must be > 0")
	}
	if c.Blob.CacheEntries < 0 {
		return errors.New("blob.cache_entries must be >= 0")
	}

	// Chat
	if c.Chat.HistorySize <= 0 {
		return errors.New("chat.history_size must be > 0")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
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

// LoadPartial reads a config file and applies environment overrides
// without validation.
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

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
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
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
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
