package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration. Environment variables provide the
// defaults; command-line flags override them.
type Config struct {
	Addr             string        `env:"CAMPAIGN_ADDR" envDefault:":51234"`
	GMPassword       string        `env:"CAMPAIGN_GM_PASSWORD"`
	PlayerPassword   string        `env:"CAMPAIGN_PLAYER_PASSWORD"`
	ServerName       string        `env:"CAMPAIGN_SERVER_NAME"`
	HostName         string        `env:"CAMPAIGN_HOST_NAME"`
	CampaignName     string        `env:"CAMPAIGN_NAME" envDefault:"Campaign"`
	Version          string        `env:"CAMPAIGN_VERSION"`
	UseEasyConnect   bool          `env:"CAMPAIGN_USE_EASY_CONNECT"`
	UseWebRTC        bool          `env:"CAMPAIGN_USE_WEBRTC"`
	RegistryURL      string        `env:"CAMPAIGN_REGISTRY_URL"`
	RegistrySecret   string        `env:"CAMPAIGN_REGISTRY_SECRET"`
	DBPath           string        `env:"CAMPAIGN_DB" envDefault:":memory:"`
	AssetDir         string        `env:"CAMPAIGN_ASSET_DIR"`
	PlayerKeys       string        `env:"CAMPAIGN_PLAYER_KEYS"`
	HandshakeTimeout time.Duration `env:"CAMPAIGN_HANDSHAKE_TIMEOUT" envDefault:"30s"`
	AssetChunkSize   int           `env:"CAMPAIGN_ASSET_CHUNK_SIZE" envDefault:"5120"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadConfig reads the environment and then args.
func LoadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("campaign-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.GMPassword, "gm-password", cfg.GMPassword, "GM role password (empty: unprotected)")
	fs.StringVar(&cfg.PlayerPassword, "player-password", cfg.PlayerPassword, "Player role password (empty: unprotected)")
	fs.StringVar(&cfg.ServerName, "name", cfg.ServerName, "Name announced to the server registry (empty: not announced)")
	fs.StringVar(&cfg.HostName, "host", cfg.HostName, "Public host name used in join links (default: request host)")
	fs.StringVar(&cfg.CampaignName, "campaign", cfg.CampaignName, "Name of the initial campaign")
	fs.BoolVar(&cfg.UseEasyConnect, "easy-connect", cfg.UseEasyConnect, "Let unknown players request key approval")
	fs.BoolVar(&cfg.UseWebRTC, "webrtc", cfg.UseWebRTC, "Advertise WebRTC transport to the registry")
	fs.StringVar(&cfg.RegistryURL, "registry", cfg.RegistryURL, "Server registry base URL")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.AssetDir, "assets", cfg.AssetDir, "Directory of assets to import at startup")
	fs.StringVar(&cfg.PlayerKeys, "player-keys", cfg.PlayerKeys, "File of registered player public keys")
	fs.StringVar(&cfg.Version, "version", cfg.Version, "Version clients must match (DEVELOPMENT: accept any)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Maximum time to complete the handshake")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Version == "" {
		cfg.Version = BuildVersion
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if c.AssetChunkSize <= 0 {
		return errors.New("asset chunk size must be positive")
	}
	if _, err := c.Port(); err != nil {
		return err
	}
	return checkServerVersion(c.Version)
}

// Port extracts the numeric listen port from Addr.
func (c Config) Port() (int, error) {
	_, p, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", c.Addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("listen port %q: %w", p, err)
	}
	return port, nil
}
