package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/webrtc/apprtc/backend/prober"
)

// Config holds every runtime knob of the signaling backend. Values come
// from an optional yaml file overridden by APPRTC_* environment variables.
type Config struct {
	APIListenAddr string `mapstructure:"api_listen_addr"`
	WSListenAddr  string `mapstructure:"ws_listen_addr"`
	// CanonicalHost is the host the relay uses to look up room membership.
	// Room keys carry the Host header of the join request, so the API must
	// be reached under this host for its sessions to register on the relay.
	CanonicalHost   string `mapstructure:"canonical_host"`
	Production      bool   `mapstructure:"production"`
	EncryptionKey   string `mapstructure:"encryption_key_path"`
	HashSalt        string `mapstructure:"hash_salt_path"`
	DispatchURL     string `mapstructure:"dispatch_url"`
	IceServerURL    string `mapstructure:"ice_server_url"`
	IceServerAPIKey string `mapstructure:"ice_server_api_key"`

	RoomTTL       time.Duration `mapstructure:"room_ttl"`
	CASRetryLimit int           `mapstructure:"cas_retry_limit"`

	ProbeInterval time.Duration     `mapstructure:"probe_interval"`
	ProbeScheme   string            `mapstructure:"probe_scheme"`
	Colliders     []prober.Instance `mapstructure:"colliders"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("apprtc")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("apprtc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("canonical_host", "localhost:8080")
	v.SetDefault("production", false)
	v.SetDefault("room_ttl", "24h")
	v.SetDefault("cas_retry_limit", 100)
	v.SetDefault("probe_interval", "1m")
	v.SetDefault("probe_scheme", "https")

	// A missing file is fine, everything has a default or an env override.
	// An explicitly named file that fails to parse is not.
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
