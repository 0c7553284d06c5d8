package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIListenAddr != ":8080" || cfg.WSListenAddr != ":8888" {
		t.Fatalf("listen addrs=%q %q", cfg.APIListenAddr, cfg.WSListenAddr)
	}
	if cfg.RoomTTL != 24*time.Hour {
		t.Fatalf("room ttl=%v, want 24h", cfg.RoomTTL)
	}
	if cfg.CASRetryLimit != 100 {
		t.Fatalf("retry limit=%d, want 100", cfg.CASRetryLimit)
	}
	if cfg.ProbeScheme != "https" || cfg.ProbeInterval != time.Minute {
		t.Fatalf("probe settings=%q %v", cfg.ProbeScheme, cfg.ProbeInterval)
	}
	if cfg.Production {
		t.Fatalf("production must default to off")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apprtc.yaml")
	data := `
api_listen_addr: ":9090"
canonical_host: apprtc.example.com
production: true
room_ttl: 1h
colliders:
  - name: c1
    host: one.example.com
    zone: us-central1-a
  - name: c2
    host: two.example.com
    zone: europe-west1-b
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIListenAddr != ":9090" {
		t.Fatalf("api listen addr=%q", cfg.APIListenAddr)
	}
	if cfg.CanonicalHost != "apprtc.example.com" || !cfg.Production {
		t.Fatalf("host=%q production=%v", cfg.CanonicalHost, cfg.Production)
	}
	if cfg.RoomTTL != time.Hour {
		t.Fatalf("room ttl=%v, want override", cfg.RoomTTL)
	}
	if cfg.WSListenAddr != ":8888" {
		t.Fatalf("ws listen addr=%q, want default kept", cfg.WSListenAddr)
	}
	if len(cfg.Colliders) != 2 || cfg.Colliders[0].Name != "c1" || cfg.Colliders[1].Zone != "europe-west1-b" {
		t.Fatalf("colliders=%+v", cfg.Colliders)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APPRTC_CANONICAL_HOST", "env.example.com")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CanonicalHost != "env.example.com" {
		t.Fatalf("host=%q, want env override", cfg.CanonicalHost)
	}
}
