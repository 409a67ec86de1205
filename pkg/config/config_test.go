package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Server.SnapshotTTL != 5*time.Second {
		t.Errorf("Expected 5s snapshot ttl, got %v", cfg.Server.SnapshotTTL)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.MaxAge != 24*time.Hour || cfg.Store.ViewerTTL != 30*time.Minute {
		t.Errorf("Unexpected store lifetimes: %+v", cfg.Store)
	}
	if cfg.Client.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %v", cfg.Client.HeartbeatInterval)
	}
	if cfg.Log.Service != "watchsyncd" {
		t.Errorf("Expected service watchsyncd, got %s", cfg.Log.Service)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchsync.yaml")
	yaml := `
server:
  addr: ":9000"
  allowed_origins:
    - https://watch.example.com
store:
  backend: redis
  viewer_ttl: 10m
roles:
  default: ""
  static:
    movie-night/alice: ADMIN
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WATCHSYNC_SERVER_ADDR", ":9100")
	t.Setenv("WATCHSYNC_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9100" {
		t.Errorf("Expected env to override the file, got %s", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://watch.example.com" {
		t.Errorf("Unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("Expected redis backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.ViewerTTL != 10*time.Minute {
		t.Errorf("Expected 10m viewer ttl, got %v", cfg.Store.ViewerTTL)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis:6379, got %s", cfg.Redis.Addr)
	}
	if cfg.Roles.Default != "" {
		t.Errorf("Expected empty default role, got %q", cfg.Roles.Default)
	}
	if cfg.Roles.Static["movie-night/alice"] != "ADMIN" {
		t.Errorf("Expected static role entry, got %v", cfg.Roles.Static)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug, got %s", cfg.Log.Level)
	}

	sc := cfg.StateConfig()
	if sc.ViewerTTL != 10*time.Minute || sc.MaxAge != 24*time.Hour {
		t.Errorf("Unexpected state config: %+v", sc)
	}
	if rc := cfg.RedisOptions(); rc.Addr != "redis:6379" || rc.PoolSize != 10 {
		t.Errorf("Unexpected redis options: %+v", rc)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store: StoreConfig{Backend: "memory", MaxAge: time.Hour, ViewerTTL: time.Minute},
			Auth:  AuthConfig{Mode: "header"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, true},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "basic" }, true},
		{"jwt without secret", func(c *Config) { c.Auth.Mode = "jwt" }, true},
		{"jwt with secret", func(c *Config) { c.Auth.Mode = "jwt"; c.Auth.Secret = "s3cret" }, false},
		{"zero viewer ttl", func(c *Config) { c.Store.ViewerTTL = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
