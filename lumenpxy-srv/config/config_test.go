package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	err := os.WriteFile(tempFilePath, []byte(content), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig with no path failed: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:8001" {
		t.Errorf("Expected default listen address 0.0.0.0:8001, got %s", cfg.ListenAddress)
	}
	if cfg.ProxyName != "LumenPXY" {
		t.Errorf("Expected default proxy name LumenPXY, got %s", cfg.ProxyName)
	}
	if cfg.Settings != DefaultSettings() {
		t.Errorf("Expected default settings, got %+v", cfg.Settings)
	}
	if cfg.Upstream.Type != UpstreamDirect {
		t.Errorf("Expected direct upstream, got %s", cfg.Upstream.Type)
	}
	if cfg.Events.Backend != EventsMemory {
		t.Errorf("Expected memory events backend, got %s", cfg.Events.Backend)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_DASHBOARD_PASSWORD", "hunter2")

	path := createTempConfigFile(t, dir, "config.json", `{
		"listen-address": "127.0.0.1:9001",
		"proxy-name": "TestPXY",
		"public-origin": "http://proxy.local:9001/",
		"settings": {
			"ssl-verification": false,
			"block-ads": "false",
			"connection-timeout-seconds": 30,
			"max-connections": "50"
		},
		"upstream": {
			"type": "socks5",
			"address": "127.0.0.1:1080",
			"username": "user"
		},
		"adblock": {"domains": ["ads.example.com", "tracker.example.org"]},
		"events": {"backend": "sqlite", "sqlite-path": "events.db", "queue-size": 16, "max-records": 200},
		"rewrite": {"max-body-bytes": 1024},
		"dashboard": {
			"enabled": true,
			"listen-address": "127.0.0.1:5001",
			"username": "admin",
			"password": {"_secret": "TEST_DASHBOARD_PASSWORD"}
		}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:9001" {
		t.Errorf("Expected listen address 127.0.0.1:9001, got %s", cfg.ListenAddress)
	}
	if cfg.ProxyName != "TestPXY" {
		t.Errorf("Expected proxy name TestPXY, got %s", cfg.ProxyName)
	}
	if got := cfg.ResolvePublicOrigin("127.0.0.1:9001"); got != "http://proxy.local:9001" {
		t.Errorf("Expected trimmed public origin, got %s", got)
	}
	if cfg.Settings.SSLVerification || cfg.Settings.BlockAds {
		t.Errorf("Expected ssl verification and block ads disabled, got %+v", cfg.Settings)
	}
	if !cfg.Settings.EnableLogging {
		t.Errorf("Expected enable logging to keep its default")
	}
	if cfg.Settings.ConnectionTimeoutSeconds != 30 || cfg.Settings.MaxConnections != 50 {
		t.Errorf("Unexpected numeric settings: %+v", cfg.Settings)
	}
	if cfg.Upstream.Type != UpstreamSocks5 || cfg.Upstream.Address != "127.0.0.1:1080" {
		t.Errorf("Unexpected upstream: %+v", cfg.Upstream)
	}
	if cfg.Upstream.Username == nil || *cfg.Upstream.Username != "user" || cfg.Upstream.Password != nil {
		t.Errorf("Unexpected upstream credentials: %+v", cfg.Upstream)
	}
	if len(cfg.AdBlock.Domains) != 2 || cfg.AdBlock.Domains[1] != "tracker.example.org" {
		t.Errorf("Unexpected adblock domains: %v", cfg.AdBlock.Domains)
	}
	if cfg.Events.Backend != EventsSQLite || cfg.Events.SQLitePath != "events.db" ||
		cfg.Events.QueueSize != 16 || cfg.Events.MaxRecords != 200 {
		t.Errorf("Unexpected events config: %+v", cfg.Events)
	}
	if cfg.Rewrite.MaxBodyBytes != 1024 {
		t.Errorf("Expected max body bytes 1024, got %d", cfg.Rewrite.MaxBodyBytes)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Password != "hunter2" {
		t.Errorf("Unexpected dashboard config: %+v", cfg.Dashboard)
	}
}

func TestLoadConfigJSONErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing secret", `{"dashboard": {"password": {"_secret": "LUMENPXY_TEST_UNSET_SECRET"}}}`, "secret LUMENPXY_TEST_UNSET_SECRET not set"},
		{"settings not object", `{"settings": 5}`, "settings must be an object"},
		{"bad timeout", `{"settings": {"connection-timeout-seconds": 0}}`, "connectionTimeout"},
		{"bad max connections", `{"settings": {"max-connections": -1}}`, "maxConnections"},
		{"bad bool", `{"settings": {"block-ads": "maybe"}}`, "failed to parse bool"},
		{"socks5 without address", `{"upstream": {"type": "socks5"}}`, "requires address"},
		{"unknown upstream", `{"upstream": {"type": "carrier-pigeon"}}`, "unsupported upstream type"},
		{"unknown backend", `{"events": {"backend": "redis"}}`, "unsupported events backend"},
		{"sqlite without path", `{"events": {"backend": "sqlite"}}`, "requires sqlite-path"},
		{"domains not array", `{"adblock": {"domains": "ads.example.com"}}`, "domains must be an array"},
		{"malformed", `{"listen-address": `, "failed to decode JSON config"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, dir, filepath.Base(t.Name())+string(rune('a'+i))+".json", tt.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.toml", "listen-address = 1")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "unsupported config file format") {
		t.Fatalf("Expected unsupported format error, got %v", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", `
listen-address: 127.0.0.1:9100
settings:
  enable-logging: false
  connection-timeout-seconds: 5
  max-connections: 25
events:
  backend: dummy
  retention-seconds: 3600
dashboard:
  enabled: true
  username: admin
  password: secret
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load YAML config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9100" {
		t.Errorf("Expected listen address 127.0.0.1:9100, got %s", cfg.ListenAddress)
	}
	if cfg.Settings.EnableLogging {
		t.Errorf("Expected enable logging to be false")
	}
	if cfg.Settings.ConnectionTimeoutSeconds != 5 || cfg.Settings.MaxConnections != 25 {
		t.Errorf("Unexpected numeric settings: %+v", cfg.Settings)
	}
	if cfg.Events.Backend != EventsDummy || cfg.Events.RetentionSeconds != 3600 {
		t.Errorf("Unexpected events config: %+v", cfg.Events)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Username != "admin" {
		t.Errorf("Unexpected dashboard config: %+v", cfg.Dashboard)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LUMENPXY_LISTENADDRESS", "127.0.0.1:7001")
	t.Setenv("LUMENPXY_BLOCKADS", "false")
	t.Setenv("LUMENPXY_CONNECTIONTIMEOUT", "3")
	t.Setenv("LUMENPXY_UPSTREAM", "socks5://alice:pw@127.0.0.1:1080")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:7001" {
		t.Errorf("Expected env listen address, got %s", cfg.ListenAddress)
	}
	if cfg.Settings.BlockAds {
		t.Errorf("Expected block ads disabled from env")
	}
	if cfg.Settings.ConnectionTimeoutSeconds != 3 {
		t.Errorf("Expected timeout 3, got %d", cfg.Settings.ConnectionTimeoutSeconds)
	}
	if cfg.Upstream.Type != UpstreamSocks5 || cfg.Upstream.Address != "127.0.0.1:1080" {
		t.Errorf("Unexpected upstream from env: %+v", cfg.Upstream)
	}
	if cfg.Upstream.Username == nil || *cfg.Upstream.Username != "alice" ||
		cfg.Upstream.Password == nil || *cfg.Upstream.Password != "pw" {
		t.Errorf("Unexpected upstream credentials from env")
	}

	// A file overrides the environment.
	path := createTempConfigFile(t, t.TempDir(), "override.json", `{"listen-address": "127.0.0.1:7002"}`)
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:7002" {
		t.Errorf("Expected file to override env, got %s", cfg.ListenAddress)
	}
}

func TestResolvePublicOrigin(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		bound string
		want  string
	}{
		{"0.0.0.0:8001", "http://localhost:8001"},
		{"[::]:8002", "http://localhost:8002"},
		{"127.0.0.1:8003", "http://127.0.0.1:8003"},
		{"garbage", "http://localhost:8001"},
	}
	for _, tt := range tests {
		if got := cfg.ResolvePublicOrigin(tt.bound); got != tt.want {
			t.Errorf("ResolvePublicOrigin(%q) = %q, want %q", tt.bound, got, tt.want)
		}
	}
}

func TestLoadDomainsFile(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "domains.txt", "# ad networks\nAds.Example.com\n\n  tracker.example.org  \n")
	domains, err := LoadDomainsFile(path)
	if err != nil {
		t.Fatalf("LoadDomainsFile failed: %v", err)
	}
	if len(domains) != 2 || domains[0] != "ads.example.com" || domains[1] != "tracker.example.org" {
		t.Errorf("Unexpected domains: %v", domains)
	}
}
