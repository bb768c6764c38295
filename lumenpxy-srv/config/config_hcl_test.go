package config

import (
	"strings"
	"testing"
)

func TestLoadConfigHCL(t *testing.T) {
	t.Setenv("TEST_SOCKS_PASSWORD", "s3cret")
	t.Setenv("TEST_PROXY_NAME", "HclPXY")

	content := `
listen-address = "127.0.0.1:8101"
proxy-name     = env("TEST_PROXY_NAME")
log-level      = "debug"

settings {
  ssl-verification           = true
  auto-connect               = true
  connection-timeout-seconds = 15
  max-connections            = 64
}

upstream {
  type     = "socks5"
  address  = "127.0.0.1:1080"
  username = "bob"
  password = secret("TEST_SOCKS_PASSWORD")
}

adblock {
  domains = ["doubleclick.net", "ads.example.com"]
}

events {
  backend     = "postgres"
  postgres-dsn = "postgres://localhost/lumenpxy?sslmode=disable"
  max-records = 500
}

dashboard {
  enabled        = true
  listen-address = "127.0.0.1:5100"
  jwt-secret     = "0123456789abcdef"
}
`
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", content)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:8101" {
		t.Errorf("Expected listen address 127.0.0.1:8101, got %s", cfg.ListenAddress)
	}
	if cfg.ProxyName != "HclPXY" {
		t.Errorf("Expected proxy name from env(), got %s", cfg.ProxyName)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if !cfg.Settings.AutoConnect || cfg.Settings.ConnectionTimeoutSeconds != 15 || cfg.Settings.MaxConnections != 64 {
		t.Errorf("Unexpected settings: %+v", cfg.Settings)
	}
	if !cfg.Settings.BlockAds {
		t.Errorf("Expected block ads to keep its default")
	}
	if cfg.Upstream.Password == nil || *cfg.Upstream.Password != "s3cret" {
		t.Errorf("Expected upstream password from secret()")
	}
	if len(cfg.AdBlock.Domains) != 2 {
		t.Errorf("Expected 2 adblock domains, got %v", cfg.AdBlock.Domains)
	}
	if cfg.Events.Backend != EventsPostgres || cfg.Events.MaxRecords != 500 {
		t.Errorf("Unexpected events config: %+v", cfg.Events)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.JWTSecret != "0123456789abcdef" {
		t.Errorf("Unexpected dashboard config: %+v", cfg.Dashboard)
	}
}

func TestLoadConfigHCLMissingSecret(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", `
dashboard {
  password = secret("LUMENPXY_TEST_UNSET_SECRET")
}
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected error for unset secret")
	}
	if !strings.Contains(err.Error(), "LUMENPXY_TEST_UNSET_SECRET") {
		t.Errorf("Expected error to name the secret, got %v", err)
	}
}

func TestLoadConfigHCLSyntaxError(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", `settings {`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "failed to decode HCL config") {
		t.Fatalf("Expected decode error, got %v", err)
	}
}
