package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// UpstreamType selects how outbound connections are dialed.
type UpstreamType string

const (
	UpstreamDirect UpstreamType = "direct" // Dial origins from this host
	UpstreamSocks5 UpstreamType = "socks5" // Dial origins through a SOCKS5 proxy
)

// EventsBackend selects where connection records are stored.
type EventsBackend string

const (
	EventsMemory   EventsBackend = "memory"
	EventsSQLite   EventsBackend = "sqlite"
	EventsPostgres EventsBackend = "postgres"
	EventsDummy    EventsBackend = "dummy"
)

// UpstreamConfig defines the outbound dialer.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
}

// AdBlockConfig lists domains refused while blockAds is on. Entries extend
// the built-in list.
type AdBlockConfig struct {
	Domains     []string
	DomainsFile string
}

// EventsConfig defines connection record storage and retention.
type EventsConfig struct {
	Backend              EventsBackend
	SQLitePath           string
	PostgresDSN          string
	QueueSize            int // Records buffered before new ones are dropped
	RetentionSeconds     int // Records older than this are pruned; 0 keeps all
	MaxRecords           int // Newest records kept; 0 keeps all
	PruneIntervalSeconds int
}

// RewriteConfig bounds HTML buffering in the forwarder.
type RewriteConfig struct {
	MaxBodyBytes int64
}

// DashboardConfig defines the admin API listener.
type DashboardConfig struct {
	Enabled       bool
	ListenAddress string
	Username      string
	Password      string
	JWTSecret     string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress string // Address of the proxy listener
	ProxyName     string // Sent as Proxy-agent on established tunnels
	PublicOrigin  string // Origin rewritten links point at; derived from the listener when empty
	LogLevel      string
	Settings      Settings
	Upstream      UpstreamConfig
	AdBlock       AdBlockConfig
	Events        EventsConfig
	Rewrite       RewriteConfig
	Dashboard     DashboardConfig
}

// DefaultConfig returns the configuration used without a file or environment.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:8001",
		ProxyName:     "LumenPXY",
		LogLevel:      "info",
		Settings:      DefaultSettings(),
		Upstream:      UpstreamConfig{Type: UpstreamDirect},
		Events: EventsConfig{
			Backend:              EventsMemory,
			QueueSize:            1024,
			MaxRecords:           1000,
			PruneIntervalSeconds: 60,
		},
		Rewrite: RewriteConfig{MaxBodyBytes: 8 << 20},
		Dashboard: DashboardConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:5000",
		},
	}
}

// ResolvePublicOrigin returns the configured public origin or one derived
// from the bound listener address.
func (c *Config) ResolvePublicOrigin(boundAddr string) string {
	if c.PublicOrigin != "" {
		return strings.TrimRight(c.PublicOrigin, "/")
	}
	host, port, err := net.SplitHostPort(boundAddr)
	if err != nil {
		return "http://localhost:8001"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	switch c.Upstream.Type {
	case UpstreamDirect:
	case UpstreamSocks5:
		if c.Upstream.Address == "" {
			return fmt.Errorf("socks5 upstream requires address field")
		}
	default:
		return fmt.Errorf("unsupported upstream type: %s", c.Upstream.Type)
	}
	switch c.Events.Backend {
	case EventsMemory, EventsDummy:
	case EventsSQLite:
		if c.Events.SQLitePath == "" {
			return fmt.Errorf("sqlite events backend requires sqlite-path")
		}
	case EventsPostgres:
		if c.Events.PostgresDSN == "" {
			return fmt.Errorf("postgres events backend requires postgres-dsn")
		}
	default:
		return fmt.Errorf("unsupported events backend: %s", c.Events.Backend)
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events queue-size must be greater than zero")
	}
	return nil
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".yaml", ".yml":
			err = loadYAMLConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return data, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	// Decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return applyConfigMap(data, cfg)
}

func loadYAMLConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode YAML config: %w", err)
	}
	return applyConfigMap(data, cfg)
}

// applyConfigMap maps a decoded JSON or YAML document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setField(data, "proxy-name", &cfg.ProxyName); err != nil {
		return err
	}
	if err := setField(data, "public-origin", &cfg.PublicOrigin); err != nil {
		return err
	}
	if err := setField(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if section, err := subMap(data, "settings"); err != nil {
		return err
	} else if section != nil {
		s := &cfg.Settings
		for key, dst := range map[string]*bool{
			"ssl-verification": &s.SSLVerification,
			"auto-connect":     &s.AutoConnect,
			"block-ads":        &s.BlockAds,
			"enable-logging":   &s.EnableLogging,
		} {
			if err := setField(section, key, dst); err != nil {
				return fmt.Errorf("settings: %w", err)
			}
		}
		if err := setField(section, "connection-timeout-seconds", &s.ConnectionTimeoutSeconds); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
		if err := setField(section, "max-connections", &s.MaxConnections); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
	}

	if section, err := subMap(data, "upstream"); err != nil {
		return err
	} else if section != nil {
		var upstreamType string
		if err := setField(section, "type", &upstreamType); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		if upstreamType != "" {
			cfg.Upstream.Type = UpstreamType(upstreamType)
		}
		if err := setField(section, "address", &cfg.Upstream.Address); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		if val, exists := section["username"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("upstream: username: %w", err)
			}
			cfg.Upstream.Username = ptr
		}
		if val, exists := section["password"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("upstream: password: %w", err)
			}
			cfg.Upstream.Password = ptr
		}
	}

	if section, err := subMap(data, "adblock"); err != nil {
		return err
	} else if section != nil {
		if val, exists := section["domains"]; exists {
			list, ok := val.([]any)
			if !ok {
				return fmt.Errorf("adblock: domains must be an array")
			}
			cfg.AdBlock.Domains = nil
			for i, item := range list {
				ptr, err := parseValue[string](item)
				if err != nil {
					return fmt.Errorf("adblock: domain at index %d: %w", i, err)
				}
				cfg.AdBlock.Domains = append(cfg.AdBlock.Domains, *ptr)
			}
		}
		if err := setField(section, "domains-file", &cfg.AdBlock.DomainsFile); err != nil {
			return fmt.Errorf("adblock: %w", err)
		}
	}

	if section, err := subMap(data, "events"); err != nil {
		return err
	} else if section != nil {
		e := &cfg.Events
		var backend string
		if err := setField(section, "backend", &backend); err != nil {
			return fmt.Errorf("events: %w", err)
		}
		if backend != "" {
			e.Backend = EventsBackend(backend)
		}
		for key, dst := range map[string]*string{
			"sqlite-path":  &e.SQLitePath,
			"postgres-dsn": &e.PostgresDSN,
		} {
			if err := setField(section, key, dst); err != nil {
				return fmt.Errorf("events: %w", err)
			}
		}
		for key, dst := range map[string]*int{
			"queue-size":             &e.QueueSize,
			"retention-seconds":      &e.RetentionSeconds,
			"max-records":            &e.MaxRecords,
			"prune-interval-seconds": &e.PruneIntervalSeconds,
		} {
			if err := setField(section, key, dst); err != nil {
				return fmt.Errorf("events: %w", err)
			}
		}
	}

	if section, err := subMap(data, "rewrite"); err != nil {
		return err
	} else if section != nil {
		if err := setField(section, "max-body-bytes", &cfg.Rewrite.MaxBodyBytes); err != nil {
			return fmt.Errorf("rewrite: %w", err)
		}
	}

	if section, err := subMap(data, "dashboard"); err != nil {
		return err
	} else if section != nil {
		d := &cfg.Dashboard
		if err := setField(section, "enabled", &d.Enabled); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		for key, dst := range map[string]*string{
			"listen-address": &d.ListenAddress,
			"username":       &d.Username,
			"password":       &d.Password,
			"jwt-secret":     &d.JWTSecret,
		} {
			if err := setField(section, key, dst); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
		}
	}

	return nil
}

func subMap(data map[string]any, key string) (map[string]any, error) {
	val, exists := data[key]
	if !exists || val == nil {
		return nil, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return m, nil
}

// setField parses data[key] into dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int, int64, uint64:
		// YAML integers
		n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(n)
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(n))
		default:
			return nil, fmt.Errorf("expected %T, got integer", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// LoadDomainsFile reads one domain per line, skipping blanks and # comments.
func LoadDomainsFile(path string) ([]string, error) {
	raw, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	var domains []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, strings.ToLower(line))
	}
	logger.Debug("Loaded %d domains from %s", len(domains), path)
	return domains, nil
}
