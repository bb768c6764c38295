package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, v)
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, v)
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// loadConfigFromEnv applies LUMENPXY_* variables. A config file, when
// given, is applied afterwards and wins.
func loadConfigFromEnv(cfg *Config) {
	envString("LUMENPXY_LISTENADDRESS", &cfg.ListenAddress)
	envString("LUMENPXY_PROXYNAME", &cfg.ProxyName)
	envString("LUMENPXY_PUBLICORIGIN", &cfg.PublicOrigin)
	envString("LUMENPXY_LOGLEVEL", &cfg.LogLevel)

	envBool("LUMENPXY_SSLVERIFICATION", &cfg.Settings.SSLVerification)
	envBool("LUMENPXY_AUTOCONNECT", &cfg.Settings.AutoConnect)
	envBool("LUMENPXY_BLOCKADS", &cfg.Settings.BlockAds)
	envBool("LUMENPXY_ENABLELOGGING", &cfg.Settings.EnableLogging)
	envInt("LUMENPXY_CONNECTIONTIMEOUT", &cfg.Settings.ConnectionTimeoutSeconds)
	envInt("LUMENPXY_MAXCONNECTIONS", &cfg.Settings.MaxConnections)

	if v := os.Getenv("LUMENPXY_UPSTREAM"); v != "" {
		// socks5://[user:pass@]host:port or "direct"
		if strings.EqualFold(v, string(UpstreamDirect)) {
			cfg.Upstream = UpstreamConfig{Type: UpstreamDirect}
		} else if rest, ok := strings.CutPrefix(v, "socks5://"); ok {
			up := UpstreamConfig{Type: UpstreamSocks5, Address: rest}
			if creds, host, found := strings.Cut(rest, "@"); found {
				up.Address = host
				user, pass, _ := strings.Cut(creds, ":")
				up.Username = &user
				up.Password = &pass
			}
			cfg.Upstream = up
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for LUMENPXY_UPSTREAM: %s\n", v)
		}
	}

	if v := os.Getenv("LUMENPXY_EVENTSBACKEND"); v != "" {
		cfg.Events.Backend = EventsBackend(strings.ToLower(v))
	}
	envString("LUMENPXY_SQLITEPATH", &cfg.Events.SQLitePath)
	envString("LUMENPXY_POSTGRESDSN", &cfg.Events.PostgresDSN)

	envBool("LUMENPXY_DASHBOARD", &cfg.Dashboard.Enabled)
	envString("LUMENPXY_DASHBOARDADDRESS", &cfg.Dashboard.ListenAddress)
	envString("LUMENPXY_DASHBOARDUSER", &cfg.Dashboard.Username)
	envString("LUMENPXY_DASHBOARDPASSWORD", &cfg.Dashboard.Password)
	envString("LUMENPXY_JWTSECRET", &cfg.Dashboard.JWTSecret)
}
