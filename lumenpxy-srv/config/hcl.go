package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

type hclFile struct {
	ListenAddress *string       `hcl:"listen-address,optional"`
	ProxyName     *string       `hcl:"proxy-name,optional"`
	PublicOrigin  *string       `hcl:"public-origin,optional"`
	LogLevel      *string       `hcl:"log-level,optional"`
	Settings      *hclSettings  `hcl:"settings,block"`
	Upstream      *hclUpstream  `hcl:"upstream,block"`
	AdBlock       *hclAdBlock   `hcl:"adblock,block"`
	Events        *hclEvents    `hcl:"events,block"`
	Rewrite       *hclRewrite   `hcl:"rewrite,block"`
	Dashboard     *hclDashboard `hcl:"dashboard,block"`
}

type hclSettings struct {
	SSLVerification          *bool `hcl:"ssl-verification,optional"`
	AutoConnect              *bool `hcl:"auto-connect,optional"`
	BlockAds                 *bool `hcl:"block-ads,optional"`
	EnableLogging            *bool `hcl:"enable-logging,optional"`
	ConnectionTimeoutSeconds *int  `hcl:"connection-timeout-seconds,optional"`
	MaxConnections           *int  `hcl:"max-connections,optional"`
}

type hclUpstream struct {
	Type     *string `hcl:"type,optional"`
	Address  *string `hcl:"address,optional"`
	Username *string `hcl:"username,optional"`
	Password *string `hcl:"password,optional"`
}

type hclAdBlock struct {
	Domains     []string `hcl:"domains,optional"`
	DomainsFile *string  `hcl:"domains-file,optional"`
}

type hclEvents struct {
	Backend              *string `hcl:"backend,optional"`
	SQLitePath           *string `hcl:"sqlite-path,optional"`
	PostgresDSN          *string `hcl:"postgres-dsn,optional"`
	QueueSize            *int    `hcl:"queue-size,optional"`
	RetentionSeconds     *int    `hcl:"retention-seconds,optional"`
	MaxRecords           *int    `hcl:"max-records,optional"`
	PruneIntervalSeconds *int    `hcl:"prune-interval-seconds,optional"`
}

type hclRewrite struct {
	MaxBodyBytes *int64 `hcl:"max-body-bytes,optional"`
}

type hclDashboard struct {
	Enabled       *bool   `hcl:"enabled,optional"`
	ListenAddress *string `hcl:"listen-address,optional"`
	Username      *string `hcl:"username,optional"`
	Password      *string `hcl:"password,optional"`
	JWTSecret     *string `hcl:"jwt-secret,optional"`
}

// hclEvalContext exposes env("NAME") and secret("NAME") to configuration
// files. secret fails when the variable is unset.
func hclEvalContext() *hcl.EvalContext {
	lookup := func(required bool) function.Function {
		return function.New(&function.Spec{
			Params: []function.Parameter{{Name: "name", Type: cty.String}},
			Type:   function.StaticReturnType(cty.String),
			Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
				name := args[0].AsString()
				val := os.Getenv(name)
				if required && val == "" {
					return cty.NilVal, fmt.Errorf("secret %s not set", name)
				}
				return cty.StringVal(val), nil
			},
		})
	}
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env":    lookup(false),
			"secret": lookup(true),
		},
	}
}

func loadHCLConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	var file hclFile
	if err := hclsimple.Decode(configPath, raw, hclEvalContext(), &file); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	assign(&cfg.ListenAddress, file.ListenAddress)
	assign(&cfg.ProxyName, file.ProxyName)
	assign(&cfg.PublicOrigin, file.PublicOrigin)
	assign(&cfg.LogLevel, file.LogLevel)

	if s := file.Settings; s != nil {
		assign(&cfg.Settings.SSLVerification, s.SSLVerification)
		assign(&cfg.Settings.AutoConnect, s.AutoConnect)
		assign(&cfg.Settings.BlockAds, s.BlockAds)
		assign(&cfg.Settings.EnableLogging, s.EnableLogging)
		assign(&cfg.Settings.ConnectionTimeoutSeconds, s.ConnectionTimeoutSeconds)
		assign(&cfg.Settings.MaxConnections, s.MaxConnections)
	}
	if u := file.Upstream; u != nil {
		if u.Type != nil {
			cfg.Upstream.Type = UpstreamType(*u.Type)
		}
		assign(&cfg.Upstream.Address, u.Address)
		if u.Username != nil {
			cfg.Upstream.Username = u.Username
		}
		if u.Password != nil {
			cfg.Upstream.Password = u.Password
		}
	}
	if a := file.AdBlock; a != nil {
		if a.Domains != nil {
			cfg.AdBlock.Domains = a.Domains
		}
		assign(&cfg.AdBlock.DomainsFile, a.DomainsFile)
	}
	if e := file.Events; e != nil {
		if e.Backend != nil {
			cfg.Events.Backend = EventsBackend(*e.Backend)
		}
		assign(&cfg.Events.SQLitePath, e.SQLitePath)
		assign(&cfg.Events.PostgresDSN, e.PostgresDSN)
		assign(&cfg.Events.QueueSize, e.QueueSize)
		assign(&cfg.Events.RetentionSeconds, e.RetentionSeconds)
		assign(&cfg.Events.MaxRecords, e.MaxRecords)
		assign(&cfg.Events.PruneIntervalSeconds, e.PruneIntervalSeconds)
	}
	if r := file.Rewrite; r != nil {
		assign(&cfg.Rewrite.MaxBodyBytes, r.MaxBodyBytes)
	}
	if d := file.Dashboard; d != nil {
		assign(&cfg.Dashboard.Enabled, d.Enabled)
		assign(&cfg.Dashboard.ListenAddress, d.ListenAddress)
		assign(&cfg.Dashboard.Username, d.Username)
		assign(&cfg.Dashboard.Password, d.Password)
		assign(&cfg.Dashboard.JWTSecret, d.JWTSecret)
	}
	return nil
}

func assign[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
