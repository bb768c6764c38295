package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

var version = "dev"

var (
	configPath string
	envFile    string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "lumenpxy",
	Short: "LumenPXY - forwarding HTTP/HTTPS proxy with link rewriting",
	Long: `LumenPXY - forwarding HTTP/HTTPS proxy with link rewriting

  Browse a site through the proxy by appending its URL:
    http://localhost:8001/https://example.com/

  Or point a browser at localhost:8001 as HTTP and HTTPS proxy.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := loadEnvFile(envFile); err != nil {
				return fmt.Errorf("failed to load envfile: %w", err)
			}
			logger.Info("Loaded environment variables from %s", envFile)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration(configPath)
		if err != nil {
			return err
		}
		return runServer(cfg, configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("lumenpxy version:", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (.json, .hcl, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "envfile", "", "Path to env file to load environment variables")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfiguration loads the config file (or only the environment when
// path is empty) and applies the log level.
func loadConfiguration(path string) (*config.Config, error) {
	logger.Debug("Using configuration file: %q", path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyLogLevel(cfg)

	logger.Debug("Proxy listener: %s (public origin %q)", cfg.ListenAddress, cfg.PublicOrigin)
	logger.Debug("Upstream: %s %s", cfg.Upstream.Type, cfg.Upstream.Address)
	logger.Debug("Events backend: %s", cfg.Events.Backend)
	logger.Debug("Settings: %+v", cfg.Settings)
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) {
	if debugMode {
		logger.SetLevel(logger.DEBUG)
		return
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
