package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/dashboard"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/proxy"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

// instance is one running proxy with its event pipeline and admin API.
type instance struct {
	cfg      *config.Config
	settings *config.SettingsStore
	sink     *stats.AsyncSink
	hub      *stats.Hub
	pruner   *stats.Pruner
	proxy    *proxy.Proxy
	portal   *dashboard.Portal

	cancel context.CancelFunc
	done   chan error
}

func newInstance(cfg *config.Config) (*instance, error) {
	store, err := stats.NewStore(&cfg.Events)
	if err != nil {
		return nil, err
	}

	hub := stats.NewHub()
	sink := stats.NewAsyncSink(store, cfg.Events.QueueSize, hub)

	pruner, err := stats.NewPruner(store,
		time.Duration(cfg.Events.PruneIntervalSeconds)*time.Second,
		time.Duration(cfg.Events.RetentionSeconds)*time.Second,
		cfg.Events.MaxRecords)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	settings := config.NewSettingsStore(cfg.Settings)
	p, err := proxy.NewProxy(cfg, settings, sink)
	if err != nil {
		_ = pruner.Stop()
		_ = sink.Close()
		return nil, err
	}

	inst := &instance{
		cfg:      cfg,
		settings: settings,
		sink:     sink,
		hub:      hub,
		pruner:   pruner,
		proxy:    p,
		done:     make(chan error, 1),
	}
	if cfg.Dashboard.Enabled {
		inst.portal = dashboard.NewPortal(cfg, store, hub, p)
	}
	return inst, nil
}

// start binds the listeners and serves in the background. The first
// serving error, or nil after a clean stop, is sent on done.
func (i *instance) start() error {
	proxyListener, err := net.Listen("tcp", i.cfg.ListenAddress)
	if err != nil {
		return proxy.NewProxyError(proxy.ErrCodeListenerCreateFailed, "", err)
	}

	var portalListener net.Listener
	if i.portal != nil {
		portalListener, err = net.Listen("tcp", i.cfg.Dashboard.ListenAddress)
		if err != nil {
			_ = proxyListener.Close()
			return fmt.Errorf("failed to listen for admin API on %s: %w", i.cfg.Dashboard.ListenAddress, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	if err := i.pruner.Start(ctx); err != nil {
		logger.Error("Record retention disabled: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return ignoreServerClosed(i.proxy.StartWithListener(proxyListener))
	})
	if portalListener != nil {
		g.Go(func() error {
			return ignoreServerClosed(i.portal.Serve(portalListener))
		})
	}
	go func() {
		i.done <- g.Wait()
	}()
	return nil
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// stop shuts everything down and flushes queued records to the store.
func (i *instance) stop() {
	if err := i.proxy.Stop(); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	if i.portal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := i.portal.Shutdown(ctx); err != nil {
			logger.Error("Error stopping admin API: %v", err)
		}
		cancel()
	}
	if i.cancel != nil {
		i.cancel()
	}
	if err := i.pruner.Stop(); err != nil {
		logger.Error("Error stopping record retention: %v", err)
	}
	if err := i.sink.Close(); err != nil {
		logger.Error("Error closing event store: %v", err)
	}
	if n := i.sink.Dropped(); n > 0 {
		logger.Warn("%d connection records were dropped because the queue was full", n)
	}
}

// runServer starts the proxy and handles signals until SIGINT or SIGTERM.
// SIGHUP reloads the configuration: settings-only changes are applied to
// the running proxy, anything else restarts it.
func runServer(cfg *config.Config, configPath string) error {
	current, err := newInstance(cfg)
	if err != nil {
		return err
	}
	if err := current.start(); err != nil {
		current.stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-current.done:
			if err != nil {
				current.stop()
				return fmt.Errorf("proxy server error: %w", err)
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				next, err := reload(current, configPath)
				if errors.Is(err, errRestartFailed) {
					return err
				}
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				current = next
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stop()
				logger.Info("Proxy server shutdown complete")
				return nil
			}
		}
	}
}

var errRestartFailed = errors.New("restart with new configuration failed")

func reload(current *instance, configPath string) (*instance, error) {
	newCfg, err := loadConfiguration(configPath)
	if err != nil {
		return nil, err
	}

	if !config.HasChanged(current.cfg, newCfg) {
		if config.SettingsChanged(current.cfg, newCfg) {
			if err := current.settings.Replace(newCfg.Settings); err != nil {
				return nil, err
			}
			current.cfg = newCfg
			logger.Info("Settings updated without restart; open connections keep their snapshot.")
			return current, nil
		}
		logger.Info("Config unchanged after reload; not restarting proxy.")
		return current, nil
	}

	logger.Info("Config changed. Restarting proxy...")
	current.stop()
	next, err := newInstance(newCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errRestartFailed, err)
	}
	if err := next.start(); err != nil {
		next.stop()
		return nil, fmt.Errorf("%w: %w", errRestartFailed, err)
	}
	logger.Info("Proxy restarted with new configuration.")
	return next, nil
}
