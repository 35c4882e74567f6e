// Package main implements the crosswire gateway binary: it loads the
// configuration, spawns the configured extension processes, registers the
// NATS bridge, and serves the WebSocket protocol until shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/crosswire/crosswire/config"
	"github.com/crosswire/crosswire/gateway"
	"github.com/crosswire/crosswire/health"
	"github.com/crosswire/crosswire/host"
	"github.com/crosswire/crosswire/manager"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/natsbridge"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "crosswire"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := metric.NewRegistry()
	mgr := manager.New(manager.Dependencies{
		Logger:  slog.Default(),
		Metrics: metrics,
	})

	if cfg.NATS.Enabled {
		bridge := natsbridge.New(cfg.NATS, slog.Default())
		if err := mgr.Register(ctx, bridge, nil); err != nil {
			return fmt.Errorf("register nats bridge: %w", err)
		}
	}

	if err := spawnExtensions(ctx, cfg, mgr, metrics.Core()); err != nil {
		_ = mgr.Close(context.Background())
		return err
	}

	monitor := health.NewMonitor(mgr.Health, 30*time.Second, slog.Default())
	go monitor.Run(ctx)

	gw, err := gateway.New(
		gateway.Config{
			Host:        cfg.Gateway.Host,
			Port:        cfg.Gateway.Port,
			Path:        cfg.Gateway.Path,
			CallTimeout: cfg.Gateway.CallTimeout,
		},
		gateway.Dependencies{
			Logger:  slog.Default(),
			Metrics: metrics,
			Manager: mgr,
		},
	)
	if err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("create gateway: %w", err)
	}

	if err := gw.Start(ctx); err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("start gateway: %w", err)
	}

	slog.Info("crosswire started",
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"extensions", len(cfg.Extensions))

	<-ctx.Done()
	slog.Info("received shutdown signal")

	return shutdown(gw, mgr, cliCfg.ShutdownTimeout)
}

// spawnExtensions starts every enabled child-process extension from the
// config and registers it with the broker. Start order is deterministic so
// failures are reproducible.
func spawnExtensions(ctx context.Context, cfg *config.Config, mgr *manager.Manager, metrics *metric.Metrics) error {
	remote := cfg.RemoteExtensions()

	ids := make([]string, 0, len(remote))
	for id := range remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ext := remote[id]

		env := make([]string, 0, len(ext.Env))
		for k, v := range ext.Env {
			env = append(env, k+"="+v)
		}

		adapter, err := host.Spawn(ctx, host.SpawnOptions{
			Command: ext.Command,
			Args:    ext.Args,
			Dir:     ext.Dir,
			Env:     env,
			Config:  ext.Config,
			Logger:  slog.Default().With("extension", id),
			Metrics: metrics,
		})
		if err != nil {
			return fmt.Errorf("spawn extension %s: %w", id, err)
		}

		reg := adapter.Registration()
		if reg.ID != id {
			adapter.ForceKill()
			return fmt.Errorf("extension %s registered as %q", id, reg.ID)
		}
		for _, want := range ext.SourceRoutes {
			if !slices.Contains(reg.SourceRoutes, want) {
				slog.Warn("extension did not claim configured source route",
					"id", id, "route", want, "claimed", reg.SourceRoutes)
			}
		}

		if err := mgr.RegisterRemote(ctx, adapter); err != nil {
			adapter.ForceKill()
			return fmt.Errorf("register extension %s: %w", id, err)
		}
		slog.Info("extension registered", "id", id, "command", ext.Command)
	}
	return nil
}

func shutdown(gw *gateway.Server, mgr *manager.Manager, timeout time.Duration) error {
	if err := gw.Stop(timeout); err != nil {
		slog.Error("gateway stop failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}

	slog.Info("crosswire shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		slog.Info("no config file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
