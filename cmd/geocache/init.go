package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"geocache/pkg/config"
	"geocache/pkg/discovery"
)

// initConfig loads the YAML config; a missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	return config.Load(path)
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) error {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler).With("region", cfg.Region))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return nil
}

// initDiscovery registers this region in ZooKeeper under its advertised address.
func initDiscovery(ctx context.Context, cfg *config.Config, port string) (*discovery.Registry, error) {
	zkCfg := cfg.Discovery.Zookeeper

	addr := cfg.Server.Advertise
	if addr == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}
		addr = host + ":" + port
	}

	registry, err := discovery.NewRegistry(zkCfg.Servers, zkCfg.SessionTimeout.Std(), zkCfg.Root, cfg.Region, addr)
	if err != nil {
		return nil, err
	}
	registry.WithStaticPeers(cfg.Peers)

	if err := registry.Register(ctx); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("register in zookeeper: %w", err)
	}
	return registry, nil
}
