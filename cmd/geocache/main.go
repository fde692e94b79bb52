package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	apihttp "geocache/internal/http"
	"geocache/pkg/node"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "geocache: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	n, err := node.New(cfg.Node())
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer n.Stop()

	port := strconv.Itoa(cfg.Server.Port)
	server := apihttp.NewServer(n, n.Metrics().Handler(), port)
	if err := server.Start(); err != nil {
		return err
	}

	err = serve(ctx, server, func(ctx context.Context, g *errgroup.Group) error {
		n.Start(ctx)

		if cfg.Discovery.Zookeeper.Enabled() {
			registry, err := initDiscovery(ctx, &cfg, port)
			if err != nil {
				return fmt.Errorf("init discovery: %w", err)
			}
			g.Go(func() error {
				defer registry.Close()
				return registry.Watch(ctx, n.Reconfigure)
			})
		}

		slog.Info("geocache running", "region", cfg.Region, "addr", server.URL, "peers", len(cfg.Peers))
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("geocache stopped", "region", cfg.Region)
	return nil
}

type iServer interface {
	Stop() error
}

// serve keeps server up until ctx is done or a service started by setup fails. The server
// is shut down on every path out, including a failing setup.
func serve(ctx context.Context, server iServer, setup func(ctx context.Context, g *errgroup.Group) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	if err := setup(gctx, g); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}
	return g.Wait()
}
