package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrbus/discovery"
	"github.com/ryandielhenn/zephyrbus/internal/config"
	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func newProvider(cfg config.Config, log *zap.Logger) (discovery.Provider, error) {
	switch cfg.Discovery {
	case config.DiscoveryMDNS:
		return discovery.NewMDNS(discovery.WithMDNSLogger(log)), nil
	case config.DiscoveryEtcd:
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))
		return discovery.NewEtcd(cli,
			discovery.WithKeyPrefix(cfg.EtcdPrefix),
			discovery.WithLeaseTTL(cfg.EtcdLeaseTTL),
			discovery.WithAdvertiseHost(cfg.AdvertiseHost),
			discovery.WithEtcdLogger(log),
			discovery.WithOwnedClient(),
		), nil
	case config.DiscoveryStatic:
		peers, err := discovery.ParseStatic(cfg.StaticPeers, strconv.Itoa(cfg.PeerPort()))
		if err != nil {
			return nil, err
		}
		return discovery.NewStatic(peers), nil
	}
	return nil, nil
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []node.Option{node.WithLogger(log)}
	provider, err := newProvider(cfg, log)
	if err != nil {
		return err
	}
	if provider != nil {
		opts = append(opts, node.WithDiscovery(provider))
	}
	n, err := node.New(cfg.Node(), opts...)
	if err != nil {
		if provider != nil {
			_ = provider.Close()
		}
		return err
	}
	telemetry.SetBuildInfo(version, n.Name())

	// Surface peer changes in the log.
	if err := node.Subscribe(n, 0, func(s msg.Status) {
		log.Info("peer status", zap.String("peer", s.Name), zap.Stringer("status", s.Status))
	}, node.WithCapacity(16)); err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		return err
	}
	log.Info("zephyrbus node starting", zap.String("name", n.Name()), zap.String("discovery", cfg.Discovery))

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /peers", telemetry.Instrument("peers", http.HandlerFunc(n.PeersHandler)))
	mux.Handle("POST /publish/{channel}", telemetry.Instrument("publish", http.HandlerFunc(n.PublishHandler)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		// a bind failure is only reported asynchronously
		ready := n.Ready()
		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ready:
				log.Info("bus listening", zap.String("addr", n.Addr()))
				ready = nil
			case <-t.C:
				if err := n.Err(); err != nil {
					return err
				}
			}
		}
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutdownCtx), n.Stop())
	})

	err = eg.Wait()
	log.Info("zephyrbus node stopped")
	return err
}
