package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gabrielmiguelok/watchsync/pkg/config"
	"github.com/gabrielmiguelok/watchsync/pkg/engine"
	"github.com/gabrielmiguelok/watchsync/pkg/hub"
	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/metrics"
	"github.com/gabrielmiguelok/watchsync/pkg/pubsub"
	"github.com/gabrielmiguelok/watchsync/pkg/server"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/shutdown"
	"github.com/gabrielmiguelok/watchsync/pkg/state"
)

const limiterPruneInterval = time.Minute

func newServeCmd(v *viper.Viper, cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, *cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "listen address")
	flags.String("store", "", "state backend: memory or redis")
	flags.String("redis-addr", "", "redis address for the redis backend")
	flags.Bool("dev", false, "accept push connections from any origin")
	bindFlags(v, flags, map[string]string{
		"server.addr":     "addr",
		"store.backend":   "store",
		"redis.addr":      "redis-addr",
		"server.dev_mode": "dev",
	})
	return cmd
}

// backend is the shared state and bus of one deployment.
type backend struct {
	repo state.Repository
	bus  pubsub.PubSub
}

func openBackend(ctx context.Context, cfg *config.Config, logger logging.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case "redis":
		client, err := pubsub.Connect(ctx, cfg.RedisOptions())
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("using redis backend", logging.String("addr", cfg.Redis.Addr))
		return &backend{
			repo: state.NewRedisRepository(client,
				state.WithKeyPrefix(cfg.Store.KeyPrefix),
				state.WithTTL(cfg.Store.MaxAge),
			),
			bus: pubsub.NewRedisPubSub(client),
		}, nil
	default:
		logger.Info("using in-memory backend")
		return &backend{repo: state.NewMemoryRepository(), bus: pubsub.NewMemoryPubSub()}, nil
	}
}

func buildAuth(cfg *config.Config) identity.Authenticator {
	if cfg.Auth.Mode == "jwt" {
		return identity.NewJWTAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	}
	return identity.HeaderAuthenticator{}
}

func buildRoles(cfg *config.Config) identity.RoleLookup {
	if cfg.Roles.RemoteURL != "" {
		return identity.NewRemoteRoles(cfg.Roles.RemoteURL, cfg.Roles.CacheSize, cfg.Roles.CacheTTL)
	}
	var fallback session.Role
	if strings.TrimSpace(cfg.Roles.Default) != "" {
		fallback = session.ParseRole(cfg.Roles.Default)
	}
	return identity.NewStaticRoles(cfg.Roles.Static, fallback)
}

func serverConfig(cfg *config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.AllowedOrigins = cfg.Server.AllowedOrigins
	sc.DevMode = cfg.Server.DevMode
	sc.SnapshotTTL = cfg.Server.SnapshotTTL
	sc.SnapshotCacheSize = cfg.Server.SnapshotCache
	sc.MaxConnections = cfg.Server.MaxConnections
	sc.RateLimit = cfg.Server.RateLimit
	sc.RateBurst = cfg.Server.RateBurst
	return sc
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log)
	logging.SetDefault(logger)
	m := metrics.NewMetrics("watchsync")

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	h := hub.New(hub.WithMetrics(m), hub.WithLogger(logger))
	bc := hub.NewBroadcaster(b.bus, nil)
	sub, err := bc.Attach(h)
	if err != nil {
		return fmt.Errorf("attach hub: %w", err)
	}

	store := state.NewStore(b.repo, state.WithConfig(cfg.StateConfig()))
	eng := engine.New(store, buildRoles(cfg), bc, engine.WithMetrics(m), engine.WithLogger(logger))
	srv := server.New(eng, h, buildAuth(cfg),
		server.WithConfig(serverConfig(cfg)),
		server.WithMetrics(m),
		server.WithLogger(logger),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	down := shutdown.NewHandler(cfg.Server.ShutdownTimeout, logger)
	down.RegisterFunc("http", shutdown.PriorityHTTP, httpSrv.Shutdown)
	down.RegisterFunc("hub", shutdown.PriorityBus, func(context.Context) error { return sub.Unsubscribe() })
	down.RegisterCloser("pubsub", shutdown.PriorityBus, b.bus)
	down.RegisterCloser("repository", shutdown.PriorityStore, b.repo)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", logging.String("addr", cfg.Server.Addr), logging.String("store", cfg.Store.Backend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.PruneLimiter()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return down.Shutdown(context.Background())
	})
	return g.Wait()
}
