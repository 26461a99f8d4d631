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

	"github.com/go-redis/redis/v8"
	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/auth/token"
	"github.com/pysugar/session-nexus/internal/config"
	"github.com/pysugar/session-nexus/internal/db"
	"github.com/pysugar/session-nexus/internal/events"
	"github.com/pysugar/session-nexus/internal/gateway"
	"github.com/pysugar/session-nexus/internal/logging"
	"github.com/pysugar/session-nexus/internal/metrics"
	"github.com/pysugar/session-nexus/internal/providers/catalog"
	"github.com/pysugar/session-nexus/internal/server"
	"github.com/pysugar/session-nexus/internal/store"
	"github.com/pysugar/session-nexus/internal/version"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nexus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Mode)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	// Initialize identity store
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	// Initialize pending-login ledger
	ledger, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	// Initialize identity event publisher
	pub := events.NewNoop()
	if cfg.AMQPURL != "" {
		rabbit, err := events.NewRabbit(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		pub = rabbit
		log.Info("identity events enabled", zap.String("exchange", cfg.AMQPExchange))
	}
	defer func() { _ = pub.Close() }()

	// Initialize login providers
	cat, err := catalog.Load(cfg.ProvidersFile, cfg.PublicURL)
	if err != nil {
		return err
	}
	providers := provider.NewRegistry()
	cat.Build(ctx, providers, log)

	gw := gateway.New(gateway.Options{
		Store:         st,
		Tokens:        token.NewManager(st, cfg.ResumeTTL, log),
		Providers:     providers,
		Ledger:        ledger,
		Events:        pub,
		Log:           log,
		LocalLoginURI: localLoginURI(cfg),
	})

	srv := server.New(server.Options{
		Gateway: gw,
		Catalog: cat,
		Cookies: correlator.Cookies{
			Domain:        cfg.CookieDomain,
			Insecure:      cfg.CookieInsecure,
			CorrelatorTTL: cfg.CorrelatorTTL,
			ResumeTTL:     cfg.ResumeTTL,
		},
		DeletionStatusURL: cfg.DeletionStatusURL,
		Log:               log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("session nexus starting",
			zap.String("addr", cfg.Addr()),
			zap.String("version", version.String()),
			zap.Strings("providers", providerNames(providers)),
			zap.String("store", cfg.Store))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory identity store; identities are lost on restart")
		return store.NewMemory(log), nil
	}
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return db.NewStore(database, log), nil
}

func openLedger(ctx context.Context, cfg config.Config, log *zap.Logger) (correlator.Ledger, func(), error) {
	if cfg.RedisAddr == "" {
		l := correlator.NewMemoryLedger(cfg.PendingLoginTTL, log)
		l.StartSweepLoop(ctx, time.Minute)
		return l, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("pending logins kept in redis", zap.String("addr", cfg.RedisAddr))
	return correlator.NewRedisLedger(client, cfg.PendingLoginTTL), func() { _ = client.Close() }, nil
}

// localLoginURI makes a relative local login path absolute against the
// public URL, since the client opens it from its own origin.
func localLoginURI(cfg config.Config) string {
	uri := cfg.LocalLoginURI
	if cfg.PublicURL == "" || strings.Contains(uri, "://") {
		return uri
	}
	return strings.TrimRight(cfg.PublicURL, "/") + "/" + strings.TrimLeft(uri, "/")
}

func providerNames(reg *provider.Registry) []string {
	names := reg.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
