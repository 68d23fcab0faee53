package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kalefi/core"
	"kalefi/core/genesis"
	nativecommon "kalefi/native/common"
	"kalefi/observability/logging"
	telemetry "kalefi/observability/otel"
	"kalefi/services/lending/audit"
	lendingserver "kalefi/services/lending/server"
	"kalefi/services/lendingd/config"
	"kalefi/storage"
)

const noncePruneInterval = 5 * time.Minute

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("KALEFI_ENV"))
	logger := logging.Setup("lendingd", env, cfg.LogFile)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	spec, err := cfg.GenesisSpec()
	if err != nil {
		log.Fatalf("load genesis: %v", err)
	}
	if spec != nil {
		applied, err := genesis.Apply(spec, db)
		if err != nil {
			log.Fatalf("apply genesis: %v", err)
		}
		logger.Info("genesis checked", slog.Bool("applied", applied))
	}

	store, err := audit.Open(cfg.Audit.DSN)
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	defer store.Close()

	feed := lendingserver.NewFeed(0)
	executor := core.NewExecutor(db,
		core.WithPauses(nativecommon.StaticPauses(cfg.Pauses())),
		core.WithJournal(core.MultiJournal(store, feed)),
		core.WithLogger(logger.With(slog.String("component", "executor"))),
	)
	api, err := lendingserver.New(lendingserver.Config{
		Executor: executor,
		Auth: lendingserver.NewAuthenticator(lendingserver.AuthConfig{
			APITokens: cfg.Auth.APITokens,
			JWTSecret: cfg.Auth.JWT.Secret,
			Issuer:    cfg.Auth.JWT.Issuer,
			Audience:  cfg.Auth.JWT.Audience,
		}, logger),
		RateLimit: lendingserver.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Nonces:    store,
		Receipts:  store,
		Feed:      feed,
		ClockSkew: cfg.ClockSkew,
		Logger:    logger.With(slog.String("component", "api")),
	})
	if err != nil {
		log.Fatalf("build api: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure && !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneNonces(ctx, store, cfg.ClockSkew, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("backend", cfg.Storage.Backend),
			slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve http", slog.Any("error", err))
		}
	}
}

// pruneNonces drops nonce records that can no longer be replayed because
// their timestamps fall outside the accepted skew.
func pruneNonces(ctx context.Context, store *audit.Store, skew time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(noncePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.PruneNonces(ctx, now.UTC().Add(-2*skew))
			if err != nil {
				logger.Warn("prune nonces", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("pruned nonces", slog.Int64("removed", removed))
			}
		}
	}
}
