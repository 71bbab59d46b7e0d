package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securechat/internal/authtoken"
	"securechat/internal/config"
	"securechat/internal/dbx"
	"securechat/internal/observability/logging"
	"securechat/internal/observability/metrics"
	"securechat/internal/relay"
)

func main() {
	cfg, err := config.LoadRelay()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: cfg.Environment,
		Level:       cfg.Level,
	})
	slog.SetDefault(logger)

	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	metrics.MustRegister("relay")

	db, err := dbx.Open(dbx.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := relay.NewStore(db)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	issuer, err := authtoken.New(cfg.TokenSecret, cfg.TokenIssuer)
	if err != nil {
		logger.Error("token issuer", "error", err)
		os.Exit(1)
	}

	srv := relay.NewServer(st, relay.Options{
		HistoryLimit: cfg.HistoryLimit,
		WriteTimeout: cfg.WSWriteTimeout,
		CheckOrigin:  relay.OriginChecker(cfg.CORSOrigins),
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr: cfg.Addr,
		Handler: relay.NewRouter(relay.RouterConfig{
			Server:      srv,
			Auth:        issuer,
			RateLimit:   cfg.RateLimit,
			CORSOrigins: cfg.CORSOrigins,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("relay listening", "addr", cfg.Addr, "postgres", dbx.IsPostgres(cfg.DatabaseURL))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
