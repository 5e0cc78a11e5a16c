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

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/api"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/api/uistatic"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/assistant"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/auth"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/config"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
	historypostgres "github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history/postgres"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/session"
	s3store "github.com/MK-Aravindan/dbx-sql-chat-assist/internal/storage/s3"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/transcript"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/warehouse"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlassist-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	tokens := assistant.NewTokenCounter(cfg.Assistant.TokenEncoding)
	if !tokens.Available() {
		logger.Warn("token encoding unavailable; prompt sizes will be reported as zero",
			slog.String("encoding", cfg.Assistant.TokenEncoding))
	}

	controller := &session.Controller{
		Opener: warehouse.NewDatabricksOpener(warehouse.DatabricksConfig{
			Port:           cfg.Warehouse.Port,
			ConnectTimeout: cfg.Warehouse.ConnectTimeout,
			UserAgent:      cfg.Warehouse.UserAgent,
		}),
		Agents: assistant.NewLangChainFactory(assistant.LangChainConfig{
			BaseURL:     cfg.Assistant.BaseURL,
			Temperature: cfg.Assistant.Temperature,
			Timeout:     cfg.Assistant.Timeout,
		}),
		Tokens: tokens,
		Config: session.ControllerConfig{
			SchemaWarnThreshold: cfg.Assistant.SchemaWarnThreshold,
			DefaultModel:        cfg.Assistant.DefaultModel,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:           logger,
		Controller:       controller,
		UI:               uistatic.Handler(),
		DependencyTimout: time.Second,
	}
	var checks []api.ReadinessCheck

	if cfg.History.Enabled {
		repo, err := historypostgres.Open(context.Background(), historypostgres.Config{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = repo.Close() }()

		var turns history.Store = repo
		controller.Recorder = turns
		deps.Turns = turns
		checks = append(checks, api.CheckHealth("history database", turns.HealthCheck))
	}

	if cfg.Export.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Export.Endpoint,
			Region:           cfg.Export.Region,
			Bucket:           cfg.Export.Bucket,
			AccessKeyID:      cfg.Export.AccessKeyID,
			SecretAccessKey:  cfg.Export.SecretAccessKey,
			UseSSL:           cfg.Export.UseSSL,
			Prefix:           cfg.Export.Prefix,
			AutoCreateBucket: cfg.Export.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Exporter = &transcript.Exporter{Store: objectStore}
		checks = append(checks, api.CheckHealth("transcript store", objectStore.HealthCheck))
	}
	if len(checks) > 0 {
		deps.Readiness = api.CombineReadinessChecks(checks...)
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	store := session.NewStore(cfg.Session.IdleTTL)
	sessions, err := session.NewManager(store, session.ManagerConfig{
		CookieName:   cfg.Session.CookieName,
		CookieSecret: cfg.Session.CookieSecret,
		SecureCookie: cfg.Session.SecureCookie,
		IdleTTL:      cfg.Session.IdleTTL,
	})
	if err != nil {
		logger.Error("failed to initialize session manager", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Session.CookieSecret == "" {
		logger.Warn("no session cookie secret configured; sessions will not survive a restart")
	}
	deps.Sessions = sessions

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting session sweeper", slog.Duration("idle_ttl", cfg.Session.IdleTTL))
		if err := store.Run(ctx, cfg.Session.SweepInterval, logger); err != nil {
			logger.Error("session sweeper failed", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
