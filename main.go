package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wadahiro/ssogate/internal/config"
	"github.com/wadahiro/ssogate/internal/protocol"
	"github.com/wadahiro/ssogate/internal/session"
	"github.com/wadahiro/ssogate/internal/signature"
	"github.com/wadahiro/ssogate/internal/sso"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		slog.Error("CONFIG_FILE environment variable is required")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	var validator protocol.SignatureValidator
	if cfg.SSO.Signature.Enabled {
		store, err := signature.LoadStore(
			cfg.SSO.Signature.TrustStorePath,
			cfg.SSO.Signature.TrustStorePassword,
			cfg.SSO.Signature.CertificateAlias,
		)
		if err != nil {
			slog.Error("Failed to load trust store", "path", cfg.SSO.Signature.TrustStorePath, "error", err)
			os.Exit(1)
		}
		validator = signature.NewValidator(store)
		slog.Info("Signature validation enabled", "truststore", cfg.SSO.Signature.TrustStorePath)
	} else {
		slog.Warn("Signature validation is disabled")
	}

	var resolver sso.UserResolver
	if cfg.SSO.Resources.URL != "" {
		resolver = sso.NewRESTUserResolver(cfg.SSO.Resources.URL, nil)
	} else {
		resolver = &sso.StaticUserResolver{}
		slog.Warn("No user resource service configured, subjects are taken as-is")
	}

	var events sso.Events
	if cfg.SSO.Events.WebhookURL != "" {
		events = sso.NewWebhookEvents(cfg.SSO.Events.WebhookURL, nil)
	} else {
		events = &sso.LogEvents{}
	}

	sessions := session.NewManager(0)
	registry := session.NewRegistry()
	guard := session.NewGuard(0)

	handler := sso.NewHandler(&cfg.SSO, cfg.ContextPath, sessions, registry, guard,
		validator, resolver, events)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ssogate")
	})

	var root http.Handler = mux
	if cfg.SSO.Backend.Enabled {
		var tokens sso.TokenProvider
		if cfg.SSO.Backend.TokenURL != "" {
			tokens = sso.NewPasswordGrantProvider(
				cfg.SSO.Backend.TokenURL,
				cfg.SSO.Backend.ClientID,
				cfg.SSO.Backend.ClientSecret,
			)
		}
		backend := sso.NewBackend(&cfg.SSO.Backend, tokens, validator, resolver, events)
		root = backend.Middleware(root)
		slog.Info("Backend authentication enabled", "path_prefix", cfg.SSO.Backend.PathPrefix)
	}

	filter := sso.NewFilter(&cfg.SSO, cfg.ContextPath, sessions)
	root = filter.Middleware(root)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr, "sso_enabled", cfg.SSO.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	slog.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
