// Package main serves the session layer with a small in-memory invite and
// match domain, for local development and load testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/livesock/internal/config"
	"github.com/luciancaetano/livesock/internal/identity"
	"github.com/luciancaetano/livesock/internal/logging"
	"github.com/luciancaetano/livesock/internal/registry"
	"github.com/luciancaetano/livesock/internal/websocket"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("failed to serve", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var verifier identity.TokenVerifier
	if cfg.TokenSecret != "" {
		verifier = identity.HMACVerifier{Secret: []byte(cfg.TokenSecret), Issuer: cfg.TokenIssuer}
	} else {
		logger.Warn("no token secret configured, every connection is anonymous")
	}

	rl := websocket.NoRateLimit()
	if cfg.RateLimit > 0 {
		rl = &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimit),
			Burst:             cfg.RateBurst,
			Enabled:           true,
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d := newDemo(logger.Named("demo"))
	server := websocket.New(&websocket.ServerConfig{
		Addr: cfg.Addr,
		Path: cfg.Path,
		Gate: identity.NewGate(identity.Config{
			Origin:        cfg.Origin,
			LocalDev:      cfg.LocalDev,
			AllowInsecure: cfg.AllowInsecure,
			TrustProxy:    cfg.TrustProxy,
			TokenCookie:   cfg.TokenCookie,
			DeviceCookie:  cfg.DeviceCookie,
		}, verifier, logger.Named("gate")),
		Limits: registry.Config{
			MaxPerIP:            cfg.MaxConnsPerIP,
			MaxPerMember:        cfg.MaxConnsPerMember,
			Lifetime:            cfg.ConnectionLifetime,
			InactivityInterval:  cfg.InactivityInterval,
			NoSubscriptionGrace: cfg.NoSubscriptionGrace,
			EchoDeadline:        cfg.EchoDeadline,
		},
		RateLimitConfig: rl,
		Logger:          logger,
		Registry:        reg,
		OnDisconnect:    d.disconnected,
	})
	if err := d.register(server); err != nil {
		return fmt.Errorf("register demo handlers: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("serving", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path), zap.Bool("local_dev", cfg.LocalDev))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
