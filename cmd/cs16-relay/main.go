package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cs16web/relay/internal/bridge"
	"github.com/cs16web/relay/internal/catalog"
	"github.com/cs16web/relay/internal/config"
	"github.com/cs16web/relay/internal/httpserver"
	"github.com/cs16web/relay/internal/metrics"
	"github.com/cs16web/relay/internal/policy"
	"github.com/cs16web/relay/internal/sidecar"
	"github.com/cs16web/relay/internal/signaling"
	"github.com/cs16web/relay/internal/sourcequery"
	"github.com/cs16web/relay/internal/webrtcpeer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	pol, err := policy.New(cfg.BackendCIDRs)
	if err != nil {
		logger.Error("invalid backend policy", "err", err)
		os.Exit(2)
	}

	logger.Info("starting "+config.ServiceName,
		"listen_addr", cfg.ListenAddr,
		"default_backend", net.JoinHostPort(cfg.DefaultBackendHost, fmt.Sprint(cfg.DefaultBackendPort)),
		"configured_servers", len(cfg.ServerList),
		"idle_timeout", cfg.IdleTimeout,
		"answer_timeout", cfg.AnswerTimeout,
		"discovery", cfg.Discovery,
		"sidecar", cfg.Sidecar,
		"client_initiated", cfg.ClientInitiated,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	cat := catalog.New(&sourcequery.Client{}, logger)
	if err := cat.AddConfigured(cfg.ServerList, cfg.DefaultBackendPort); err != nil {
		logger.Error("invalid server list", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Discovery {
		go cat.RunDiscovery(ctx, cfg.DiscoveryHost, cfg.DiscoveryPortStart, cfg.DiscoveryPortEnd)
	}

	reg := bridge.NewRegistry(logger, m)
	go reg.RunReaper(ctx)

	sig := signaling.NewServer(cfg, logger, m, webrtcpeer.NewAPI(), pol, cat, reg)

	srv := httpserver.New(cfg, logger, m, cat)
	srv.Mux().Handle("GET /websocket", sig)
	srv.Mux().Handle("GET /signal", sig)

	var sc *sidecar.Service
	if cfg.Sidecar {
		sc = sidecar.New(logger, m, cat, cfg.IdleTimeout)
		srv.Mux().HandleFunc("POST /game-packet", sc.HandleGamePacket)
		srv.Mux().HandleFunc("GET /ws-from-go", sc.HandleEgressWS)
		go sc.RunCleanup(ctx)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	reg.CloseAll()
	if sc != nil {
		sc.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
