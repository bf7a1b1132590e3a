package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/relayhub"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	m := metrics.New()
	hubCfg, err := relayhub.ConfigFromRelay(cfg, logger, m)
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}
	logStartupSecurityWarnings(logger, cfg)

	logger.Info("starting aero-call-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_requests_per_second", cfg.MaxRequestsPerSecond,
		"request_burst", cfg.RequestBurst,
		"max_message_bytes", cfg.MaxMessageBytes,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	hub := relayhub.New(hubCfg)
	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Config{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Build:          httpserver.BuildInfo{Commit: commit, BuildTime: built},
		ReadyCheck:     hub.Ready,
	}, logger)
	hub.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Upgraded connections are not tracked by the http server; close them
		// first so Shutdown does not wait on them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
