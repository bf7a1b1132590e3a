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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
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

	// Built before dialing so a bad WebRTC network setting fails fast.
	factory, err := media.NewPionFactory(media.PionConfigFromConfig(cfg, logger))
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-call-client",
		"relay_url", cfg.RelayURL,
		"endpoint", cfg.Endpoint,
		"mode", cfg.Mode,
		"preferred_audio_codec", cfg.PreferredAudioCodec,
		"disable_turn", cfg.DisableTURN,
		"ice_servers", len(cfg.ICEServers),
		"session_connect_timeout", cfg.SessionConnectTimeout,
		"metrics_addr", cfg.MetricsAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	retries := cfg.RateLimitRetries
	if retries == 0 {
		retries = transport.NoRateLimitRetries
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.RequestTimeout)
	ch, err := transport.Dial(dialCtx, transport.Config{
		URL:                   cfg.RelayURL,
		Endpoint:              cfg.Endpoint,
		APIKey:                cfg.APIKey,
		MaxRequestBytes:       cfg.MaxRequestBytes,
		RateLimitRetries:      retries,
		RateLimitDefaultDelay: cfg.RateLimitDefaultDelay,
		RequestTimeout:        cfg.RequestTimeout,
		ReconnectMinDelay:     cfg.ReconnectMinDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		PingInterval:          cfg.PingInterval,
		Logger:                logger,
		Metrics:               m,
	})
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to relay", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	reg := call.NewRegistry(call.Config{
		Signaler:            ch,
		Factory:             factory,
		Logger:              logger,
		Metrics:             m,
		PreferredAudioCodec: cfg.PreferredAudioCodec,
		ICEServers:          cfg.ICEServers,
		DisableTURN:         cfg.DisableTURN,
		ConnectTimeout:      cfg.SessionConnectTimeout,
	})
	defer reg.Close()
	unsubSignal := ch.Subscribe(transport.EventSignal, func(ev transport.Event) {
		reg.HandleSignalEvent(ev.Data)
	})
	defer unsubSignal()

	dir := directory.New(logger)
	detach := dir.Attach(ctx, ch)
	defer detach()
	if err := dir.Refresh(ctx, ch); err != nil {
		logger.Warn("initial presence refresh failed", "err", err)
	}

	sh := newShell(os.Stdout, reg, ch, dir, logger)
	unsubMessages := ch.Subscribe(transport.EventMessage, sh.printMessage)
	defer unsubMessages()
	reg.OnIncoming(sh.accept)
	dir.OnChange(sh.printChange)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.MetricsAddr, "err", err)
			os.Exit(1)
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv := httpserver.New(httpserver.Config{
			Addr:  cfg.MetricsAddr,
			Build: httpserver.BuildInfo{Commit: commit, BuildTime: built},
			ReadyCheck: func() error {
				if !ch.Connected() {
					return transport.ErrNotConnected
				}
				return nil
			},
		}, logger)
		srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := sh.run(gctx, os.Stdin)
		// End of input ends the process like a signal would.
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("client exited", "err", err)
	}
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		reg.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("timed out hanging up sessions")
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
