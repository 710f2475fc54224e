package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/DylanSMR/NetworkingLibrary/internal/config"
	"github.com/DylanSMR/NetworkingLibrary/internal/httpserver"
	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
	"github.com/DylanSMR/NetworkingLibrary/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	slog.SetDefault(logger)

	logger.Info("starting rendezvous-relay",
		"udp_addr", cfg.UDPAddr,
		"http_addr", cfg.HTTPAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"udp_read_buffer_bytes", cfg.UDPReadBufferBytes,
		"ignore_empty_datagrams", cfg.IgnoreEmptyDatagrams,
		"max_pps_per_source", cfg.MaxPPSPerSource,
		"ws_bridge", cfg.WSBridgeEnabled,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	rel, err := relay.New(cfg.RelayConfig(), logger, m)
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		return exitConfigError
	}

	conn, err := relay.Listen(nil, cfg.UDPAddr)
	if err != nil {
		logger.Error("failed to bind udp socket", "err", err)
		return exitFailure
	}

	var (
		srv    *httpserver.Server
		ln     net.Listener
		bridge *relay.WebSocketBridge
	)
	if cfg.HTTPAddr != "" {
		ln, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = conn.Close()
			logger.Error("failed to listen", "err", err)
			return exitFailure
		}
		srv = httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), rel, m)
		if cfg.WSBridgeEnabled {
			bridge = relay.NewWebSocketBridge(rel, cfg.BridgeConfig(), logger)
			srv.Mux().Handle("GET /ws", bridge)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// runCtx ends when the relay loop stops for any reason, which takes the
	// admin server down with it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		if srv != nil {
			srv.SetUDPReady(true)
			defer srv.SetUDPReady(false)
		}
		return rel.Serve(gctx, conn)
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			if ctx.Err() != nil {
				logger.Info("shutdown signal received")
			}
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancelShutdown()

			var err error
			if bridge != nil {
				err = multierr.Append(err, bridge.Close())
			}
			err = multierr.Append(err, srv.Shutdown(shutdownCtx))
			if err != nil {
				logger.Error("http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	fmt.Fprintf(stdout, "total sent frames: %d\n", rel.FramesSent())
	if err != nil {
		logger.Error("relay exited", "err", err)
		return exitFailure
	}
	return exitOK
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
