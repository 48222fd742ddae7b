package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pinchtab/autoaccept/internal/audit"
	"github.com/pinchtab/autoaccept/internal/bridge"
	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/devtools"
	"github.com/pinchtab/autoaccept/internal/discovery"
	"github.com/pinchtab/autoaccept/internal/engine"
	"github.com/pinchtab/autoaccept/internal/handlers"
	"github.com/pinchtab/autoaccept/internal/human"
	"github.com/pinchtab/autoaccept/internal/metrics"
	"github.com/pinchtab/autoaccept/internal/session"
)

var version = "dev"

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("autoaccept %s\n", version)
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "config" {
		config.HandleConfigCommand(cfg)
		os.Exit(0)
	}

	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		printHelp()
		os.Exit(0)
	}

	if len(os.Args) > 1 && isCLICommand(os.Args[1]) {
		runCLI(cfg)
		return
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		slog.Error("cannot create state dir", "err", err)
		os.Exit(1)
	}
	human.SetHumanRandSeed(rand.Int63())

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	scanner, dialer, probe, detach, err := setupTargets(runCtx, cfg)
	if err != nil {
		slog.Error("cannot reach browser", "err", err, "cdp", cfg.CdpURL)
		os.Exit(1)
	}

	store, err := audit.Open(filepath.Join(cfg.StateDir, "audit.db"))
	if err != nil {
		slog.Warn("audit log disabled", "err", err)
		store = nil
	}

	m := metrics.New()
	eng := engine.New(engine.Options{
		Scanner:           scanner,
		Dialer:            dialer,
		DiscoveryInterval: cfg.DiscoveryInterval,
		Session:           session.Config{Interval: cfg.ScanInterval},
		Automation:        cfg.Automation,
		Audit:             store,
		Metrics:           m,
	})
	go eng.Run(runCtx)

	go func() {
		err := config.Watch(runCtx, cfg.ConfigPath, cfg.Automation, func(a config.Automation) {
			eng.SetAutomation(runCtx, a)
		})
		if err != nil {
			slog.Warn("config watch disabled", "err", err)
		}
	}()

	if cfg.AutoStart {
		eng.Start(runCtx)
	}

	mux := http.NewServeMux()
	h := handlers.New(eng, cfg, m.Handler(), probe)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownOnce := &sync.Once{}
	doShutdown := func() {
		shutdownOnce.Do(func() {
			slog.Info("shutting down, stopping sessions...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			sum := eng.Summary()
			eng.Shutdown(ctx)
			runCancel()
			detach()
			if err := store.Close(); err != nil {
				slog.Warn("audit close", "err", err)
			}
			slog.Info("session summary", "clicks", sum.Clicks, "blocked", sum.Blocked, "timeSavedSeconds", sum.TimeSavedSeconds)
			if err := srv.Shutdown(ctx); err != nil {
				slog.Error("server shutdown", "err", err)
			}
		})
	}

	h.RegisterRoutes(mux, doShutdown)
	limiter := handlers.NewLimiter(m)
	srv.Handler = handlers.RequestIDMiddleware(handlers.LoggingMiddleware(m,
		handlers.CorsMiddleware(limiter.Middleware(handlers.AuthMiddleware(cfg, mux)))))

	setupSignalHandler(doShutdown, func() {
		runCancel()
		detach()
	})

	slog.Info("autoaccept listening", "addr", cfg.ListenAddr(), "mode", cfg.Automation.Mode, "cdp", cfg.CdpURL, "ports", len(cfg.Ports))
	if cfg.Token != "" {
		slog.Info("auth enabled")
	} else {
		slog.Info("auth disabled (set AUTOACCEPT_TOKEN to enable)")
	}

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
}

// setupTargets picks the discovery source: an attached browser when
// CDP_URL is set, port probing otherwise.
func setupTargets(ctx context.Context, cfg *config.RuntimeConfig) (bridge.Scanner, bridge.Dialer, func(context.Context) bool, func(), error) {
	if cfg.CdpURL != "" {
		browserCtx, cancel, err := bridge.ConnectBrowser(ctx, cfg.CdpURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		scanner := &bridge.BrowserScanner{BrowserCtx: browserCtx, Port: cdpPort(cfg.CdpURL)}
		return scanner, bridge.BrowserDialer(browserCtx), nil, cancel, nil
	}

	p := discovery.NewProber(cfg.Host, cfg.Ports, cfg.ProbeTimeout)
	dial := bridge.WSDialer(devtools.Options{DialTimeout: cfg.DialTimeout, CallTimeout: cfg.CallTimeout})
	return p, dial, p.Reachable, func() {}, nil
}

func cdpPort(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(u.Port())
	return n
}

func setupSignalHandler(shutdownFn func(), forceFn func()) {
	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		go shutdownFn()
		<-sig
		slog.Warn("force shutdown requested")
		forceFn()
		os.Exit(130)
	}()
}
