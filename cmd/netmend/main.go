package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/netmend/netmend/internal/action"
	"github.com/netmend/netmend/internal/audit"
	"github.com/netmend/netmend/internal/config"
	"github.com/netmend/netmend/internal/device"
	"github.com/netmend/netmend/internal/event"
	"github.com/netmend/netmend/internal/notify"
	"github.com/netmend/netmend/internal/orchestrator"
	"github.com/netmend/netmend/internal/server"
	"github.com/netmend/netmend/internal/version"
)

// sweepRetention is how long terminal attempts stay queryable in memory
// before the janitor drops them. The durable history lives in the audit log.
const sweepRetention = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration before the logger so log level/format can be configured.
	cfg, viperCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("netmend starting",
		zap.String("version", version.Short()),
		zap.String("mode", string(cfg.Mode)),
	)

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults and environment",
			zap.String("component", "config"),
		)
	}

	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		logger.Fatal("failed to open audit database", zap.Error(err))
	}
	defer store.Close()

	logger.Info("audit database initialized",
		zap.String("component", "audit"),
		zap.String("path", cfg.Audit.Path),
	)

	bus := event.NewBus(logger.Named("event"))

	recorder := audit.NewRecorder(store, logger.Named("audit"))
	unsubscribe := recorder.Subscribe(bus)
	defer unsubscribe()

	manager := device.NewManager(cfg.Device, logger.Named("device"))
	connect := func(ctx context.Context, host string) (orchestrator.DeviceSession, error) {
		sess, err := manager.Connect(ctx, host)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	notifier := notify.New(cfg.Notify, logger.Named("notify"))

	if cfg.Mode == config.ModeInteractive {
		if cb := cfg.CallbackURL(); cb != "" {
			logger.Info("action callbacks expected at",
				zap.String("component", "notify"),
				zap.String("url", cb),
			)
		} else {
			logger.Warn("notify.callback_base_url is not set; alert buttons cannot reach this instance until the action endpoint is exposed",
				zap.String("component", "notify"),
			)
		}
	}

	orch := orchestrator.New(cfg.Mode, connect, notifier, bus, logger.Named("orchestrator"))

	verifier := action.NewVerifier(cfg.Action)

	srv := server.New(cfg.Server, orch, verifier, store, logger.Named("server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Janitors: drop stale in-memory attempts and expire old audit rows.
	go runJanitors(ctx, orch, store, cfg.Audit.Retention, logger.Named("janitor"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("netmend ready", zap.String("addr", cfg.Server.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("netmend stopped")
}

// runJanitors periodically sweeps terminal attempts from memory and removes
// audit rows past the configured retention.
func runJanitors(ctx context.Context, orch *orchestrator.Orchestrator, store *audit.Store, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := orch.SweepTerminal(sweepRetention); n > 0 {
				logger.Info("swept terminal attempts", zap.Int("count", n))
			}
			if retention > 0 {
				cutoff := time.Now().UTC().Add(-retention)
				deleteCtx, cancel := context.WithTimeout(ctx, time.Minute)
				n, err := store.DeleteOlderThan(deleteCtx, cutoff)
				cancel()
				if err != nil {
					logger.Error("audit retention sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired audit entries", zap.Int64("count", n))
				}
			}
		}
	}
}
