// Pingmark server: probes messaging contacts, correlates delivery
// receipts, and serves presence over a REST and websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/quietwire/pingmark/pkg/adapters"
	signaladapter "github.com/quietwire/pingmark/pkg/adapters/signal"
	"github.com/quietwire/pingmark/pkg/adapters/waweb"
	"github.com/quietwire/pingmark/pkg/adapters/whatsapp"
	"github.com/quietwire/pingmark/pkg/api"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/database"
	"github.com/quietwire/pingmark/pkg/engine"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/notify"
	"github.com/quietwire/pingmark/pkg/realtime"
	"github.com/quietwire/pingmark/pkg/services"
	"github.com/quietwire/pingmark/pkg/storage"
	"github.com/quietwire/pingmark/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "Path to the settings file (default config/pingmark.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)
	slog.Info("Starting pingmark",
		"version", version.Full(), "env", cfg.Env, "addr", cfg.ListenAddr)

	ctx := context.Background()

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	users := storage.NewUserStore(dbClient.DB())
	contacts := storage.NewContactStore(dbClient.DB())
	points := storage.NewPointStore(dbClient.DB())
	probes := storage.NewProbeStore(dbClient.DB())

	// 3. Engine
	clock := clockwork.NewRealClock()
	correlator := engine.NewCorrelator(cfg.Tracking, clock, logger)
	insights := engine.NewInsightsAggregator(cfg.Tracking, clock)
	supervisor := engine.NewSupervisor(ctx, logger)
	hub := realtime.NewHub(logger)

	// 4. Notifications
	mailer := notify.NewSMTPMailer(cfg.SMTP, logger)
	detector := notify.NewEdgeDetector(mailer, logger)
	admin := notify.NewAdminNotifier(cfg.AdminNotifyEmail, mailer)

	// 5. Platform adapters
	registry := adapters.NewRegistry()
	registry.Register(models.PlatformMock, adapters.Entry{
		Factory: func(contact *models.Contact) (adapters.Adapter, error) {
			return adapters.NewMockAdapter(), nil
		},
	})

	signalService := signaladapter.NewService(cfg.Signal, cfg.Tracking, probes, logger)
	if cfg.Signal.Enabled {
		signalClient := signaladapter.NewClient(cfg.Signal)
		registry.Register(models.PlatformSignal, adapters.Entry{
			Factory: func(contact *models.Contact) (adapters.Adapter, error) {
				return signaladapter.NewAdapter(signalClient, signalService, contact), nil
			},
			StartAll: signalService.Start,
			StopAll:  signalService.Stop,
		})
	}

	// The webhook endpoint needs the WhatsApp service even when probe
	// sending is disabled.
	whatsappService := whatsapp.NewService(cfg.WhatsApp, cfg.Tracking, probes, logger)
	if cfg.WhatsApp.Enabled {
		whatsappClient, err := whatsapp.NewClient(cfg.WhatsApp)
		if err != nil {
			slog.Error("Failed to initialize WhatsApp client", "error", err)
			os.Exit(1)
		}
		registry.Register(models.PlatformWhatsApp, adapters.Entry{
			Factory: func(contact *models.Contact) (adapters.Adapter, error) {
				return whatsapp.NewAdapter(whatsappClient, whatsappService, contact), nil
			},
			StartAll: whatsappService.Start,
			StopAll:  whatsappService.Stop,
		})
	}

	wawebService := waweb.NewService(cfg.WhatsAppWeb, cfg.Tracking, probes, logger)
	if cfg.WhatsAppWeb.Enabled {
		wawebClient := waweb.NewClient(cfg.WhatsAppWeb)
		registry.Register(models.PlatformWhatsAppWeb, adapters.Entry{
			Factory: func(contact *models.Contact) (adapters.Adapter, error) {
				return waweb.NewAdapter(wawebClient, wawebService, contact), nil
			},
			StartAll: wawebService.Start,
			StopAll:  wawebService.Stop,
		})
	}

	if err := registry.StartAll(ctx); err != nil {
		slog.Error("Failed to start platform services", "error", err)
		os.Exit(1)
	}
	slog.Info("Platform services started", "platforms", registry.Platforms())

	// 6. Tracking orchestration
	tracking := services.NewTrackingService(services.TrackingDeps{
		Tracking:   cfg.Tracking,
		Registry:   registry,
		Supervisor: supervisor,
		Correlator: correlator,
		Insights:   insights,
		Points:     points,
		Probes:     probes,
		Broadcast:  hub,
		Detector:   detector,
		Admin:      admin,
		Logger:     logger,
	})

	// 7. HTTP server
	httpServer := api.NewServer(api.ServerDeps{
		Config:   cfg,
		DB:       dbClient,
		Users:    users,
		Contacts: contacts,
		Points:   points,
		Probes:   probes,
		Tracking: tracking,
		WhatsApp: whatsappService,
		Hub:      hub,
		Admin:    admin,
		Logger:   logger,
	})

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Run(serverCtx)
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	serverDone := false
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		serverDone = true
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error triggered shutdown", "error", err)
		}
	}

	// 9. Graceful shutdown: drain HTTP first so no new sessions start,
	// then stop the runners, platform feeds, and in-memory engine.
	serverCancel()
	if !serverDone {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server shutdown error", "error", err)
			}
		case <-time.After(10 * time.Second):
			slog.Warn("HTTP shutdown timeout exceeded")
		}
	}

	supervisor.StopAll()
	registry.StopAll()
	correlator.Close()
	hub.Close()
	mailer.Wait()

	slog.Info("Shutdown complete")
}

// newLogger builds the process logger: colorized console output in dev
// (or when LOG_FORMAT=text), JSON elsewhere. LOG_LEVEL overrides the
// env-derived default level.
func newLogger(env string) *slog.Logger {
	text := env == "dev"
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		text = format == "text"
	}

	level := slog.LevelInfo
	if text {
		level = slog.LevelDebug
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			slog.Warn("Invalid LOG_LEVEL, ignoring", "value", v)
		}
	}

	if text {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
