package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sprout/clock"
	"sprout/config"
	"sprout/log"
	"sprout/models"
	"sprout/services"
	"sprout/store"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// Initialize timezone; device timestamps carry no zone
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		panic("Failed to load timezone " + cfg.Timezone + ": " + err.Error())
	}
	time.Local = loc

	// Initialize structured logger
	logger := log.Init(cfg.LogLevel)
	defer logger.Sync()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when cleanup is complete
	cleanupDone := make(chan bool, 1)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping services")

		// Cancel context to stop all goroutines
		cancel()

		select {
		case <-cleanupDone:
			logger.Info("Cleanup completed successfully")
		case <-time.After(cfg.ShutdownGraceTimeout):
			logger.Warn("Cleanup timeout, forcing exit")
		}

		logger.Info("Sprout irrigation service stopped")
		os.Exit(0)
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	clk := clock.New()

	events := services.NewEventLog(st, clk, logger, cfg.EventLogMax, cfg.EventLogDedupeWindow)
	events.Load(ctx)

	// Remote channel to the device
	var (
		firebaseService *services.FirebaseService
		device          services.RemoteChannel
	)
	if cfg.FirebaseEnabled() {
		firebaseService, err = services.NewFirebaseService(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
		}
		device = firebaseService
	} else {
		logger.Warn("Firebase not configured, pump commands stay in memory")
		device = services.NewMemoryRemote()
	}
	remote := services.NewResilientRemote(device, services.ResilientOptions{
		MaxRetries:      cfg.RemoteMaxRetries,
		InitialInterval: cfg.RemoteRetryInterval,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}, logger)

	// Notification sinks
	var (
		sinks           services.MultiNotifier
		telegramService *services.TelegramService
	)
	if cfg.TelegramEnabled() {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		sinks = append(sinks, telegramService)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, services.NewWebhookNotifier(logger, cfg.WebhookURL))
		logger.Info("Webhook notifications enabled", zap.String("url", cfg.WebhookURL))
	}
	var notifier services.Notifier = services.NopNotifier{}
	if len(sinks) > 0 {
		notifier = sinks
	}

	feed := services.NewSensorFeed()

	settings := services.NewSettingsService(st, remote, events, logger, models.Thresholds{
		SoilMoisture:        cfg.SoilMoistureThreshold,
		MinTemperature:      cfg.MinTemperatureThreshold,
		MaxTemperature:      cfg.MaxTemperatureThreshold,
		Humidity:            cfg.HumidityThreshold,
		MaxWateringDuration: cfg.MaxWateringDuration,
	})
	settings.Load(ctx)

	// One state machine per configured pump
	pumpOpts := services.PumpOptions{
		AutoStopMoisture: cfg.AutoStopMoisture,
		Cooldown:         cfg.PumpCooldown,
		WriteTimeout:     cfg.RemoteWriteTimeout,
		NotifyTimeout:    cfg.NotificationTimeout,
	}
	var controllers []*services.PumpController
	for _, raw := range cfg.PumpIDs {
		id, err := models.ParsePumpID(raw)
		if err != nil {
			logger.Fatal("Invalid pump id", zap.String("pump_id", raw), zap.Error(err))
		}
		controllers = append(controllers, services.NewPumpController(id, clk, remote, feed, settings, events, notifier, logger, pumpOpts))
	}
	pumps := services.NewPumpSet(controllers...)

	alerts := services.NewAlertService(clk, events, notifier, logger, cfg.NotificationCooldown, cfg.NotificationTimeout)
	detachAlerts := alerts.Attach(ctx, feed, settings)

	coordinator := services.NewSmartCoordinator(pumps, models.PumpID(cfg.SmartPump), settings, feed, logger)
	detachCoordinator := coordinator.Attach(ctx)

	watchdog := services.NewSensorWatchdog(clk, events, notifier, logger, cfg.SensorStaleAfter, cfg.NotificationTimeout)
	go watchdog.Start(ctx, feed)

	reconciler := services.NewPumpReconciler(pumps, remote, clk, cfg.ReconcileInterval, logger)
	go reconciler.Start(ctx)

	metrics := services.NewMetrics()
	metrics.WatchPumps(pumps)
	metrics.WatchAlerts(alerts)
	metrics.WatchBreaker(remote)
	detachMetrics := metrics.Attach(events, feed)

	var history *services.HistoryWriter
	detachHistory := func() {}
	if cfg.InfluxEnabled() {
		history = services.NewHistoryWriter(cfg, logger)
		detachHistory = history.Attach(events, feed)
	}

	// Sensor ingress
	var rabbit *services.RabbitMQService
	switch cfg.SensorSource {
	case "mqtt":
		source := services.NewMQTTSensorSource(cfg, feed, logger)
		if err := source.Start(ctx); err != nil {
			logger.Fatal("Failed to start MQTT sensor source", zap.Error(err))
		}
	case "rabbitmq":
		rabbit, err = services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		go func() {
			if err := rabbit.Consume(ctx, feed); err != nil {
				logger.Error("RabbitMQ consumer stopped", zap.Error(err))
			}
		}()
	default:
		if firebaseService == nil {
			logger.Warn("SENSOR_SOURCE=firebase but Firebase is not configured, no sensor readings will arrive")
			break
		}
		firebaseService.SubscribeToSensorData(ctx, feed, 0)
	}

	if telegramService != nil {
		if cfg.TelegramCommands {
			executor := services.NewCommandExecutor(pumps, coordinator, settings, feed, models.PumpID(cfg.SmartPump))
			go telegramService.ListenCommands(ctx, executor.Handle)
		}
		if err := telegramService.SendStartupMessage(cfg.PumpIDs, settings.SmartMode().Enabled); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	api := services.NewAPIServer(cfg.HTTPAddr, services.APIDeps{
		Pumps:       pumps,
		Coordinator: coordinator,
		Settings:    settings,
		Alerts:      alerts,
		Events:      events,
		Feed:        feed,
		Watchdog:    watchdog,
		History:     history,
		Metrics:     metrics,
	}, logger)
	go func() {
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP API failed", zap.Error(err))
		}
	}()

	events.Record(ctx, models.SourceSystem, models.CategoryApp, "app_started", "Sprout service started",
		map[string]any{"pumps": cfg.PumpIDs, "sensor_source": cfg.SensorSource})

	logger.Info("Sprout irrigation service started",
		zap.Strings("pumps", cfg.PumpIDs),
		zap.String("smart_pump", cfg.SmartPump),
		zap.Bool("smart_mode", settings.SmartMode().Enabled),
		zap.String("sensor_source", cfg.SensorSource),
		zap.String("store", cfg.StoreBackend),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	// Perform cleanup
	logger.Info("Starting cleanup")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceTimeout)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP API shutdown incomplete", zap.Error(err))
	}

	detachCoordinator()
	detachAlerts()
	alerts.Stop()
	pumps.Shutdown()
	detachMetrics()
	detachHistory()
	history.Close()

	if rabbit != nil {
		if err := rabbit.Close(); err != nil {
			logger.Error("Error closing RabbitMQ service", zap.Error(err))
		}
	}
	if firebaseService != nil {
		if err := firebaseService.Close(); err != nil {
			logger.Error("Error closing Firebase service", zap.Error(err))
		} else {
			logger.Info("Firebase service closed")
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	}

	// Signal cleanup completion
	cleanupDone <- true
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		r, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "sprout:")
		if err != nil {
			return nil, err
		}
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	}
}
