package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/cache"
	"healthsense/config"
	"healthsense/identity"
	"healthsense/log"
	"healthsense/models"
	"healthsense/poller"
	"healthsense/server"
	"healthsense/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetInstance().Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.GetInstance().Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize structured logger
	logger, err := log.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.GetInstance().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := startAgent(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start agent", zap.String("reason", api.DisplayMessage(err, cfg.Locale)), zap.Error(err))
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when cleanup is complete
	cleanupDone := make(chan bool, 1)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping services")

		cancel()

		select {
		case <-cleanupDone:
			logger.Info("Cleanup completed successfully")
		case <-time.After(5 * time.Second):
			logger.Warn("Cleanup timeout, forcing exit")
		}

		logger.Info("HealthSense agent stopped")
		os.Exit(0)
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	a.shutdown()

	// Signal cleanup completion
	cleanupDone <- true
}

// agent holds what shutdown needs once every component is running.
type agent struct {
	logger       *zap.Logger
	identity     *identity.Firebase
	synchronizer *poller.Synchronizer
	sub          *poller.Subscription
	profile      *server.CachedProfile
	batchWriter  *services.BatchWriterService
	closers      []func()
}

// startAgent signs in, wires every component and starts the background
// loops. It returns once they are all running; ctx ends them.
func startAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agent, error) {
	a := &agent{logger: logger}

	// Sign in
	fb := identity.NewFirebase(identity.Config{
		APIKey:             cfg.FirebaseAPIKey,
		IdentityToolkitURL: cfg.FirebaseIdentityURL,
		SecureTokenURL:     cfg.FirebaseSecureTokenURL,
		Timeout:            cfg.RequestTimeout,
	}, logger)
	a.identity = fb

	user, err := signIn(ctx, cfg, fb, logger)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	uid := user.UID
	logger.Info("Signed in", zap.String("uid", uid), zap.String("email", user.Email))

	// Caches
	var rdb redis.UniversalClient
	if cfg.CacheBackend == config.CacheBackendRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { rdb.Close() })
	}
	recordsStore, recordsSweeper := newStore[[]models.RawRecord](rdb, "api", cache.APITTL, logger)
	profileStore, profileSweeper := newStore[*models.Profile](rdb, "profile", cache.ProfileTTL, logger)
	staticStore, staticSweeper := newStore[[]string](rdb, "static", cache.StaticTTL, logger)
	insightsStore, insightsSweeper := newStore[server.InsightsEntry](rdb, "insights", cache.APITTL, logger)
	cache.StartJanitor(ctx, cfg.CacheCleanupInterval, logger, recordsSweeper, profileSweeper, staticSweeper, insightsSweeper)

	// API client and synchronizer
	client := api.NewClient(cfg.APIURL, fb,
		api.WithLogger(logger),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithNetworkRetry(cfg.NetworkRetryAttempts, cfg.NetworkRetryDelay),
		api.WithAuthFailureHandler(a.sessionEnded))

	source := poller.NewCachedSource(client, recordsStore, uid, cfg.RecordsLimit, cfg.RecordsCacheTTL)
	a.synchronizer = poller.New(source, poller.Config{
		Interval: cfg.PollInterval,
		Limit:    cfg.RecordsLimit,
		Locale:   cfg.Locale,
	}, logger)
	a.profile = server.NewCachedProfile(client, profileStore, staticStore, uid)

	// Alert sinks and publishers, each optional
	var (
		sinks      []services.AlertSink
		notifiers  []services.DeviceNotifier
		publishers []services.UpdatePublisher
	)

	var telegramService *services.TelegramService
	if cfg.TelegramEnabled() {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize Telegram service", zap.Error(err))
			telegramService = nil
		} else {
			sinks = append(sinks, telegramService)
			notifiers = append(notifiers, telegramService)
		}
	}

	if cfg.AlertWebhookURL != "" {
		webhook := services.NewWebhookAlertService(cfg.AlertWebhookURL, logger)
		sinks = append(sinks, webhook)
		notifiers = append(notifiers, webhook)
		logger.Info("Webhook alert service initialized", zap.String("url", cfg.AlertWebhookURL))
	}

	if cfg.MQTTBroker != "" {
		mqttService, err := services.NewMQTTService(cfg, uid, logger)
		if err != nil {
			logger.Error("Failed to initialize MQTT service", zap.Error(err))
		} else {
			sinks = append(sinks, mqttService)
			notifiers = append(notifiers, mqttService)
			publishers = append(publishers, mqttService)
			a.closers = append(a.closers, mqttService.Close)
		}
	}

	if cfg.RabbitMQURL != "" {
		rabbitService, err := services.NewRabbitMQService(cfg, uid, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ service", zap.Error(err))
		} else {
			sinks = append(sinks, rabbitService)
			notifiers = append(notifiers, rabbitService)
			publishers = append(publishers, rabbitService)
			a.closers = append(a.closers, func() {
				if err := rabbitService.Close(); err != nil {
					logger.Error("Error closing RabbitMQ service", zap.Error(err))
				}
			})
		}
	}

	if cfg.MirrorEnabled() {
		mirror, err := services.NewFirebaseMirrorService(ctx, cfg, uid, logger)
		if err != nil {
			logger.Error("Failed to initialize Firebase mirror", zap.Error(err))
		} else {
			a.batchWriter = services.NewBatchWriterService(mirror, cfg.MirrorBatchSize, cfg.MirrorBatchTimeout, logger)
			publishers = append(publishers, a.batchWriter)
			a.closers = append(a.closers, func() {
				if err := mirror.Close(); err != nil {
					logger.Error("Error closing Firebase mirror", zap.Error(err))
				}
			})
			go a.batchWriter.Start(ctx)
		}
	}

	// Detection and fan-out
	monitor := services.NewDeviceHealthMonitor(cfg.DeviceTimeout, logger, notifiers...)
	dispatcher := services.NewDispatcher(uid, services.NewVitalsDetector(services.ThresholdsFromConfig(cfg)), monitor, logger)
	for _, s := range sinks {
		dispatcher.AddAlertSink(s)
	}
	for _, p := range publishers {
		dispatcher.AddPublisher(p)
	}
	a.synchronizer.OnChange(dispatcher.HandleState)
	go dispatcher.Run(ctx)
	go monitor.Start(ctx)

	// HTTP surface
	hub := server.NewHub(a.synchronizer.State, logger)
	a.synchronizer.OnChange(hub.Broadcast)
	httpServer := server.New(server.Deps{
		UserID:     uid,
		Locale:     cfg.Locale,
		Thresholds: services.ThresholdsFromConfig(cfg),
		Records:    a.synchronizer,
		Profile:    a.profile,
		Devices:    monitor,
		Insights:   insightsStore,
		Caches:     []server.StatsProvider{recordsStore, profileStore, staticStore, insightsStore},
		Session:    fb,
		Hub:        hub,
	}, logger)
	go func() {
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if telegramService != nil && cfg.TelegramStartup {
		if err := telegramService.SendStartupMessage(uid, cfg.PollInterval); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	a.sub = a.synchronizer.Start(ctx)

	logger.Info("HealthSense agent started",
		zap.String("uid", uid),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("records_limit", cfg.RecordsLimit),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Int("alert_sinks", len(sinks)),
		zap.Int("publishers", len(publishers)),
		zap.String("http_addr", cfg.HTTPAddr),
	)
	return a, nil
}

// sessionEnded runs after the client signed the user out. Polling stops and
// the cached profile, which belongs to that user, is dropped.
func (a *agent) sessionEnded(err error) {
	a.logger.Error("Session ended, stopping synchronizer", zap.Error(err))
	if a.synchronizer != nil {
		a.synchronizer.Stop()
	}
	if a.profile != nil {
		a.profile.InvalidateProfile()
	}
}

// shutdown stops polling, flushes the mirror and releases every connection.
func (a *agent) shutdown() {
	a.logger.Info("Starting cleanup")
	a.sub.Stop()
	<-a.sub.Done()

	if a.batchWriter != nil && !a.batchWriter.WaitForShutdown(4*time.Second) {
		a.logger.Warn("Firebase mirror did not flush before timeout")
	}
	for _, closeFn := range a.closers {
		closeFn()
	}
	a.identity.SignOut()
}

// signIn uses the password flow when credentials are configured and a
// service-account custom token otherwise.
func signIn(ctx context.Context, cfg *config.Config, fb *identity.Firebase, logger *zap.Logger) (*identity.User, error) {
	if cfg.UsesPasswordSignIn() {
		return fb.SignInWithPassword(ctx, cfg.Email, cfg.Password)
	}
	minter, err := identity.NewCustomTokenMinter(ctx, cfg.FirebaseServiceAccountJSON, logger)
	if err != nil {
		return nil, err
	}
	return identity.SignInAs(ctx, minter, fb, cfg.UID, logger)
}

type namedStore[V any] interface {
	cache.Store[V]
	Name() string
}

func newStore[V any](rdb redis.UniversalClient, name string, ttl time.Duration, logger *zap.Logger) (namedStore[V], cache.Sweeper) {
	if rdb != nil {
		s := cache.NewRedis[V](rdb, "healthsense", name, ttl, logger)
		return s, s
	}
	s := cache.NewMemory[V](name, ttl)
	return s, s
}
