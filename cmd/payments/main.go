package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/receipts"
	"yookassa/internal/app/reconcile"
	"yookassa/internal/app/refunds"
	"yookassa/internal/app/webhooks"
	"yookassa/internal/config"
	"yookassa/internal/domain"
	payments_http "yookassa/internal/handler/http/payments"
	kafka_handler "yookassa/internal/handler/kafka"
	"yookassa/internal/infrastructure/database"
	kafka_infra "yookassa/internal/infrastructure/kafka"
	"yookassa/internal/keylock"
	"yookassa/internal/notify/telegram"
	"yookassa/internal/outbox"
	"yookassa/internal/repository/inbox_repo"
	inbox_db "yookassa/internal/repository/inbox_repo/database"
	inbox_memory "yookassa/internal/repository/inbox_repo/memory"
	inbox_redis "yookassa/internal/repository/inbox_repo/redis"
	outbox_db "yookassa/internal/repository/outbox_repo/database"
	"yookassa/internal/repository/payments_repo"
	payments_db "yookassa/internal/repository/payments_repo/database"
	"yookassa/internal/repository/payments_repo/jsonfile"
	"yookassa/internal/repository/payments_repo/memory"
	"yookassa/internal/yookassa"
)

const shutdownTimeout = 15 * time.Second

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		topicConfigs = append(topicConfigs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
	}

	err = controllerConn.CreateTopics(topicConfigs...)
	if err != nil {
		if errors.Is(err, kafka.TopicAlreadyExists) {
			logger.Info("One or more Kafka topics already exist, skipping creation.")
		} else {
			return fmt.Errorf("failed to create Kafka topics: %w", err)
		}
	} else {
		logger.Info("Kafka topics ensured successfully.", zap.Strings("topics", topics))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapConfig.Level = lvl
	}
	return zapConfig.Build()
}

func connectPostgres(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var (
		db  *sql.DB
		err error
	)
	maxRetries := 10
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			return db, nil
		}
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1), zap.Int("max_attempts", maxRetries), zap.Duration("delay", retryDelay), zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, err
}

// openStorage returns the payment storage and, for SQL backends, the shared
// connection and its dialect.
func openStorage(cfg *config.Config, logger *zap.Logger) (payments_repo.Storage, *sql.DB, database.Dialect, error) {
	var (
		db      *sql.DB
		dialect database.Dialect
		err     error
	)
	switch cfg.StorageBackend {
	case "memory":
		logger.Warn("Using in-memory storage; payments are lost on restart")
		return memory.New(), nil, "", nil
	case "file":
		s, err := jsonfile.Open(cfg.StorageFilePath)
		if err != nil {
			return nil, nil, "", err
		}
		logger.Info("Using JSON file storage", zap.String("path", cfg.StorageFilePath))
		return s, nil, "", nil
	case "postgres":
		dialect = database.DialectPostgres
		db, err = connectPostgres(cfg, logger)
	case "sqlite":
		dialect = database.DialectSQLite
		db, err = database.NewSQLiteDB(cfg.SQLitePath)
	default:
		return nil, nil, "", fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, nil, "", err
	}

	if cfg.MigrationsEnabled {
		logger.Info("Running database migrations...")
		if err := database.Migrate(db, dialect, logger); err != nil {
			db.Close()
			return nil, nil, "", err
		}
	}
	return payments_db.New(db, dialect), db, dialect, nil
}

func newDeduplicator(cfg *config.Config, db *sql.DB, dialect database.Dialect, logger *zap.Logger) (inbox_repo.Deduplicator, func(), error) {
	switch cfg.Webhook.DedupBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("Using Redis webhook deduplication", zap.String("addr", cfg.Redis.Addr))
		return inbox_redis.New(client, inbox_redis.DefaultPrefix, cfg.Webhook.DedupTTL), func() { client.Close() }, nil
	case "database":
		if db == nil {
			return nil, nil, errors.New("database webhook deduplication needs a SQL storage backend")
		}
		return inbox_db.New(db, dialect, cfg.Webhook.DedupTTL, logger.With(zap.String("component", "webhook_inbox"))), func() {}, nil
	default:
		return inbox_memory.New(cfg.Webhook.DedupTTL, cfg.Webhook.DedupSize), func() {}, nil
	}
}

func newAuthenticator(cfg *config.Config) (webhooks.Authenticator, error) {
	switch cfg.Webhook.Auth {
	case "hmac":
		return webhooks.NewHMACAuthenticator(cfg.Webhook.Secret, cfg.Webhook.SignatureHeader)
	case "none":
		return webhooks.AllowAll{}, nil
	default:
		cidrs := cfg.Webhook.AllowedCIDRs
		if len(cidrs) == 0 {
			cidrs = webhooks.YooKassaNetworks
		}
		return webhooks.NewIPAllowlist(cidrs, cfg.Webhook.TrustForwarded)
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Invalid configuration", zap.Error(err))
	}
	appLogger.Info("Payments Service starting...", zap.String("storage", cfg.StorageBackend))

	storage, db, dialect, err := openStorage(cfg, appLogger.With(zap.String("component", "storage")))
	if err != nil {
		appLogger.Fatal("Failed to open payment storage", zap.Error(err))
	}
	defer func() {
		if err := storage.Close(); err != nil {
			appLogger.Error("Error closing payment storage", zap.Error(err))
		} else {
			appLogger.Info("Payment storage closed.")
		}
	}()

	dedup, closeDedup, err := newDeduplicator(cfg, db, dialect, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create webhook deduplicator", zap.Error(err))
	}
	defer closeDedup()

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		appLogger.Fatal("Failed to create webhook authenticator", zap.Error(err))
	}

	// Status event sinks.
	var (
		sinks         []outbox.Sink
		kafkaProducer kafka_infra.Producer
	)
	kafkaBrokers := cfg.GetKafkaBrokers()
	if len(kafkaBrokers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ensureKafkaTopics(ctx, kafkaBrokers, []string{cfg.KafkaPaymentStatusTopic, cfg.KafkaWebhookTopic}, appLogger)
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}

		kafkaProducer = kafka_infra.NewProducer(kafkaBrokers, appLogger)
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			}
		}()
		sinks = append(sinks, outbox.NewKafkaSink(kafkaProducer, cfg.KafkaPaymentStatusTopic))
	}
	if cfg.TelegramBotToken != "" {
		tgSink, err := telegram.NewBotSink(cfg.TelegramBotToken, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to create Telegram sink", zap.Error(err))
		}
		sinks = append(sinks, tgSink)
	}

	outboxProcessor := outbox.NewProcessor(outbox.Config{
		BufferSize:   cfg.OutboxBufferSize,
		PollInterval: cfg.OutboxPollInterval,
	}, appLogger, sinks...)
	if db != nil {
		outboxProcessor.WithRepository(outbox_db.NewOutboxRepository(db, dialect))
	}

	provider := yookassa.NewClient(yookassa.Config{
		ShopID:      cfg.YooKassa.ShopID,
		SecretKey:   cfg.YooKassa.SecretKey,
		BaseURL:     cfg.YooKassa.APIURL,
		MaxAttempts: cfg.Provider.MaxAttempts,
		BaseDelay:   cfg.Provider.RetryBaseDelay,
		MaxDelay:    cfg.Provider.RetryMaxDelay,
		Timeout:     cfg.Provider.Timeout,
		RateLimit:   cfg.Provider.RateLimitRPS,
	}, appLogger)

	currencies := make([]domain.Currency, 0, len(cfg.Payments.Currencies))
	for _, c := range cfg.Payments.Currencies {
		currencies = append(currencies, domain.Currency(c))
	}

	locks := keylock.New()
	paymentService := payments.NewPaymentService(
		storage,
		provider,
		receipts.NewReceiptService(appLogger),
		locks,
		outboxProcessor,
		payments.Options{
			Currencies:  currencies,
			AutoCapture: cfg.Payments.AutoCapture,
			ReturnURL:   cfg.YooKassa.ReturnURL,
			PollOnRead:  cfg.Payments.PollOnRead,
		},
		appLogger,
	)
	refundService := refunds.NewRefundService(storage, paymentService, provider, locks, outboxProcessor, appLogger)
	webhookHandler := webhooks.NewWebhookHandler(paymentService, refundService, dedup, appLogger)
	appLogger.Info("Payment services initialized.")

	reconciler, err := reconcile.NewReconciler(paymentService, cfg.ReconcileSchedule, cfg.GetReconcileTimeout(), appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create reconciler", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(payments_http.CORS(cfg.CORSOrigins))
	}
	payments_http.RegisterRoutes(router, payments_http.Services{
		Payments:      paymentService,
		Refunds:       refundService,
		Webhooks:      webhookHandler,
		Authenticator: authenticator,
	}, appLogger.With(zap.String("component", "HTTPHandler")))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	outboxProcessor.Start(ctxMain)

	if err := reconciler.Start(ctxMain); err != nil {
		appLogger.Fatal("Failed to start reconciler", zap.Error(err))
	}

	var relayConsumer kafka_infra.Consumer
	relayDone := make(chan struct{})
	if cfg.KafkaWebhookTopic != "" {
		relayConsumer = kafka_infra.NewConsumer(kafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaWebhookTopic, appLogger)
		relayHandler := kafka_handler.WebhookRelayMessageHandler(webhookHandler, appLogger.With(zap.String("component", "WebhookRelayHandler")))
		go func() {
			defer close(relayDone)
			appLogger.Info("Starting webhook relay Kafka consumer...")
			if err := relayConsumer.Start(ctxMain, relayHandler); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Webhook relay Kafka consumer failed", zap.Error(err))
			}
			appLogger.Info("Webhook relay Kafka consumer stopped.")
		}()
	} else {
		close(relayDone)
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"payments": func(ctx context.Context) error {
			appLogger.Info("Shutting down application...")

			// Stop accepting webhooks and API calls first so no new transitions start.
			var shutdownErr error
			if err := httpServer.Shutdown(ctx); err != nil {
				appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
				shutdownErr = err
			} else {
				appLogger.Info("HTTP server gracefully shut down.")
			}

			if relayConsumer != nil {
				relayConsumer.Stop()
			}
			select {
			case <-relayDone:
			case <-ctx.Done():
				appLogger.Warn("Webhook relay consumer did not stop in time.")
			}

			reconciler.Stop()
			outboxProcessor.Stop()
			cancelMain()
			return shutdownErr
		},
	})

	exitCode := <-wait
	if exitCode != 0 {
		appLogger.Error("Application shut down with errors", zap.Int("exit_code", exitCode))
		_ = appLogger.Sync()
		os.Exit(exitCode)
	}
	appLogger.Info("Application gracefully shut down.")
}
