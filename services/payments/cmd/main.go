// Payments Service — сервис оплаты записи на курсы и образовательные программы.
// REST API для пользователей (интенты, заявки, статусы), Kafka consumers для
// команд компенсации и решений админской верификации, outbox worker для
// надёжной отправки компенсаций и timeout worker для зависших сабмитов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/enrollment-payments/pkg/config"
	dbpkg "example.com/enrollment-payments/pkg/db"
	"example.com/enrollment-payments/pkg/healthcheck"
	"example.com/enrollment-payments/pkg/jwt"
	"example.com/enrollment-payments/pkg/kafka"
	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/metrics"
	"example.com/enrollment-payments/pkg/outbox"
	"example.com/enrollment-payments/pkg/tracing"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/gate"
	"example.com/enrollment-payments/services/payments/internal/handler"
	"example.com/enrollment-payments/services/payments/internal/lifecycle"
	"example.com/enrollment-payments/services/payments/internal/middleware"
	"example.com/enrollment-payments/services/payments/internal/repository"
	"example.com/enrollment-payments/services/payments/internal/submission"
	"example.com/enrollment-payments/services/payments/internal/tracker"
	"example.com/enrollment-payments/services/payments/internal/verification"
)

// gaugeUpdateInterval — период пересчёта gauge активных сессий.
const gaugeUpdateInterval = 30 * time.Second

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "payments").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск Payments Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "payments",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()
	log.Info().Msg("Подключение к Redis установлено")

	// ReadinessChecker для /readyz — проверяет MySQL и Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"payments",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Клиенты внешних систем ===

	settingsClient := clients.NewSettingsClient(cfg.Providers.SettingsBaseURL, cfg.Providers.RequestTimeout)
	catalogClient := clients.NewCatalogClient(cfg.Providers.CatalogBaseURL, cfg.Providers.RequestTimeout)
	artifactClient := clients.NewArtifactClient(cfg.Providers.ArtifactBaseURL, cfg.Providers.RequestTimeout)
	processorClient := clients.NewProcessorClient(cfg.Providers.ProcessorBaseURL, cfg.Providers.RequestTimeout)

	// === Инициализация бизнес-логики ===

	sessionRepo := repository.NewSessionRepository(db)

	submitLock := submission.NewSubmitLock(rdb, cfg.Payments.SubmitLockTTL)
	intentCache := submission.NewIntentCache(rdb, cfg.Payments.IntentTTL)
	captureGuard := submission.NewCaptureGuard(rdb)

	orchestrator := submission.NewOrchestrator(
		sessionRepo,
		artifactClient,
		processorClient,
		submitLock,
		intentCache,
		captureGuard,
		submission.Config{
			MaxProofSize: cfg.Payments.MaxProofSize,
			ReturnURL:    cfg.Payments.ReturnURL,
			CancelURL:    cfg.Payments.CancelURL,
		},
	)

	methodGate := gate.New(settingsClient)
	controller := lifecycle.NewController(sessionRepo, methodGate, catalogClient, orchestrator)
	statusTracker := tracker.New(sessionRepo)

	// Контекст для graceful shutdown фоновых воркеров
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workersWg sync.WaitGroup

	// Timeout worker — откатывает зависшие SUBMITTING сессии
	timeoutCfg := submission.DefaultTimeoutWorkerConfig()
	timeoutCfg.StuckTimeout = cfg.Payments.StuckSubmissionTimeout
	timeoutWorker := submission.NewTimeoutWorker(sessionRepo, intentCache, timeoutCfg)
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Паника в Timeout Worker")
			}
		}()
		timeoutWorker.Run(ctx)
	}()

	// Gauge активных сессий
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		statusTracker.RunGaugeUpdater(ctx, gaugeUpdateInterval)
	}()

	// === Kafka: компенсации и верификация ===

	var kafkaProducer *kafka.Producer
	var compensationConsumer *kafka.Consumer
	var verificationConsumer *kafka.Consumer

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

		if err := kafka.EnsureTopics(cfg.Kafka.Brokers, kafka.DefaultTopics()); err != nil {
			log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
		}

		// Producer для Outbox Worker и DLQ
		kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}

		// Outbox Worker — отправляет команды компенсации из outbox в Kafka
		outboxRepo := outbox.NewOutboxRepository(db, "payment_session")
		outboxWorker := outbox.NewOutboxWorker(outboxRepo, kafkaProducer, outbox.DefaultWorkerConfig(), "payments")
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в Outbox Worker")
				}
			}()
			outboxWorker.Run(ctx)
		}()

		// Consumer команд компенсации (удаление осиротевших квитанций)
		compensationConsumer, err = kafka.NewConsumer(
			kafka.Config{Brokers: cfg.Kafka.Brokers},
			kafka.TopicCompensations,
			cfg.Kafka.ConsumerGroup+"-compensations",
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания consumer компенсаций")
		}
		compensationConsumer.SetDLQProducer(kafkaProducer)

		compensationHandler := submission.NewCompensationHandler(artifactClient)
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в обработчике компенсаций")
				}
			}()
			log.Info().Msg("Запуск обработчика компенсаций")
			if err := compensationConsumer.ConsumeWithRetry(ctx, compensationHandler.Handle, 3); err != nil &&
				!errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Ошибка обработчика компенсаций")
			}
		}()

		// Consumer решений админской верификации
		verificationConsumer, err = kafka.NewConsumer(
			kafka.Config{Brokers: cfg.Kafka.Brokers},
			kafka.TopicVerifications,
			cfg.Kafka.ConsumerGroup+"-verifications",
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания consumer верификации")
		}
		verificationConsumer.SetDLQProducer(kafkaProducer)

		verificationHandler := verification.NewHandler(sessionRepo)
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в обработчике верификации")
				}
			}()
			log.Info().Msg("Запуск обработчика решений верификации")
			if err := verificationConsumer.ConsumeWithRetry(ctx, verificationHandler.Handle, 3); err != nil &&
				!errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Ошибка обработчика верификации")
			}
		}()

		log.Info().Msg("Kafka consumers + Outbox Worker запущены")
	} else {
		log.Warn().Msg("Kafka не настроена — компенсации и верификация отключены")
	}

	// === Middleware и HTTP сервер ===

	jwtValidator, err := jwt.NewValidator(jwt.Config{
		PublicKeyPath: cfg.JWT.PublicKeyPath,
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания JWT валидатора")
	}
	jwtValidator.SetBlacklist(jwt.NewBlacklist(rdb))

	authMW := middleware.NewAuthMiddleware(jwtValidator)
	tracingMW := middleware.NewTracingMiddleware()

	var rateLimitMW *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimitMW = middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			Redis:  rdb,
			Limit:  cfg.RateLimit.RequestsLimit,
			Window: cfg.RateLimit.Window,
		})
		log.Info().
			Int("limit", cfg.RateLimit.RequestsLimit).
			Dur("window", cfg.RateLimit.Window).
			Msg("Rate limiting включён")
	}

	paymentHandler := handler.NewPaymentHandler(controller, statusTracker, cfg.Payments.MaxProofSize)

	router := handler.NewRouter(handler.RouterConfig{
		Payments:       paymentHandler,
		AuthMW:         authMW,
		RateLimitMW:    rateLimitMW,
		TracingMW:      tracingMW,
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Сначала HTTP — новые запросы не принимаем, текущие дорабатывают
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	// Останавливаем фоновые воркеры и consumers
	cancel()
	workersWg.Wait()

	if compensationConsumer != nil {
		if err := compensationConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия consumer компенсаций")
		}
	}
	if verificationConsumer != nil {
		if err := verificationConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия consumer верификации")
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Payments Service остановлен")
}
