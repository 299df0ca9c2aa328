package submission

import (
	"context"
	"errors"
	"time"

	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/metrics"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/repository"
)

// =============================================================================
// TimeoutWorker — воркер для отката зависших сабмитов
// =============================================================================

// TimeoutWorkerConfig — настройки Timeout Worker.
type TimeoutWorkerConfig struct {
	// PollInterval — интервал между сканированиями таблицы сессий.
	PollInterval time.Duration

	// StuckTimeout — максимальное время жизни сессии в SUBMITTING.
	// Дольше — сабмит считается оборванным (процесс упал между шагами).
	StuckTimeout time.Duration

	// BatchSize — максимальное количество зависших сессий за один цикл.
	BatchSize int
}

// DefaultTimeoutWorkerConfig возвращает конфигурацию по умолчанию.
func DefaultTimeoutWorkerConfig() TimeoutWorkerConfig {
	return TimeoutWorkerConfig{
		PollInterval: 30 * time.Second,
		StuckTimeout: 5 * time.Minute,
		BatchSize:    50,
	}
}

// TimeoutWorker периодически находит сессии, зависшие в SUBMITTING, и
// возвращает их в DRAFT. Если у сессии уже есть квитанция, откат идёт
// через outbox с командой удаления — файл не осиротеет.
type TimeoutWorker struct {
	sessions repository.SessionRepository
	intents  *IntentCache
	cfg      TimeoutWorkerConfig
}

// NewTimeoutWorker создаёт новый Timeout Worker.
func NewTimeoutWorker(sessions repository.SessionRepository, intents *IntentCache, cfg TimeoutWorkerConfig) *TimeoutWorker {
	return &TimeoutWorker{
		sessions: sessions,
		intents:  intents,
		cfg:      cfg,
	}
}

// Run запускает Worker. Блокирует выполнение до отмены контекста.
func (w *TimeoutWorker) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("stuck_timeout", w.cfg.StuckTimeout).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Запуск Submission Timeout Worker")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Submission Timeout Worker")
			return
		case <-ticker.C:
			w.processStuckSessions(ctx)
		}
	}
}

// processStuckSessions находит и откатывает зависшие сессии.
func (w *TimeoutWorker) processStuckSessions(ctx context.Context) {
	log := logger.FromContext(ctx)

	sessions, err := w.sessions.GetStuckSubmitting(ctx, w.cfg.StuckTimeout, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка поиска зависших сессий")
		return
	}

	if len(sessions) == 0 {
		return
	}

	log.Warn().Int("count", len(sessions)).Msg("Обнаружены зависшие сабмиты, откатываем")

	for _, session := range sessions {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.RevertStuck(ctx, session); err != nil {
			log.Error().Err(err).
				Str("session_id", session.ID).
				Msg("Ошибка отката зависшей сессии")
		}
	}
}

// RevertStuck возвращает одну зависшую сессию в DRAFT.
// Если на строке записан ID квитанции, откат идёт через outbox с командой
// удаления — файл не останется сиротой. Redirect-сессия теряет external
// reference: кешированный интент удаляется, поэтому запоздавший capture
// будет отклонён как unknown intent.
func (w *TimeoutWorker) RevertStuck(ctx context.Context, session *domain.PaymentSession) error {
	log := logger.FromContext(ctx)

	log.Warn().
		Str("session_id", session.ID).
		Str("method", string(session.Method)).
		Time("updated_at", session.UpdatedAt).
		Msg("Откат зависшего сабмита по таймауту")

	externalReference := session.ExternalReference
	artifactID := session.ArtifactID

	if err := session.RevertToDraft(); err != nil {
		return err
	}
	session.ExternalReference = nil
	session.PayerDetails = nil

	var revertErr error
	if artifactID == nil {
		revertErr = w.sessions.UpdateIf(ctx, session, domain.StatusSubmitting)
	} else {
		record, err := BuildArtifactCleanup(ctx, session, *artifactID, "submission timed out")
		if err != nil {
			return err
		}
		revertErr = w.sessions.UpdateWithOutbox(ctx, session, domain.StatusSubmitting, record)
	}
	if revertErr != nil {
		if errors.Is(revertErr, domain.ErrConcurrentUpdate) {
			// Сабмит успел завершиться между выборкой и откатом — переход
			// зафиксировал его исход, откатывать нечего
			log.Info().Str("session_id", session.ID).Msg("Сессия уже ушла из SUBMITTING, откат пропущен")
			return nil
		}
		return revertErr
	}

	// Интент больше не валиден — убираем из кеша (fail-closed для capture)
	if externalReference != nil {
		if err := w.intents.Delete(ctx, *externalReference); err != nil {
			log.Error().Err(err).
				Str("external_reference", *externalReference).
				Msg("Ошибка удаления интента зависшей сессии, истечёт по TTL")
		}
	}

	metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "timed_out").Inc()
	return nil
}
