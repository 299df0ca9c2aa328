// Package tracker отвечает на вопрос "что с моей оплатой": текущий статус
// платёжной сессии по позиции и история подач. Также публикует gauge-метрику
// количества сессий по неконечным статусам.
package tracker

import (
	"context"
	"errors"
	"time"

	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/metrics"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/repository"
)

// Tracker предоставляет чтение состояния платёжных сессий.
type Tracker struct {
	sessions repository.SessionRepository
}

// New создаёт Tracker.
func New(sessions repository.SessionRepository) *Tracker {
	return &Tracker{sessions: sessions}
}

// Status возвращает актуальную сессию пользователя по позиции:
// активную, а если активной нет — последнюю по времени создания
// (отклонённую или удалённую). ErrSessionNotFound — подач не было вовсе.
func (t *Tracker) Status(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*domain.PaymentSession, error) {
	session, err := t.sessions.GetActiveForItem(ctx, userID, itemType, itemID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	history, err := t.sessions.ListForItem(ctx, userID, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	// История отсортирована новыми вперёд
	return history[0], nil
}

// History возвращает все сессии пользователя по позиции, новые первыми.
func (t *Tracker) History(ctx context.Context, userID string, itemType domain.ItemType, itemID string) ([]*domain.PaymentSession, error) {
	return t.sessions.ListForItem(ctx, userID, itemType, itemID)
}

// =============================================================================
// Gauge активных сессий
// =============================================================================

// nonTerminalStatuses — статусы, публикуемые в gauge.
var nonTerminalStatuses = []domain.SessionStatus{
	domain.StatusDraft,
	domain.StatusSubmitting,
	domain.StatusPendingVerification,
}

// UpdateGauge один раз пересчитывает gauge активных сессий.
func (t *Tracker) UpdateGauge(ctx context.Context) error {
	counts, err := t.sessions.CountByStatus(ctx)
	if err != nil {
		return err
	}

	// Обнуляем отсутствующие статусы, иначе gauge залипнет на старом значении
	for _, status := range nonTerminalStatuses {
		metrics.ActiveSessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	return nil
}

// RunGaugeUpdater периодически пересчитывает gauge активных сессий.
// Блокирует выполнение до отмены контекста.
func (t *Tracker) RunGaugeUpdater(ctx context.Context, interval time.Duration) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", interval).Msg("Запуск обновления gauge активных сессий")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка обновления gauge активных сессий")
			return
		case <-ticker.C:
			if err := t.UpdateGauge(ctx); err != nil {
				log.Error().Err(err).Msg("Ошибка пересчёта gauge активных сессий")
			}
		}
	}
}
