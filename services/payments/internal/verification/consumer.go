// Package verification применяет решения админской проверки заявок.
// Внешняя админка публикует решения в Kafka; обработчик переводит сессии
// в APPROVED / REJECTED / DELETED_BY_ADMIN. При отклонении и удалении заявки
// квитанция убирается из хранилища через outbox, как и при компенсации сабмита.
package verification

import (
	"context"
	"errors"
	"fmt"

	"example.com/enrollment-payments/pkg/kafka"
	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/messages"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/repository"
	"example.com/enrollment-payments/services/payments/internal/submission"
)

// Handler обрабатывает решения верификации из Kafka.
type Handler struct {
	sessions repository.SessionRepository
}

// NewHandler создаёт обработчик решений верификации.
func NewHandler(sessions repository.SessionRepository) *Handler {
	return &Handler{sessions: sessions}
}

// Handle обрабатывает одно решение администратора.
//
// Идемпотентность: решение по сессии, уже ушедшей в терминальный статус,
// пропускается без ошибки — Kafka может доставить сообщение повторно.
func (h *Handler) Handle(ctx context.Context, msg *kafka.Message) error {
	log := logger.FromContext(ctx)

	decision, err := messages.DecisionFromJSON(msg.Value)
	if err != nil {
		log.Error().Err(err).Str("key", string(msg.Key)).Msg("Не удалось разобрать решение верификации")
		return fmt.Errorf("ошибка разбора решения верификации: %w", err)
	}

	session, err := h.sessions.GetByID(ctx, decision.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Сессии нет — ретраить бессмысленно
			log.Warn().Str("session_id", decision.SessionID).Msg("Решение по несуществующей сессии, пропускаем")
			return nil
		}
		return fmt.Errorf("ошибка получения сессии: %w", err)
	}

	if session.Status.IsTerminal() {
		log.Info().
			Str("session_id", session.ID).
			Str("status", string(session.Status)).
			Str("decision", string(decision.Decision)).
			Msg("Сессия уже в терминальном статусе, решение пропущено")
		return nil
	}

	switch decision.Decision {
	case messages.DecisionApprove:
		return h.approve(ctx, session, decision)
	case messages.DecisionReject:
		return h.reject(ctx, session, decision)
	case messages.DecisionDelete:
		return h.deleteByAdmin(ctx, session, decision)
	default:
		log.Warn().
			Str("decision", string(decision.Decision)).
			Str("session_id", session.ID).
			Msg("Неизвестное решение верификации, пропускаем")
		return nil
	}
}

// approve подтверждает оплату.
func (h *Handler) approve(ctx context.Context, session *domain.PaymentSession, decision *messages.VerificationDecision) error {
	prior := session.Status
	if err := session.Approve(); err != nil {
		return fmt.Errorf("сессия %s: %w", session.ID, err)
	}
	// CAS по прежнему статусу: конкурирующее решение уйдёт в retry
	// и при повторе увидит терминальный статус
	if err := h.sessions.UpdateIf(ctx, session, prior); err != nil {
		return fmt.Errorf("ошибка сохранения подтверждения: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("session_id", session.ID).
		Str("admin_id", decision.AdminID).
		Msg("Оплата подтверждена администратором")
	return nil
}

// reject отклоняет оплату. Квитанция отклонённой заявки удаляется из
// хранилища — команда встаёт в outbox в одной транзакции со статусом.
func (h *Handler) reject(ctx context.Context, session *domain.PaymentSession, decision *messages.VerificationDecision) error {
	reason := decision.Comment
	if reason == "" {
		reason = "заявка отклонена администратором"
	}

	artifactID := session.ArtifactID
	prior := session.Status

	if err := session.Reject(reason); err != nil {
		return fmt.Errorf("сессия %s: %w", session.ID, err)
	}

	if artifactID == nil {
		if err := h.sessions.UpdateIf(ctx, session, prior); err != nil {
			return fmt.Errorf("ошибка сохранения отклонения: %w", err)
		}
	} else {
		session.ArtifactID = nil
		record, err := submission.BuildArtifactCleanup(ctx, session, *artifactID,
			"application rejected by admin "+decision.AdminID)
		if err != nil {
			return fmt.Errorf("ошибка сборки команды удаления квитанции: %w", err)
		}
		if err := h.sessions.UpdateWithOutbox(ctx, session, prior, record); err != nil {
			return fmt.Errorf("ошибка сохранения отклонения с компенсацией: %w", err)
		}
	}

	logger.Ctx(ctx).Info().
		Str("session_id", session.ID).
		Str("admin_id", decision.AdminID).
		Str("reason", reason).
		Bool("artifact_cleanup", artifactID != nil).
		Msg("Оплата отклонена администратором")
	return nil
}

// deleteByAdmin удаляет заявку. Квитанция удалённой заявки никому не нужна —
// команда удаления встаёт в outbox в той же транзакции.
func (h *Handler) deleteByAdmin(ctx context.Context, session *domain.PaymentSession, decision *messages.VerificationDecision) error {
	log := logger.FromContext(ctx)

	artifactID := session.ArtifactID
	prior := session.Status

	if err := session.DeleteByAdmin(); err != nil {
		return fmt.Errorf("сессия %s: %w", session.ID, err)
	}

	if artifactID == nil {
		if err := h.sessions.UpdateIf(ctx, session, prior); err != nil {
			return fmt.Errorf("ошибка сохранения удаления: %w", err)
		}
	} else {
		session.ArtifactID = nil
		record, err := submission.BuildArtifactCleanup(ctx, session, *artifactID,
			"application deleted by admin "+decision.AdminID)
		if err != nil {
			return fmt.Errorf("ошибка сборки команды удаления квитанции: %w", err)
		}
		if err := h.sessions.UpdateWithOutbox(ctx, session, prior, record); err != nil {
			return fmt.Errorf("ошибка сохранения удаления с компенсацией: %w", err)
		}
	}

	log.Info().
		Str("session_id", session.ID).
		Str("admin_id", decision.AdminID).
		Bool("artifact_cleanup", artifactID != nil).
		Msg("Заявка удалена администратором")
	return nil
}
