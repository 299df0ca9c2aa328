package submission

import (
	"context"
	"fmt"

	"example.com/enrollment-payments/pkg/kafka"
	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/messages"
	"example.com/enrollment-payments/pkg/metrics"
)

// CompensationHandler исполняет команды компенсации из Kafka:
// удаляет осиротевшие квитанции из файлового хранилища.
//
// Обработка идемпотентна: удаление уже удалённой квитанции — успех,
// поэтому повторная доставка сообщения безопасна.
type CompensationHandler struct {
	artifacts ArtifactStore
}

// NewCompensationHandler создаёт обработчик команд компенсации.
func NewCompensationHandler(artifacts ArtifactStore) *CompensationHandler {
	return &CompensationHandler{artifacts: artifacts}
}

// Handle обрабатывает одно сообщение из топика компенсаций.
// Ошибка приводит к retry на стороне consumer и затем к DLQ.
func (h *CompensationHandler) Handle(ctx context.Context, msg *kafka.Message) error {
	log := logger.FromContext(ctx)

	cmd, err := messages.CompensationFromJSON(msg.Value)
	if err != nil {
		// Битое сообщение ретраить бессмысленно — сразу в DLQ
		log.Error().Err(err).Str("key", string(msg.Key)).Msg("Не удалось разобрать команду компенсации")
		return fmt.Errorf("ошибка разбора команды компенсации: %w", err)
	}

	switch cmd.Type {
	case messages.CompensationDeleteArtifact:
		return h.deleteArtifact(ctx, cmd)
	default:
		// Неизвестный тип — пропускаем, а не ретраим: новая версия сервиса
		// могла добавить тип, который эта нода ещё не знает.
		log.Warn().
			Str("type", string(cmd.Type)).
			Str("session_id", cmd.SessionID).
			Msg("Неизвестный тип команды компенсации, пропускаем")
		return nil
	}
}

// deleteArtifact удаляет квитанцию из хранилища.
func (h *CompensationHandler) deleteArtifact(ctx context.Context, cmd *messages.CompensationCommand) error {
	log := logger.FromContext(ctx)

	if cmd.ArtifactID == "" {
		log.Warn().Str("session_id", cmd.SessionID).Msg("Команда компенсации без artifact_id, пропускаем")
		return nil
	}

	if err := h.artifacts.Delete(ctx, cmd.ArtifactID); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Str("session_id", cmd.SessionID).
			Str("artifact_id", cmd.ArtifactID).
			Msg("Ошибка удаления квитанции, сообщение уйдёт в retry")
		return fmt.Errorf("ошибка удаления квитанции %s: %w", cmd.ArtifactID, err)
	}

	metrics.CompensationsTotal.WithLabelValues("executed").Inc()
	log.Info().
		Str("session_id", cmd.SessionID).
		Str("artifact_id", cmd.ArtifactID).
		Str("reason", cmd.Reason).
		Msg("Осиротевшая квитанция удалена из хранилища")

	return nil
}
