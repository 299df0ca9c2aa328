// Package messages содержит общие типы сообщений асинхронных каналов платёжного сервиса.
// Канал компенсаций: платёжный сервис пишет команды через outbox, consumer удаляет
// осиротевшие квитанции. Канал верификации: внешняя админка публикует решения,
// платёжный сервис применяет их к сессиям.
// Единый источник правды для форматов — исключает рассинхронизацию между продюсером и консьюмером.
package messages

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Команды компенсации (Submission Orchestrator → Compensation Consumer)
// =============================================================================

// CompensationType — тип команды компенсации.
type CompensationType string

const (
	// CompensationDeleteArtifact — удалить загруженную квитанцию из хранилища.
	// Отправляется, когда коммит сессии провалился после успешной загрузки файла.
	CompensationDeleteArtifact CompensationType = "DELETE_ARTIFACT"
)

// CompensationCommand — команда компенсации, доставляемая через outbox → Kafka.
type CompensationCommand struct {
	SessionID  string           `json:"session_id"`  // ID платёжной сессии
	UserID     string           `json:"user_id"`     // ID пользователя
	Type       CompensationType `json:"type"`        // Тип компенсации
	ArtifactID string           `json:"artifact_id"` // ID квитанции в хранилище
	Reason     string           `json:"reason"`      // Причина компенсации (для аудита)
	Timestamp  time.Time        `json:"timestamp"`   // Время создания команды
}

// ToJSON сериализует команду в JSON.
func (c *CompensationCommand) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// CompensationFromJSON десериализует команду из JSON.
func CompensationFromJSON(data []byte) (*CompensationCommand, error) {
	var cmd CompensationCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// =============================================================================
// Решения верификации (Админка → Payments Service)
// =============================================================================

// DecisionType — решение администратора по заявке.
type DecisionType string

const (
	// DecisionApprove — оплата подтверждена.
	DecisionApprove DecisionType = "APPROVE"

	// DecisionReject — оплата отклонена (невалидная квитанция).
	DecisionReject DecisionType = "REJECT"

	// DecisionDelete — заявка удалена администратором.
	DecisionDelete DecisionType = "DELETE"
)

// VerificationDecision — решение админской верификации, публикуемое в Kafka.
type VerificationDecision struct {
	SessionID string       `json:"session_id"` // ID платёжной сессии
	Decision  DecisionType `json:"decision"`   // Решение
	AdminID   string       `json:"admin_id"`   // Кто принял решение
	Comment   string       `json:"comment,omitempty"`
	Timestamp time.Time    `json:"timestamp"` // Время решения
}

// ToJSON сериализует решение в JSON.
func (d *VerificationDecision) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// DecisionFromJSON десериализует решение из JSON.
func DecisionFromJSON(data []byte) (*VerificationDecision, error) {
	var dec VerificationDecision
	if err := json.Unmarshal(data, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}
