// Package repository содержит реализацию доступа к данным Payments Service.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/enrollment-payments/pkg/outbox"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// SessionRepository определяет интерфейс для работы с платёжными сессиями в БД.
type SessionRepository interface {
	// Create создаёт новую сессию. Возвращает domain.ErrActiveSessionExists,
	// если по паре (пользователь, позиция) уже есть активная сессия.
	Create(ctx context.Context, session *domain.PaymentSession) error

	// GetByID возвращает сессию по ID.
	GetByID(ctx context.Context, id string) (*domain.PaymentSession, error)

	// GetActiveForItem возвращает активную сессию пользователя по позиции.
	GetActiveForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*domain.PaymentSession, error)

	// GetByExternalReference возвращает сессию по ID платежа у redirect-процессора.
	GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentSession, error)

	// Update обновляет сессию.
	Update(ctx context.Context, session *domain.PaymentSession) error

	// UpdateIf обновляет сессию, только если её статус в БД ещё равен expected.
	// CAS для конкурирующих переходов статуса: из двух писателей фиксируется
	// ровно один, проигравший получает domain.ErrConcurrentUpdate.
	UpdateIf(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus) error

	// UpdateWithOutbox атомарно обновляет сессию и создаёт запись outbox,
	// с тем же CAS по expected, что и UpdateIf. Ключевой метод компенсации:
	// откат статуса и команда удаления квитанции либо фиксируются вместе,
	// либо не фиксируются вовсе.
	UpdateWithOutbox(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus, record *outbox.Outbox) error

	// Delete удаляет сессию. Используется только для брошенных черновиков:
	// подача ещё не происходила, хранить в истории нечего.
	Delete(ctx context.Context, id string) error

	// ListForItem возвращает все сессии пользователя по позиции (история подач).
	ListForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) ([]*domain.PaymentSession, error)

	// GetStuckSubmitting возвращает сессии, зависшие в SUBMITTING дольше указанного времени.
	GetStuckSubmitting(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.PaymentSession, error)

	// CountByStatus возвращает количество сессий в каждом неконечном статусе.
	// Используется для метрик.
	CountByStatus(ctx context.Context) (map[domain.SessionStatus]int64, error)
}

// =============================================================================
// GORM модель
// =============================================================================

// SessionModel — GORM модель для таблицы payment_sessions.
//
// Поле Active реализует инвариант "одна активная сессия на позицию":
// уникальный индекс (user_id, item_type, item_id, active), где active = 1
// для блокирующих статусов и NULL для терминальных провалов.
// NULL в MySQL не участвует в уникальности, поэтому история отклонённых
// заявок не мешает повторной подаче.
type SessionModel struct {
	ID                string    `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID            string    `gorm:"column:user_id;type:varchar(36);not null;uniqueIndex:idx_one_active_session;index"`
	ItemType          string    `gorm:"column:item_type;type:varchar(20);not null;uniqueIndex:idx_one_active_session"`
	ItemID            string    `gorm:"column:item_id;type:varchar(36);not null;uniqueIndex:idx_one_active_session"`
	Active            *bool     `gorm:"column:active;uniqueIndex:idx_one_active_session"`
	Method            string    `gorm:"column:method;type:varchar(30);not null"`
	Status            string    `gorm:"column:status;type:varchar(30);not null;index"`
	AmountMinor       int64     `gorm:"column:amount_minor;not null"`
	Currency          string    `gorm:"column:currency;type:varchar(3);not null"`
	ExternalReference *string   `gorm:"column:external_reference;type:varchar(100);index"`
	ArtifactID        *string   `gorm:"column:artifact_id;type:varchar(100)"`
	PayerDetails      []byte    `gorm:"column:payer_details;type:json"`
	FailureReason     *string   `gorm:"column:failure_reason;type:text"`
	ResubmissionOf    *string   `gorm:"column:resubmission_of;type:varchar(36)"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (SessionModel) TableName() string {
	return "payment_sessions"
}

// activeFlag возвращает значение колонки active для статуса.
func activeFlag(status domain.SessionStatus) *bool {
	if status.IsBlocking() {
		v := true
		return &v
	}
	return nil
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *SessionModel) toDomain() *domain.PaymentSession {
	s := &domain.PaymentSession{
		ID:                m.ID,
		UserID:            m.UserID,
		ItemType:          domain.ItemType(m.ItemType),
		ItemID:            m.ItemID,
		Method:            domain.Method(m.Method),
		Status:            domain.SessionStatus(m.Status),
		AmountMinor:       m.AmountMinor,
		Currency:          m.Currency,
		ExternalReference: m.ExternalReference,
		ArtifactID:        m.ArtifactID,
		FailureReason:     m.FailureReason,
		ResubmissionOf:    m.ResubmissionOf,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}

	// Десериализуем реквизиты плательщика из JSON
	if len(m.PayerDetails) > 0 {
		var details domain.PayerDetails
		if err := json.Unmarshal(m.PayerDetails, &details); err == nil {
			s.PayerDetails = &details
		}
	}

	return s
}

// sessionModelFromDomain конвертирует доменную сущность в GORM модель.
func sessionModelFromDomain(s *domain.PaymentSession) *SessionModel {
	model := &SessionModel{
		ID:                s.ID,
		UserID:            s.UserID,
		ItemType:          string(s.ItemType),
		ItemID:            s.ItemID,
		Active:            activeFlag(s.Status),
		Method:            string(s.Method),
		Status:            string(s.Status),
		AmountMinor:       s.AmountMinor,
		Currency:          s.Currency,
		ExternalReference: s.ExternalReference,
		ArtifactID:        s.ArtifactID,
		FailureReason:     s.FailureReason,
		ResubmissionOf:    s.ResubmissionOf,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}

	// Сериализуем реквизиты плательщика в JSON
	if s.PayerDetails != nil {
		if data, err := json.Marshal(s.PayerDetails); err == nil {
			model.PayerDetails = data
		}
	}

	return model
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// sessionRepository — GORM реализация SessionRepository.
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository создаёт новый репозиторий платёжных сессий.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Create создаёт новую сессию.
func (r *sessionRepository) Create(ctx context.Context, session *domain.PaymentSession) error {
	model := sessionModelFromDomain(session)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		// Дубликат уникального индекса — активная сессия уже есть
		if isDuplicateKeyError(err) {
			return domain.ErrActiveSessionExists
		}
		return err
	}

	// Обновляем timestamps в доменной сущности
	session.CreatedAt = model.CreatedAt
	session.UpdatedAt = model.UpdatedAt

	return nil
}

// GetByID возвращает сессию по ID.
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.PaymentSession, error) {
	var model SessionModel

	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// GetActiveForItem возвращает активную сессию пользователя по позиции.
func (r *sessionRepository) GetActiveForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*domain.PaymentSession, error) {
	var model SessionModel

	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND item_type = ? AND item_id = ? AND active = 1", userID, string(itemType), itemID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// GetByExternalReference возвращает сессию по ID платежа у redirect-процессора.
func (r *sessionRepository) GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentSession, error) {
	var model SessionModel

	if err := r.db.WithContext(ctx).
		Where("external_reference = ?", ref).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// sessionUpdateColumns собирает изменяемые колонки для Update.
func sessionUpdateColumns(model *SessionModel) map[string]interface{} {
	return map[string]interface{}{
		"status":             model.Status,
		"active":             model.Active,
		"amount_minor":       model.AmountMinor,
		"currency":           model.Currency,
		"external_reference": model.ExternalReference,
		"artifact_id":        model.ArtifactID,
		"payer_details":      model.PayerDetails,
		"failure_reason":     model.FailureReason,
		"updated_at":         model.UpdatedAt,
	}
}

// Update обновляет сессию.
func (r *sessionRepository) Update(ctx context.Context, session *domain.PaymentSession) error {
	model := sessionModelFromDomain(session)
	model.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", model.ID).
		Updates(sessionUpdateColumns(model))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return domain.ErrSessionNotFound
	}

	session.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateIf — условное обновление: строка меняется, только если её статус
// в БД ещё равен expected. Закрывает гонку timeout worker против capture:
// из двух конкурирующих переходов из SUBMITTING выигрывает один.
func (r *sessionRepository) UpdateIf(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus) error {
	model := sessionModelFromDomain(session)
	model.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", model.ID, string(expected)).
		Updates(sessionUpdateColumns(model))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}

	session.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateWithOutbox — атомарное обновление сессии и создание записи outbox.
// Решает проблему dual write: откат и команда компенсации в одной транзакции.
func (r *sessionRepository) UpdateWithOutbox(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus, record *outbox.Outbox) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := sessionModelFromDomain(session)
		model.UpdatedAt = time.Now()

		result := tx.Model(&SessionModel{}).
			Where("id = ? AND status = ?", model.ID, string(expected)).
			Updates(sessionUpdateColumns(model))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentUpdate
		}
		session.UpdatedAt = model.UpdatedAt

		if record != nil {
			outboxModel := outbox.ModelFromDomain(record)
			if err := tx.Create(outboxModel).Error; err != nil {
				return err
			}
			record.CreatedAt = outboxModel.CreatedAt
		}

		return nil
	})
}

// Delete удаляет сессию.
func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&SessionModel{})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// ListForItem возвращает все сессии пользователя по позиции, новые первыми.
func (r *sessionRepository) ListForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) ([]*domain.PaymentSession, error) {
	var models []SessionModel

	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, string(itemType), itemID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	sessions := make([]*domain.PaymentSession, 0, len(models))
	for i := range models {
		sessions = append(sessions, models[i].toDomain())
	}

	return sessions, nil
}

// GetStuckSubmitting возвращает сессии в статусе SUBMITTING старше указанного времени.
func (r *sessionRepository) GetStuckSubmitting(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.PaymentSession, error) {
	var models []SessionModel

	threshold := time.Now().Add(-olderThan)

	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.StatusSubmitting), threshold).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	sessions := make([]*domain.PaymentSession, 0, len(models))
	for i := range models {
		sessions = append(sessions, models[i].toDomain())
	}

	return sessions, nil
}

// CountByStatus возвращает количество сессий в каждом неконечном статусе.
func (r *sessionRepository) CountByStatus(ctx context.Context) (map[domain.SessionStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row

	if err := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Select("status, COUNT(*) AS count").
		Where("status IN ?", []string{
			string(domain.StatusDraft),
			string(domain.StatusSubmitting),
			string(domain.StatusPendingVerification),
		}).
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[domain.SessionStatus]int64, len(rows))
	for _, r := range rows {
		counts[domain.SessionStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
