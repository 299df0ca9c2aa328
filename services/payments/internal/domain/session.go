// Package domain содержит бизнес-сущности и доменные ошибки Payments Service.
package domain

import (
	"strings"
	"time"
)

// SessionStatus — статус платёжной сессии.
type SessionStatus string

const (
	// StatusDraft — сессия создана, оплата ещё не отправлена.
	StatusDraft SessionStatus = "DRAFT"

	// StatusSubmitting — сабмит выполняется: файл загружается,
	// либо ожидается capture redirect-процессора.
	StatusSubmitting SessionStatus = "SUBMITTING"

	// StatusPendingVerification — заявка зафиксирована, ожидает проверки администратором.
	StatusPendingVerification SessionStatus = "PENDING_VERIFICATION"

	// StatusApproved — оплата подтверждена.
	StatusApproved SessionStatus = "APPROVED"

	// StatusRejected — оплата отклонена (процессором или администратором).
	StatusRejected SessionStatus = "REJECTED"

	// StatusDeletedByAdmin — заявка удалена администратором.
	StatusDeletedByAdmin SessionStatus = "DELETED_BY_ADMIN"
)

// IsTerminal возвращает true, если сессия в финальном состоянии.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusDeletedByAdmin
}

// IsBlocking возвращает true, если статус блокирует создание новой сессии
// по той же позиции. REJECTED и DELETED_BY_ADMIN не блокируют —
// пользователь может подать заявку заново.
func (s SessionStatus) IsBlocking() bool {
	switch s {
	case StatusDraft, StatusSubmitting, StatusPendingVerification, StatusApproved:
		return true
	default:
		return false
	}
}

// =============================================================================
// Допустимые переходы состояний (State Machine)
// =============================================================================

// allowedTransitions определяет валидные переходы статуса сессии.
// Возврат SUBMITTING → DRAFT — откат после компенсированного сбоя сабмита.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	StatusDraft: {StatusSubmitting},
	StatusSubmitting: {
		StatusPendingVerification, // ручной перевод зафиксирован
		StatusApproved,            // redirect-процессор подтвердил оплату
		StatusRejected,            // redirect-процессор отклонил оплату
		StatusDraft,               // сабмит провалился, компенсация выполнена
	},
	StatusPendingVerification: {StatusApproved, StatusRejected, StatusDeletedByAdmin},
	// APPROVED, REJECTED, DELETED_BY_ADMIN — терминальные состояния
}

// =============================================================================
// PaymentSession — доменная сущность
// =============================================================================

// PayerDetails — реквизиты плательщика для ручного банковского перевода.
type PayerDetails struct {
	FullName          string // ФИО плательщика
	AccountNumber     string // Номер счёта, с которого сделан перевод
	TransferReference string // Номер перевода в банке
	Phone             string // Контактный телефон
	Email             string // Контактный email
}

// Validate проверяет реквизиты плательщика.
func (d *PayerDetails) Validate() error {
	if strings.TrimSpace(d.FullName) == "" {
		return ErrInvalidFullName
	}
	if strings.TrimSpace(d.AccountNumber) == "" {
		return ErrInvalidAccountNumber
	}
	if strings.TrimSpace(d.TransferReference) == "" {
		return ErrInvalidTransferReference
	}
	if !validPhone(d.Phone) {
		return ErrInvalidPhone
	}
	if !validEmail(d.Email) {
		return ErrInvalidEmail
	}
	return nil
}

// validPhone проверяет телефон: только цифры, пробелы и ведущий "+", минимум 6 цифр.
func validPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return false
	}
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return digits >= 6
}

// validEmail делает минимальную проверку формата.
// Настоящая проверка — письмо с подтверждением на стороне сервиса пользователей.
func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

// PaymentSession — платёжная сессия по позиции каталога.
// Это доменная сущность без зависимостей от инфраструктуры (GORM, HTTP).
type PaymentSession struct {
	ID                string        // UUID сессии
	UserID            string        // ID пользователя
	ItemType          ItemType      // Тип позиции (course / program)
	ItemID            string        // ID позиции в каталоге
	Method            Method        // Выбранный метод оплаты
	Status            SessionStatus // Текущий статус
	AmountMinor       int64         // Зафиксированная цена в минимальных единицах
	Currency          string        // ISO 4217 код валюты
	ExternalReference *string       // ID платежа у redirect-процессора (nil для ручного перевода)
	ArtifactID        *string       // ID квитанции в хранилище (nil для redirect-процессора)
	PayerDetails      *PayerDetails // Реквизиты плательщика (ручной перевод)
	FailureReason     *string       // Причина отклонения (при REJECTED)
	ResubmissionOf    *string       // ID предыдущей сессии при повторной подаче
	CreatedAt         time.Time     // Дата создания
	UpdatedAt         time.Time     // Дата обновления
}

// CanTransitionTo проверяет, допустим ли переход в указанный статус.
func (s *PaymentSession) CanTransitionTo(newStatus SessionStatus) bool {
	allowed, ok := allowedTransitions[s.Status]
	if !ok {
		return false // Терминальное состояние
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход в новый статус.
func (s *PaymentSession) TransitionTo(newStatus SessionStatus) error {
	if !s.CanTransitionTo(newStatus) {
		return ErrInvalidTransition
	}
	s.Status = newStatus
	s.UpdatedAt = time.Now()
	return nil
}

// StartSubmission переводит сессию в SUBMITTING.
func (s *PaymentSession) StartSubmission() error {
	return s.TransitionTo(StatusSubmitting)
}

// CommitPending фиксирует заявку ручного перевода: квитанция загружена,
// реквизиты сохранены, заявка ждёт администратора.
func (s *PaymentSession) CommitPending(artifactID string, details PayerDetails) error {
	if err := s.TransitionTo(StatusPendingVerification); err != nil {
		return err
	}
	s.ArtifactID = &artifactID
	s.PayerDetails = &details
	return nil
}

// Approve подтверждает оплату.
func (s *PaymentSession) Approve() error {
	return s.TransitionTo(StatusApproved)
}

// Reject отклоняет оплату с указанием причины.
func (s *PaymentSession) Reject(reason string) error {
	if err := s.TransitionTo(StatusRejected); err != nil {
		return err
	}
	s.FailureReason = &reason
	return nil
}

// RevertToDraft откатывает сессию после компенсированного сбоя сабмита.
// Пользователь может попробовать снова без создания новой сессии.
func (s *PaymentSession) RevertToDraft() error {
	if err := s.TransitionTo(StatusDraft); err != nil {
		return err
	}
	s.ArtifactID = nil
	return nil
}

// DeleteByAdmin помечает заявку удалённой администратором.
func (s *PaymentSession) DeleteByAdmin() error {
	return s.TransitionTo(StatusDeletedByAdmin)
}

// Validate проверяет корректность полей сессии.
func (s *PaymentSession) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return ErrInvalidUserID
	}
	if !s.ItemType.Valid() {
		return ErrInvalidItemType
	}
	if strings.TrimSpace(s.ItemID) == "" {
		return ErrInvalidItemType
	}
	if !s.Method.Valid() {
		return ErrInvalidMethod
	}
	if s.AmountMinor < 0 {
		return ErrInvalidAmount
	}
	return nil
}
