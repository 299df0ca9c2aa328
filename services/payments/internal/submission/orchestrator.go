// Package submission реализует оркестрацию сабмита платёжной заявки.
//
// Два флоу:
//   - ручной перевод: валидация реквизитов → загрузка квитанции → фиксация заявки.
//     Если фиксация упала после загрузки, квитанция осиротела бы в хранилище —
//     оркестратор атомарно откатывает сессию и кладёт команду удаления в outbox.
//   - redirect-процессор: создание интента → редирект пользователя → capture.
//     Capture идемпотентен и fail-closed: без сохранённого интента платёж
//     не подтверждается, какие бы параметры ни пришли.
package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/enrollment-payments/pkg/kafka"
	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/pkg/messages"
	"example.com/enrollment-payments/pkg/metrics"
	"example.com/enrollment-payments/pkg/outbox"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/repository"
)

// ArtifactStore — хранилище квитанций.
type ArtifactStore interface {
	Upload(ctx context.Context, upload clients.ArtifactUpload) (string, error)
	Delete(ctx context.Context, artifactID string) error
}

// Processor — внешний платёжный процессор с redirect-флоу.
type Processor interface {
	CreateIntent(ctx context.Context, req clients.IntentRequest) (*clients.Intent, error)
	Capture(ctx context.Context, externalReference string) (*clients.CaptureResult, error)
}

// Config — настройки оркестратора.
type Config struct {
	MaxProofSize int64  // Максимальный размер квитанции в байтах
	ReturnURL    string // Адрес возврата пользователя после оплаты
	CancelURL    string // Адрес возврата при отмене оплаты
}

// Orchestrator координирует сабмит платёжной заявки.
type Orchestrator struct {
	sessions  repository.SessionRepository
	artifacts ArtifactStore
	processor Processor
	locks     *SubmitLock
	intents   *IntentCache
	captures  *CaptureGuard
	cfg       Config
}

// NewOrchestrator создаёт оркестратор сабмитов.
func NewOrchestrator(
	sessions repository.SessionRepository,
	artifacts ArtifactStore,
	processor Processor,
	locks *SubmitLock,
	intents *IntentCache,
	captures *CaptureGuard,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		artifacts: artifacts,
		processor: processor,
		locks:     locks,
		intents:   intents,
		captures:  captures,
		cfg:       cfg,
	}
}

// =============================================================================
// Ручной банковский перевод
// =============================================================================

// validateProof проверяет файл квитанции.
func (o *Orchestrator) validateProof(upload clients.ArtifactUpload) error {
	if len(upload.Data) == 0 {
		return domain.ErrMissingProof
	}
	if !domain.ValidProofMIMEType(upload.ContentType) {
		return domain.ErrInvalidProofType
	}
	if int64(len(upload.Data)) > o.cfg.MaxProofSize {
		return domain.ErrProofTooLarge
	}
	return nil
}

// SubmitManual выполняет сабмит заявки с ручным переводом:
// загружает квитанцию и фиксирует заявку на проверку администратором.
func (o *Orchestrator) SubmitManual(
	ctx context.Context,
	session *domain.PaymentSession,
	upload clients.ArtifactUpload,
	details domain.PayerDetails,
) error {
	log := logger.FromContext(ctx)

	if err := details.Validate(); err != nil {
		return err
	}
	if err := o.validateProof(upload); err != nil {
		return err
	}

	// Защита от конкурентного сабмита по той же позиции
	acquired, err := o.locks.Acquire(ctx, session.UserID, string(session.ItemType), session.ItemID)
	if err != nil {
		return fmt.Errorf("ошибка блокировки сабмита: %w", err)
	}
	if !acquired {
		return domain.ErrSubmissionInFlight
	}
	defer func() {
		_ = o.locks.Release(ctx, session.UserID, string(session.ItemType), session.ItemID)
	}()

	// DRAFT → SUBMITTING фиксируем в БД до загрузки файла:
	// зависший сабмит подберёт timeout worker. Условное обновление —
	// конкурирующий переход не перезатирается.
	if err := session.StartSubmission(); err != nil {
		return err
	}
	if err := o.sessions.UpdateIf(ctx, session, domain.StatusDraft); err != nil {
		return fmt.Errorf("ошибка перевода сессии в SUBMITTING: %w", err)
	}

	artifactID, err := o.artifacts.Upload(ctx, upload)
	if err != nil {
		// Файл не загрузился — компенсировать нечего, просто откатываем статус
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка загрузки квитанции")
		o.revertToDraft(ctx, session)
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "upload_failed").Inc()
		return fmt.Errorf("ошибка загрузки квитанции: %w", err)
	}

	// ID квитанции фиксируем на строке ещё в SUBMITTING: упади процесс
	// до коммита, timeout worker найдёт ID в БД и удалит файл через outbox.
	session.ArtifactID = &artifactID
	if err := o.sessions.UpdateIf(ctx, session, domain.StatusSubmitting); err != nil {
		log.Error().Err(err).
			Str("session_id", session.ID).
			Str("artifact_id", artifactID).
			Msg("ID квитанции не записан, компенсируем")
		o.compensateFailedCommit(ctx, session, artifactID, "artifact persist failed: "+err.Error())
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "commit_failed").Inc()
		return fmt.Errorf("ошибка сохранения квитанции: %w", err)
	}

	if err := session.CommitPending(artifactID, details); err != nil {
		// Статус ушёл из SUBMITTING, пока грузился файл — квитанция осиротела
		session.ArtifactID = nil
		o.scheduleArtifactCleanup(ctx, session, artifactID, "commit rejected: "+err.Error())
		return err
	}

	if err := o.sessions.UpdateIf(ctx, session, domain.StatusSubmitting); err != nil {
		// Ключевой сценарий компенсации: файл в хранилище, фиксация провалилась.
		log.Error().Err(err).
			Str("session_id", session.ID).
			Str("artifact_id", artifactID).
			Msg("Фиксация заявки провалилась после загрузки квитанции, компенсируем")
		o.compensateFailedCommit(ctx, session, artifactID, "commit failed: "+err.Error())
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "commit_failed").Inc()
		return fmt.Errorf("ошибка фиксации заявки: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "pending_verification").Inc()
	log.Info().
		Str("session_id", session.ID).
		Str("artifact_id", artifactID).
		Msg("Заявка с ручным переводом зафиксирована, ожидает проверки")

	return nil
}

// revertToDraft откатывает сессию в DRAFT без компенсации.
func (o *Orchestrator) revertToDraft(ctx context.Context, session *domain.PaymentSession) {
	if err := session.RevertToDraft(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("session_id", session.ID).Msg("Ошибка отката сессии в DRAFT")
		return
	}
	if err := o.sessions.UpdateIf(ctx, session, domain.StatusSubmitting); err != nil {
		// Сессия останется в SUBMITTING — её подберёт timeout worker
		logger.Ctx(ctx).Error().Err(err).Str("session_id", session.ID).Msg("Ошибка сохранения отката в DRAFT")
	}
}

// compensateFailedCommit атомарно откатывает сессию в DRAFT и кладёт в outbox
// команду удаления квитанции. Либо фиксируются оба изменения, либо ни одного —
// повтор запроса не создаст дубликат компенсации.
func (o *Orchestrator) compensateFailedCommit(ctx context.Context, session *domain.PaymentSession, artifactID, reason string) {
	log := logger.FromContext(ctx)

	// Восстанавливаем SUBMITTING: в памяти сессия уже PENDING_VERIFICATION,
	// а переход PENDING_VERIFICATION → DRAFT запрещён.
	session.Status = domain.StatusSubmitting
	if err := session.RevertToDraft(); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка отката сессии при компенсации")
		return
	}
	session.PayerDetails = nil

	record, err := BuildArtifactCleanup(ctx, session, artifactID, reason)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка сборки команды компенсации")
		return
	}

	if err := o.sessions.UpdateWithOutbox(ctx, session, domain.StatusSubmitting, record); err != nil {
		// Сессия осталась в SUBMITTING в БД — timeout worker повторит компенсацию
		log.Error().Err(err).
			Str("session_id", session.ID).
			Str("artifact_id", artifactID).
			Msg("Ошибка атомарной компенсации, сессию подберёт timeout worker")
		metrics.CompensationsTotal.WithLabelValues("schedule_failed").Inc()
		return
	}

	metrics.CompensationsTotal.WithLabelValues("scheduled").Inc()
	log.Info().
		Str("session_id", session.ID).
		Str("artifact_id", artifactID).
		Msg("Компенсация запланирована: сессия в DRAFT, команда удаления в outbox")
}

// scheduleArtifactCleanup кладёт команду удаления квитанции в outbox,
// не трогая статус сессии.
func (o *Orchestrator) scheduleArtifactCleanup(ctx context.Context, session *domain.PaymentSession, artifactID, reason string) {
	log := logger.FromContext(ctx)

	record, err := BuildArtifactCleanup(ctx, session, artifactID, reason)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка сборки команды удаления квитанции")
		return
	}

	if err := o.sessions.UpdateWithOutbox(ctx, session, session.Status, record); err != nil {
		log.Error().Err(err).
			Str("session_id", session.ID).
			Str("artifact_id", artifactID).
			Msg("Ошибка постановки удаления квитанции в outbox")
		metrics.CompensationsTotal.WithLabelValues("schedule_failed").Inc()
		return
	}

	metrics.CompensationsTotal.WithLabelValues("scheduled").Inc()
}

// BuildArtifactCleanup собирает outbox запись с командой удаления квитанции.
// Запись НЕ сохраняется — сохранение идёт в одной транзакции с обновлением сессии.
func BuildArtifactCleanup(ctx context.Context, session *domain.PaymentSession, artifactID, reason string) (*outbox.Outbox, error) {
	cmd := &messages.CompensationCommand{
		SessionID:  session.ID,
		UserID:     session.UserID,
		Type:       messages.CompensationDeleteArtifact,
		ArtifactID: artifactID,
		Reason:     reason,
		Timestamp:  time.Now(),
	}

	payload, err := cmd.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации команды компенсации: %w", err)
	}

	return &outbox.Outbox{
		ID:            uuid.New().String(),
		AggregateType: "payment_session",
		AggregateID:   session.ID,
		EventType:     "compensation.delete_artifact",
		Topic:         kafka.TopicCompensations,
		MessageKey:    session.ID,
		Payload:       payload,
		Headers: map[string]string{
			kafka.HeaderTraceID:       kafka.TraceIDFromContext(ctx),
			kafka.HeaderCorrelationID: kafka.CorrelationIDFromContext(ctx),
		},
	}, nil
}

// =============================================================================
// Redirect-процессор
// =============================================================================

// CreateIntent создаёт платёж у redirect-процессора и сохраняет интент в Redis.
// Сессия переходит в SUBMITTING; результат придёт capture-запросом.
func (o *Orchestrator) CreateIntent(ctx context.Context, session *domain.PaymentSession, description string) (*clients.Intent, error) {
	log := logger.FromContext(ctx)

	acquired, err := o.locks.Acquire(ctx, session.UserID, string(session.ItemType), session.ItemID)
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки сабмита: %w", err)
	}
	if !acquired {
		return nil, domain.ErrSubmissionInFlight
	}
	defer func() {
		_ = o.locks.Release(ctx, session.UserID, string(session.ItemType), session.ItemID)
	}()

	if err := session.StartSubmission(); err != nil {
		return nil, err
	}
	if err := o.sessions.UpdateIf(ctx, session, domain.StatusDraft); err != nil {
		return nil, fmt.Errorf("ошибка перевода сессии в SUBMITTING: %w", err)
	}

	intent, err := o.processor.CreateIntent(ctx, clients.IntentRequest{
		AmountMinor: session.AmountMinor,
		Currency:    session.Currency,
		Description: description,
		ReturnURL:   o.cfg.ReturnURL,
		CancelURL:   o.cfg.CancelURL,
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка создания интента у процессора")
		o.revertToDraft(ctx, session)
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "intent_failed").Inc()
		return nil, fmt.Errorf("ошибка создания платежа: %w", err)
	}

	session.ExternalReference = &intent.ExternalReference
	if err := o.sessions.UpdateIf(ctx, session, domain.StatusSubmitting); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка сохранения external reference")
		return nil, fmt.Errorf("ошибка сохранения платежа: %w", err)
	}

	stored := &StoredIntent{
		SessionID:         session.ID,
		ExternalReference: intent.ExternalReference,
		AmountMinor:       session.AmountMinor,
		Currency:          session.Currency,
		CreatedAt:         time.Now(),
	}
	if err := o.intents.Save(ctx, stored); err != nil {
		// Без интента в кеше capture будет отклонён — сабмит бессмысленен
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка кеширования интента")
		o.revertToDraft(ctx, session)
		return nil, fmt.Errorf("ошибка сохранения интента: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "intent_created").Inc()
	log.Info().
		Str("session_id", session.ID).
		Str("external_reference", intent.ExternalReference).
		Msg("Интент создан, пользователь уходит на страницу процессора")

	return intent, nil
}

// Capture подтверждает платёж после возврата пользователя от процессора.
//
// Fail-closed: платёж без сохранённого интента отклоняется — истёкший TTL,
// неизвестный reference и повторное использование выглядят одинаково.
// Идемпотентность: SETNX-маркер отсекает конкурентные повторы, терминальный
// статус сессии — повторы после рестарта Redis.
func (o *Orchestrator) Capture(ctx context.Context, externalReference string) (*domain.PaymentSession, error) {
	log := logger.FromContext(ctx)

	intent, err := o.intents.Get(ctx, externalReference)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения интента: %w", err)
	}
	if intent == nil {
		log.Warn().
			Str("external_reference", externalReference).
			Msg("Capture без сохранённого интента — отклоняем")
		metrics.CapturesTotal.WithLabelValues("unknown_intent").Inc()
		return nil, domain.ErrInvalidPaymentParams
	}

	marked, err := o.captures.TryMark(ctx, externalReference)
	if err != nil {
		return nil, fmt.Errorf("ошибка маркера идемпотентности: %w", err)
	}
	if !marked {
		metrics.CapturesTotal.WithLabelValues("duplicate").Inc()
		return nil, domain.ErrDuplicateCapture
	}

	session, err := o.sessions.GetByID(ctx, intent.SessionID)
	if err != nil {
		_ = o.captures.Unmark(ctx, externalReference)
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}

	if session.Status.IsTerminal() {
		metrics.CapturesTotal.WithLabelValues("duplicate").Inc()
		return nil, domain.ErrDuplicateCapture
	}

	result, err := o.processor.Capture(ctx, externalReference)
	if err != nil {
		// Не дошли до результата — снимаем маркер, capture можно повторить
		_ = o.captures.Unmark(ctx, externalReference)
		log.Error().Err(err).Str("external_reference", externalReference).Msg("Ошибка capture у процессора")
		metrics.CapturesTotal.WithLabelValues("processor_error").Inc()
		return nil, err
	}

	prior := session.Status
	if result.Completed() {
		err = session.Approve()
	} else {
		reason := "платёж отклонён процессором"
		if result.Reason != nil {
			reason = *result.Reason
		}
		err = session.Reject(reason)
	}
	if err != nil {
		_ = o.captures.Unmark(ctx, externalReference)
		return nil, err
	}

	// Условная запись: если timeout worker успел откатить сессию в DRAFT,
	// результат capture не перезатирает его переход.
	if err := o.sessions.UpdateIf(ctx, session, prior); err != nil {
		_ = o.captures.Unmark(ctx, externalReference)
		return nil, fmt.Errorf("ошибка сохранения результата capture: %w", err)
	}

	// Интент использован — повторный capture отклонится как unknown_intent
	_ = o.intents.Delete(ctx, externalReference)

	if session.Status == domain.StatusApproved {
		metrics.CapturesTotal.WithLabelValues("approved").Inc()
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "approved").Inc()
	} else {
		metrics.CapturesTotal.WithLabelValues("declined").Inc()
		metrics.SubmissionsTotal.WithLabelValues(string(session.Method), "rejected").Inc()
	}

	log.Info().
		Str("session_id", session.ID).
		Str("external_reference", externalReference).
		Str("status", string(session.Status)).
		Msg("Capture обработан")

	return session, nil
}
