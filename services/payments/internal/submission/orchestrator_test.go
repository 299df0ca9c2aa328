// Package submission содержит unit тесты оркестратора сабмитов.
package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/enrollment-payments/pkg/messages"
	"example.com/enrollment-payments/pkg/outbox"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// =============================================================================
// Инфраструктура тестов
// =============================================================================

// testEnv — собранный оркестратор с моками и miniredis.
type testEnv struct {
	orch      *Orchestrator
	sessions  *MockSessionRepository
	artifacts *MockArtifactStore
	processor *MockProcessor
	redis     *miniredis.Miniredis
	intents   *IntentCache
	captures  *CaptureGuard
}

func setupOrchestrator(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sessions := new(MockSessionRepository)
	artifacts := new(MockArtifactStore)
	processor := new(MockProcessor)

	intents := NewIntentCache(client, time.Hour)
	captures := NewCaptureGuard(client)

	orch := NewOrchestrator(
		sessions,
		artifacts,
		processor,
		NewSubmitLock(client, 30*time.Second),
		intents,
		captures,
		Config{
			MaxProofSize: 5 * 1024 * 1024,
			ReturnURL:    "http://localhost:3000/payment/return",
			CancelURL:    "http://localhost:3000/payment/cancel",
		},
	)

	return &testEnv{
		orch:      orch,
		sessions:  sessions,
		artifacts: artifacts,
		processor: processor,
		redis:     mr,
		intents:   intents,
		captures:  captures,
	}
}

// draftSession создаёт сессию в DRAFT для тестов.
func draftSession(method domain.Method) *domain.PaymentSession {
	return &domain.PaymentSession{
		ID:          "session-1",
		UserID:      "user-1",
		ItemType:    domain.ItemTypeCourse,
		ItemID:      "course-101",
		Method:      method,
		Status:      domain.StatusDraft,
		AmountMinor: 250000,
		Currency:    "RUB",
	}
}

// validDetails возвращает валидные реквизиты плательщика.
func validDetails() domain.PayerDetails {
	return domain.PayerDetails{
		FullName:          "Иванов Иван Иванович",
		AccountNumber:     "40817810000000000001",
		TransferReference: "TRF-42",
		Phone:             "+7 900 123 45 67",
		Email:             "ivanov@example.com",
	}
}

// validUpload возвращает валидную квитанцию.
func validUpload() clients.ArtifactUpload {
	return clients.ArtifactUpload{
		FileName:    "receipt.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 test receipt"),
	}
}

// =============================================================================
// Тесты SubmitManual
// =============================================================================

func TestSubmitManual_Success(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)

	// SUBMITTING, затем запись ID квитанции и фиксация PENDING_VERIFICATION
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil).Twice()
	env.artifacts.On("Upload", mock.Anything, mock.Anything).Return("artifact-77", nil)

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, session.Status)
	require.NotNil(t, session.ArtifactID)
	assert.Equal(t, "artifact-77", *session.ArtifactID)
	require.NotNil(t, session.PayerDetails)
	assert.Equal(t, "Иванов Иван Иванович", session.PayerDetails.FullName)

	// Блокировка освобождена
	assert.False(t, env.redis.Exists(lockKey("user-1", "course", "course-101")))

	env.sessions.AssertExpectations(t)
	env.artifacts.AssertExpectations(t)
}

func TestSubmitManual_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		upload      clients.ArtifactUpload
		details     domain.PayerDetails
		expectedErr error
	}{
		{
			name:        "пустые реквизиты",
			upload:      validUpload(),
			details:     domain.PayerDetails{},
			expectedErr: domain.ErrInvalidFullName,
		},
		{
			name: "квитанция не приложена",
			upload: clients.ArtifactUpload{
				FileName:    "receipt.pdf",
				ContentType: "application/pdf",
			},
			details:     validDetails(),
			expectedErr: domain.ErrMissingProof,
		},
		{
			name: "недопустимый тип файла",
			upload: clients.ArtifactUpload{
				FileName:    "receipt.exe",
				ContentType: "application/octet-stream",
				Data:        []byte{0x4D, 0x5A},
			},
			details:     validDetails(),
			expectedErr: domain.ErrInvalidProofType,
		},
		{
			name: "файл слишком большой",
			upload: clients.ArtifactUpload{
				FileName:    "receipt.png",
				ContentType: "image/png",
				Data:        make([]byte, 6*1024*1024),
			},
			details:     validDetails(),
			expectedErr: domain.ErrProofTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupOrchestrator(t)
			session := draftSession(domain.MethodManualTransfer)

			err := env.orch.SubmitManual(context.Background(), session, tt.upload, tt.details)

			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, domain.StatusDraft, session.Status, "сессия не должна менять статус")
			env.sessions.AssertNotCalled(t, "UpdateIf")
			env.artifacts.AssertNotCalled(t, "Upload")
		})
	}
}

func TestSubmitManual_ConcurrentSubmission(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)

	// Первый сабмит держит блокировку
	require.NoError(t, env.redis.Set(lockKey("user-1", "course", "course-101"), "1"))

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)
	env.sessions.AssertNotCalled(t, "UpdateIf")
}

func TestSubmitManual_NotDraft(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)
	session.Status = domain.StatusPendingVerification

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	env.sessions.AssertNotCalled(t, "UpdateIf")
}

func TestSubmitManual_UploadFailed(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)

	// SUBMITTING фиксируется, затем откат в DRAFT
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil).Once()
	env.artifacts.On("Upload", mock.Anything, mock.Anything).Return("", errors.New("хранилище недоступно"))

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	require.Error(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status, "после неудачной загрузки сессия возвращается в DRAFT")
	assert.Nil(t, session.ArtifactID)

	// Компенсация не нужна — файл не загрузился
	env.sessions.AssertNotCalled(t, "UpdateWithOutbox")
	env.sessions.AssertExpectations(t)
}

func TestSubmitManual_CommitFailed_CompensationScheduled(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)

	// SUBMITTING и запись ID квитанции проходят, фиксация PENDING_VERIFICATION падает
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.artifacts.On("Upload", mock.Anything, mock.Anything).Return("artifact-77", nil)
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(errors.New("deadlock")).Once()

	// Компенсация: откат в DRAFT + команда удаления квитанции, атомарно
	var compensation *outbox.Outbox
	env.sessions.On("UpdateWithOutbox", mock.Anything, session, domain.StatusSubmitting, mock.Anything).
		Run(func(args mock.Arguments) {
			compensation = args.Get(3).(*outbox.Outbox)
		}).
		Return(nil).Once()

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	require.Error(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status)
	assert.Nil(t, session.ArtifactID, "ID квитанции очищен при откате")
	assert.Nil(t, session.PayerDetails)

	// Ровно одна команда компенсации с правильной квитанцией
	require.NotNil(t, compensation)
	assert.Equal(t, "payments.compensations", compensation.Topic)
	assert.Equal(t, session.ID, compensation.AggregateID)

	cmd, err := messages.CompensationFromJSON(compensation.Payload)
	require.NoError(t, err)
	assert.Equal(t, messages.CompensationDeleteArtifact, cmd.Type)
	assert.Equal(t, "artifact-77", cmd.ArtifactID)
	assert.Equal(t, session.ID, cmd.SessionID)

	env.sessions.AssertExpectations(t)
	env.sessions.AssertNumberOfCalls(t, "UpdateWithOutbox", 1)
}

func TestSubmitManual_ArtifactPersistFailed_CompensationScheduled(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodManualTransfer)

	// Переход в SUBMITTING проходит, запись ID квитанции на строку падает
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.artifacts.On("Upload", mock.Anything, mock.Anything).Return("artifact-77", nil)
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).
		Return(errors.New("connection reset")).Once()

	var compensation *outbox.Outbox
	env.sessions.On("UpdateWithOutbox", mock.Anything, session, domain.StatusSubmitting, mock.Anything).
		Run(func(args mock.Arguments) {
			compensation = args.Get(3).(*outbox.Outbox)
		}).
		Return(nil).Once()

	err := env.orch.SubmitManual(context.Background(), session, validUpload(), validDetails())

	require.Error(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status)
	assert.Nil(t, session.ArtifactID)

	// Квитанция уже в хранилище — команда удаления встала в outbox
	require.NotNil(t, compensation)
	cmd, err := messages.CompensationFromJSON(compensation.Payload)
	require.NoError(t, err)
	assert.Equal(t, messages.CompensationDeleteArtifact, cmd.Type)
	assert.Equal(t, "artifact-77", cmd.ArtifactID)

	env.sessions.AssertExpectations(t)
}

// =============================================================================
// Тесты CreateIntent
// =============================================================================

func TestCreateIntent_Success(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodRedirectProcessor)

	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil).Once()
	env.processor.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req clients.IntentRequest) bool {
		return req.AmountMinor == 250000 && req.Currency == "RUB"
	})).Return(&clients.Intent{
		ExternalReference: "PAY-9XY",
		RedirectURL:       "https://processor.example.com/checkout/PAY-9XY",
	}, nil)

	intent, err := env.orch.CreateIntent(context.Background(), session, "Оплата курса course-101")

	require.NoError(t, err)
	assert.Equal(t, "PAY-9XY", intent.ExternalReference)
	assert.Equal(t, domain.StatusSubmitting, session.Status)
	require.NotNil(t, session.ExternalReference)
	assert.Equal(t, "PAY-9XY", *session.ExternalReference)

	// Интент закеширован для будущего capture
	stored, err := env.intents.Get(context.Background(), "PAY-9XY")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, session.ID, stored.SessionID)
	assert.Equal(t, int64(250000), stored.AmountMinor)

	env.sessions.AssertExpectations(t)
	env.processor.AssertExpectations(t)
}

func TestCreateIntent_ProcessorFailed(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodRedirectProcessor)

	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusDraft).Return(nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil).Once()
	env.processor.On("CreateIntent", mock.Anything, mock.Anything).
		Return(nil, errors.New("процессор недоступен"))

	_, err := env.orch.CreateIntent(context.Background(), session, "Оплата курса")

	require.Error(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status, "откат в DRAFT после ошибки процессора")
	env.sessions.AssertExpectations(t)
}

func TestCreateIntent_ConcurrentSubmission(t *testing.T) {
	env := setupOrchestrator(t)
	session := draftSession(domain.MethodRedirectProcessor)

	require.NoError(t, env.redis.Set(lockKey("user-1", "course", "course-101"), "1"))

	_, err := env.orch.CreateIntent(context.Background(), session, "Оплата курса")

	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)
}

// =============================================================================
// Тесты Capture
// =============================================================================

// seedIntent кладёт интент в кеш и возвращает сессию в SUBMITTING.
func seedIntent(t *testing.T, env *testEnv) *domain.PaymentSession {
	session := draftSession(domain.MethodRedirectProcessor)
	session.Status = domain.StatusSubmitting
	ref := "PAY-9XY"
	session.ExternalReference = &ref

	require.NoError(t, env.intents.Save(context.Background(), &StoredIntent{
		SessionID:         session.ID,
		ExternalReference: ref,
		AmountMinor:       session.AmountMinor,
		Currency:          session.Currency,
		CreatedAt:         time.Now(),
	}))

	return session
}

func TestCapture_Approved(t *testing.T) {
	env := setupOrchestrator(t)
	session := seedIntent(t, env)

	env.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)
	env.processor.On("Capture", mock.Anything, "PAY-9XY").
		Return(&clients.CaptureResult{Status: clients.CaptureCompleted}, nil)

	result, err := env.orch.Capture(context.Background(), "PAY-9XY")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, result.Status)

	// Интент использован и удалён
	stored, err := env.intents.Get(context.Background(), "PAY-9XY")
	require.NoError(t, err)
	assert.Nil(t, stored)

	env.sessions.AssertExpectations(t)
	env.processor.AssertExpectations(t)
}

func TestCapture_Declined(t *testing.T) {
	env := setupOrchestrator(t)
	session := seedIntent(t, env)

	reason := "недостаточно средств"
	env.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)
	env.processor.On("Capture", mock.Anything, "PAY-9XY").
		Return(&clients.CaptureResult{Status: clients.CaptureDeclined, Reason: &reason}, nil)

	result, err := env.orch.Capture(context.Background(), "PAY-9XY")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, result.Status)
	require.NotNil(t, result.FailureReason)
	assert.Equal(t, reason, *result.FailureReason)
}

func TestCapture_UnknownIntent_FailClosed(t *testing.T) {
	env := setupOrchestrator(t)

	_, err := env.orch.Capture(context.Background(), "PAY-UNKNOWN")

	assert.ErrorIs(t, err, domain.ErrInvalidPaymentParams)
	env.processor.AssertNotCalled(t, "Capture")
	env.sessions.AssertNotCalled(t, "GetByID")
}

func TestCapture_ExpiredIntent_FailClosed(t *testing.T) {
	env := setupOrchestrator(t)
	seedIntent(t, env)

	// Истекает TTL интента
	env.redis.FastForward(2 * time.Hour)

	_, err := env.orch.Capture(context.Background(), "PAY-9XY")

	assert.ErrorIs(t, err, domain.ErrInvalidPaymentParams)
	env.processor.AssertNotCalled(t, "Capture")
}

func TestCapture_Duplicate(t *testing.T) {
	env := setupOrchestrator(t)
	session := seedIntent(t, env)

	env.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)
	env.processor.On("Capture", mock.Anything, "PAY-9XY").
		Return(&clients.CaptureResult{Status: clients.CaptureCompleted}, nil).Once()

	_, err := env.orch.Capture(context.Background(), "PAY-9XY")
	require.NoError(t, err)

	// Повторный capture: интент удалён — отклоняем fail-closed
	_, err = env.orch.Capture(context.Background(), "PAY-9XY")
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentParams)

	env.processor.AssertNumberOfCalls(t, "Capture", 1)
}

func TestCapture_ConcurrentDuplicate(t *testing.T) {
	env := setupOrchestrator(t)
	seedIntent(t, env)

	// Конкурентный запрос уже держит маркер идемпотентности
	marked, err := env.captures.TryMark(context.Background(), "PAY-9XY")
	require.NoError(t, err)
	require.True(t, marked)

	_, err = env.orch.Capture(context.Background(), "PAY-9XY")

	assert.ErrorIs(t, err, domain.ErrDuplicateCapture)
	env.processor.AssertNotCalled(t, "Capture")
}

func TestCapture_ProcessorError_AllowsRetry(t *testing.T) {
	env := setupOrchestrator(t)
	session := seedIntent(t, env)

	env.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	env.processor.On("Capture", mock.Anything, "PAY-9XY").
		Return(nil, errors.New("timeout")).Once()
	env.processor.On("Capture", mock.Anything, "PAY-9XY").
		Return(&clients.CaptureResult{Status: clients.CaptureCompleted}, nil).Once()
	env.sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)

	// Первый capture падает на процессоре
	_, err := env.orch.Capture(context.Background(), "PAY-9XY")
	require.Error(t, err)

	// Маркер снят — повтор проходит
	result, err := env.orch.Capture(context.Background(), "PAY-9XY")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, result.Status)
}

func TestCapture_TerminalSession_Duplicate(t *testing.T) {
	env := setupOrchestrator(t)
	session := seedIntent(t, env)
	session.Status = domain.StatusApproved

	env.sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := env.orch.Capture(context.Background(), "PAY-9XY")

	assert.ErrorIs(t, err, domain.ErrDuplicateCapture)
	env.processor.AssertNotCalled(t, "Capture")
}
