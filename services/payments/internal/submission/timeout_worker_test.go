// Package submission содержит unit тесты Timeout Worker.
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
	"example.com/enrollment-payments/services/payments/internal/domain"
)

func setupTimeoutWorker(t *testing.T) (*TimeoutWorker, *MockSessionRepository, *IntentCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sessions := new(MockSessionRepository)
	intents := NewIntentCache(client, time.Hour)

	worker := NewTimeoutWorker(sessions, intents, TimeoutWorkerConfig{
		PollInterval: 10 * time.Millisecond,
		StuckTimeout: 5 * time.Minute,
		BatchSize:    50,
	})

	return worker, sessions, intents, mr
}

// stuckSession создаёт сессию, зависшую в SUBMITTING.
func stuckSession(method domain.Method) *domain.PaymentSession {
	return &domain.PaymentSession{
		ID:          "session-stuck",
		UserID:      "user-1",
		ItemType:    domain.ItemTypeCourse,
		ItemID:      "course-101",
		Method:      method,
		Status:      domain.StatusSubmitting,
		AmountMinor: 250000,
		Currency:    "RUB",
		UpdatedAt:   time.Now().Add(-10 * time.Minute),
	}
}

func TestTimeoutWorker_RevertStuck_ManualTransfer(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	session := stuckSession(domain.MethodManualTransfer)
	sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)

	err := worker.RevertStuck(context.Background(), session)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status)
	sessions.AssertExpectations(t)
}

func TestTimeoutWorker_RevertStuck_RedirectClearsIntent(t *testing.T) {
	worker, sessions, intents, _ := setupTimeoutWorker(t)

	session := stuckSession(domain.MethodRedirectProcessor)
	ref := "PAY-9XY"
	session.ExternalReference = &ref

	require.NoError(t, intents.Save(context.Background(), &StoredIntent{
		SessionID:         session.ID,
		ExternalReference: ref,
		AmountMinor:       session.AmountMinor,
		Currency:          session.Currency,
		CreatedAt:         time.Now(),
	}))

	sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).Return(nil)

	err := worker.RevertStuck(context.Background(), session)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status)
	assert.Nil(t, session.ExternalReference)

	// Интент удалён — запоздавший capture будет отклонён
	stored, err := intents.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestTimeoutWorker_RevertStuck_CleansUpPersistedArtifact(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	// Квитанция загружена, её ID записан на строку, но коммит не случился —
	// процесс упал между шагами
	session := stuckSession(domain.MethodManualTransfer)
	artifactID := "artifact-77"
	session.ArtifactID = &artifactID

	var record *outbox.Outbox
	sessions.On("UpdateWithOutbox", mock.Anything, session, domain.StatusSubmitting, mock.Anything).
		Run(func(args mock.Arguments) {
			record = args.Get(3).(*outbox.Outbox)
		}).
		Return(nil)

	err := worker.RevertStuck(context.Background(), session)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status)
	assert.Nil(t, session.ArtifactID)

	require.NotNil(t, record)
	cmd, err := messages.CompensationFromJSON(record.Payload)
	require.NoError(t, err)
	assert.Equal(t, messages.CompensationDeleteArtifact, cmd.Type)
	assert.Equal(t, "artifact-77", cmd.ArtifactID)

	sessions.AssertNotCalled(t, "UpdateIf")
}

func TestTimeoutWorker_RevertStuck_LosesRaceToCapture(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	// Между выборкой зависших и откатом capture зафиксировал результат
	session := stuckSession(domain.MethodRedirectProcessor)
	sessions.On("UpdateIf", mock.Anything, session, domain.StatusSubmitting).
		Return(domain.ErrConcurrentUpdate)

	err := worker.RevertStuck(context.Background(), session)

	assert.NoError(t, err, "проигранный CAS — не ошибка, переход уже зафиксирован")
}

func TestTimeoutWorker_RevertStuck_TerminalSession(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	session := stuckSession(domain.MethodManualTransfer)
	session.Status = domain.StatusApproved

	err := worker.RevertStuck(context.Background(), session)

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	sessions.AssertNotCalled(t, "UpdateIf")
}

func TestTimeoutWorker_ProcessStuckSessions(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	stuck := []*domain.PaymentSession{
		stuckSession(domain.MethodManualTransfer),
		stuckSession(domain.MethodRedirectProcessor),
	}
	stuck[1].ID = "session-stuck-2"

	sessions.On("GetStuckSubmitting", mock.Anything, 5*time.Minute, 50).Return(stuck, nil)
	sessions.On("UpdateIf", mock.Anything, mock.Anything, domain.StatusSubmitting).Return(nil).Twice()

	worker.processStuckSessions(context.Background())

	for _, s := range stuck {
		assert.Equal(t, domain.StatusDraft, s.Status)
	}
	sessions.AssertExpectations(t)
}

func TestTimeoutWorker_ProcessStuckSessions_QueryError(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	sessions.On("GetStuckSubmitting", mock.Anything, 5*time.Minute, 50).
		Return(nil, errors.New("БД недоступна"))

	// Ошибка логируется, паники нет
	worker.processStuckSessions(context.Background())

	sessions.AssertNotCalled(t, "UpdateIf")
}

func TestTimeoutWorker_Run_StopsOnContextCancel(t *testing.T) {
	worker, sessions, _, _ := setupTimeoutWorker(t)

	sessions.On("GetStuckSubmitting", mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.PaymentSession{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker не остановился после отмены контекста")
	}
}
