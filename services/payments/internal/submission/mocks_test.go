// Package submission — общие моки для тестов оркестратора и воркеров.
package submission

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"example.com/enrollment-payments/pkg/outbox"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// =============================================================================
// MockSessionRepository
// =============================================================================

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.PaymentSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentSession), args.Error(1)
}

func (m *MockSessionRepository) GetActiveForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, userID, itemType, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentSession), args.Error(1)
}

func (m *MockSessionRepository) GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentSession), args.Error(1)
}

func (m *MockSessionRepository) Update(ctx context.Context, session *domain.PaymentSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) UpdateIf(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus) error {
	args := m.Called(ctx, session, expected)
	return args.Error(0)
}

func (m *MockSessionRepository) UpdateWithOutbox(ctx context.Context, session *domain.PaymentSession, expected domain.SessionStatus, record *outbox.Outbox) error {
	args := m.Called(ctx, session, expected, record)
	return args.Error(0)
}

func (m *MockSessionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionRepository) ListForItem(ctx context.Context, userID string, itemType domain.ItemType, itemID string) ([]*domain.PaymentSession, error) {
	args := m.Called(ctx, userID, itemType, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PaymentSession), args.Error(1)
}

func (m *MockSessionRepository) GetStuckSubmitting(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.PaymentSession, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PaymentSession), args.Error(1)
}

func (m *MockSessionRepository) CountByStatus(ctx context.Context) (map[domain.SessionStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.SessionStatus]int64), args.Error(1)
}

// =============================================================================
// MockArtifactStore
// =============================================================================

type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Upload(ctx context.Context, upload clients.ArtifactUpload) (string, error) {
	args := m.Called(ctx, upload)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactStore) Delete(ctx context.Context, artifactID string) error {
	args := m.Called(ctx, artifactID)
	return args.Error(0)
}

// =============================================================================
// MockProcessor
// =============================================================================

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) CreateIntent(ctx context.Context, req clients.IntentRequest) (*clients.Intent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.Intent), args.Error(1)
}

func (m *MockProcessor) Capture(ctx context.Context, externalReference string) (*clients.CaptureResult, error) {
	args := m.Called(ctx, externalReference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.CaptureResult), args.Error(1)
}
