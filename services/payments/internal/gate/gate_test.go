// Package gate содержит unit тесты проверки доступности методов оплаты.
package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// MockSettingsProvider — мок сервиса настроек.
type MockSettingsProvider struct {
	mock.Mock
}

func (m *MockSettingsProvider) PaymentMethods(ctx context.Context) (map[string]clients.MethodSettings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]clients.MethodSettings), args.Error(1)
}

// boolPtr возвращает указатель на bool.
func boolPtr(v bool) *bool {
	return &v
}

// =============================================================================
// Тесты AvailableMethods
// =============================================================================

func TestGate_AvailableMethods(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]clients.MethodSettings
		expected map[domain.Method]bool
	}{
		{
			name: "оба метода доступны",
			settings: map[string]clients.MethodSettings{
				"paypal": {Enabled: true},
				"ccp":    {Enabled: true},
			},
			expected: map[domain.Method]bool{
				domain.MethodRedirectProcessor: true,
				domain.MethodManualTransfer:    true,
			},
		},
		{
			name: "провайдер redirect-процессора лежит",
			settings: map[string]clients.MethodSettings{
				"paypal": {Enabled: true, Available: boolPtr(false)},
				"ccp":    {Enabled: true},
			},
			expected: map[domain.Method]bool{
				domain.MethodRedirectProcessor: false,
				domain.MethodManualTransfer:    true,
			},
		},
		{
			name: "ручной перевод выключен администратором",
			settings: map[string]clients.MethodSettings{
				"paypal": {Enabled: true},
				"ccp":    {Enabled: false},
			},
			expected: map[domain.Method]bool{
				domain.MethodRedirectProcessor: true,
				domain.MethodManualTransfer:    false,
			},
		},
		{
			name: "экстренный рубильник поверх включённого метода",
			settings: map[string]clients.MethodSettings{
				"paypal": {Enabled: true, IsEnabled: boolPtr(false)},
				"ccp":    {Enabled: true},
			},
			expected: map[domain.Method]bool{
				domain.MethodRedirectProcessor: false,
				domain.MethodManualTransfer:    true,
			},
		},
		{
			name:     "настроек нет — всё недоступно",
			settings: map[string]clients.MethodSettings{},
			expected: map[domain.Method]bool{
				domain.MethodRedirectProcessor: false,
				domain.MethodManualTransfer:    false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockSettingsProvider)
			provider.On("PaymentMethods", mock.Anything).Return(tt.settings, nil)

			g := New(provider)
			methods, err := g.AvailableMethods(context.Background())

			require.NoError(t, err)
			require.Len(t, methods, 2)

			// Redirect-процессор — метод по умолчанию, идёт первым
			assert.Equal(t, domain.MethodRedirectProcessor, methods[0].Method)

			for _, m := range methods {
				assert.Equal(t, tt.expected[m.Method], m.Available, "метод %s", m.Method)
			}
			provider.AssertExpectations(t)
		})
	}
}

func TestGate_AvailableMethods_InstructionsPassthrough(t *testing.T) {
	provider := new(MockSettingsProvider)
	provider.On("PaymentMethods", mock.Anything).Return(map[string]clients.MethodSettings{
		"paypal": {Enabled: true},
		"ccp":    {Enabled: true, Instructions: "Переведите сумму на счёт CCP 12345 и приложите квитанцию"},
	}, nil)

	g := New(provider)
	methods, err := g.AvailableMethods(context.Background())

	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Empty(t, methods[0].Instructions)
	assert.Contains(t, methods[1].Instructions, "CCP 12345")
}

func TestGate_AvailableMethods_SettingsUnavailable(t *testing.T) {
	provider := new(MockSettingsProvider)
	provider.On("PaymentMethods", mock.Anything).Return(nil, errors.New("connection refused"))

	g := New(provider)
	_, err := g.AvailableMethods(context.Background())

	require.Error(t, err)
	provider.AssertExpectations(t)
}

// =============================================================================
// Тесты Select
// =============================================================================

func TestSelect(t *testing.T) {
	both := []MethodAvailability{
		{Method: domain.MethodRedirectProcessor, Available: true},
		{Method: domain.MethodManualTransfer, Available: true},
	}
	manualOnly := []MethodAvailability{
		{Method: domain.MethodRedirectProcessor, Available: false},
		{Method: domain.MethodManualTransfer, Available: true},
	}
	none := []MethodAvailability{
		{Method: domain.MethodRedirectProcessor, Available: false},
		{Method: domain.MethodManualTransfer, Available: false},
	}

	t.Run("без выбора — redirect-процессор по умолчанию", func(t *testing.T) {
		method, ok := Select(both, "")
		require.True(t, ok)
		assert.Equal(t, domain.MethodRedirectProcessor, method)
	})

	t.Run("текущий метод доступен — остаётся", func(t *testing.T) {
		method, ok := Select(both, domain.MethodManualTransfer)
		require.True(t, ok)
		assert.Equal(t, domain.MethodManualTransfer, method)
	})

	t.Run("текущий метод отвалился — перевыбор первого доступного", func(t *testing.T) {
		method, ok := Select(manualOnly, domain.MethodRedirectProcessor)
		require.True(t, ok)
		assert.Equal(t, domain.MethodManualTransfer, method)
	})

	t.Run("ни один метод не доступен", func(t *testing.T) {
		_, ok := Select(none, "")
		assert.False(t, ok)
	})
}

// =============================================================================
// Тесты Check
// =============================================================================

func TestGate_Check(t *testing.T) {
	tests := []struct {
		name        string
		method      domain.Method
		settings    map[string]clients.MethodSettings
		expectedErr error
	}{
		{
			name:   "метод доступен",
			method: domain.MethodManualTransfer,
			settings: map[string]clients.MethodSettings{
				"ccp": {Enabled: true},
			},
			expectedErr: nil,
		},
		{
			name:   "метод выключен",
			method: domain.MethodManualTransfer,
			settings: map[string]clients.MethodSettings{
				"ccp": {Enabled: false},
			},
			expectedErr: domain.ErrMethodNotEligible,
		},
		{
			name:   "провайдер недоступен",
			method: domain.MethodRedirectProcessor,
			settings: map[string]clients.MethodSettings{
				"paypal": {Enabled: true, Available: boolPtr(false)},
			},
			expectedErr: domain.ErrMethodNotEligible,
		},
		{
			name:        "метод не настроен на площадке",
			method:      domain.MethodRedirectProcessor,
			settings:    map[string]clients.MethodSettings{},
			expectedErr: domain.ErrMethodNotEligible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockSettingsProvider)
			provider.On("PaymentMethods", mock.Anything).Return(tt.settings, nil)

			g := New(provider)
			err := g.Check(context.Background(), tt.method)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			provider.AssertExpectations(t)
		})
	}
}

func TestGate_Check_UnknownMethod(t *testing.T) {
	provider := new(MockSettingsProvider)

	g := New(provider)
	err := g.Check(context.Background(), domain.Method("cash"))

	assert.ErrorIs(t, err, domain.ErrInvalidMethod)
	provider.AssertNotCalled(t, "PaymentMethods")
}

func TestGate_Check_SettingsUnavailable(t *testing.T) {
	provider := new(MockSettingsProvider)
	provider.On("PaymentMethods", mock.Anything).Return(nil, errors.New("timeout"))

	g := New(provider)
	err := g.Check(context.Background(), domain.MethodManualTransfer)

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMethodNotEligible)
	provider.AssertExpectations(t)
}
