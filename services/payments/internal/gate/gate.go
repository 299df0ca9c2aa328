// Package gate решает, какими методами оплаты можно платить прямо сейчас.
// Метод проходит, только если администратор площадки его включил И провайдер
// метода работоспособен. Настройки живут во внешнем сервисе настроек.
package gate

import (
	"context"

	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// SettingsProvider — источник настроек методов оплаты.
type SettingsProvider interface {
	PaymentMethods(ctx context.Context) (map[string]clients.MethodSettings, error)
}

// settingsKey возвращает ключ метода в сервисе настроек.
func settingsKey(method domain.Method) string {
	switch method {
	case domain.MethodRedirectProcessor:
		return clients.SettingsKeyRedirect
	case domain.MethodManualTransfer:
		return clients.SettingsKeyManual
	default:
		return ""
	}
}

// MethodAvailability — метод оплаты и его доступность для пользователя.
type MethodAvailability struct {
	Method       domain.Method
	Available    bool
	Instructions string
}

// Select возвращает метод, которым стоит платить: текущий, если он доступен,
// иначе первый доступный из списка. Порядок списка задаёт предпочтение —
// AvailableMethods ставит redirect-процессор первым. Второе значение false,
// когда не доступен ни один метод.
func Select(methods []MethodAvailability, current domain.Method) (domain.Method, bool) {
	for _, m := range methods {
		if m.Method == current && m.Available {
			return current, true
		}
	}
	for _, m := range methods {
		if m.Available {
			return m.Method, true
		}
	}
	return "", false
}

// Gate проверяет доступность методов оплаты.
type Gate struct {
	settings SettingsProvider
}

// New создаёт Gate поверх сервиса настроек.
func New(settings SettingsProvider) *Gate {
	return &Gate{settings: settings}
}

// AvailableMethods возвращает все методы оплаты с их текущей доступностью.
// Redirect-процессор идёт первым: это метод по умолчанию.
func (g *Gate) AvailableMethods(ctx context.Context) ([]MethodAvailability, error) {
	settings, err := g.settings.PaymentMethods(ctx)
	if err != nil {
		return nil, err
	}

	methods := []domain.Method{domain.MethodRedirectProcessor, domain.MethodManualTransfer}

	result := make([]MethodAvailability, 0, len(methods))
	for _, method := range methods {
		cfg, ok := settings[settingsKey(method)]
		result = append(result, MethodAvailability{
			Method:       method,
			Available:    ok && cfg.Usable(),
			Instructions: cfg.Instructions,
		})
	}

	return result, nil
}

// Check проверяет, что методом можно платить.
// Возвращает domain.ErrMethodNotEligible, если метод выключен или его
// провайдер недоступен; отсутствие метода в настройках — тоже отказ.
func (g *Gate) Check(ctx context.Context, method domain.Method) error {
	if !method.Valid() {
		return domain.ErrInvalidMethod
	}

	settings, err := g.settings.PaymentMethods(ctx)
	if err != nil {
		return err
	}

	cfg, ok := settings[settingsKey(method)]
	if !ok || !cfg.Usable() {
		logger.Ctx(ctx).Info().
			Str("method", string(method)).
			Bool("configured", ok).
			Msg("Метод оплаты не прошёл проверку доступности")
		return domain.ErrMethodNotEligible
	}

	return nil
}
