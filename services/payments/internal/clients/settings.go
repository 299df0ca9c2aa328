package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"example.com/enrollment-payments/pkg/circuitbreaker"
)

// Ключи методов оплаты в сервисе настроек площадки.
// Исторические имена: paypal — redirect-процессор, ccp — ручной банковский перевод.
const (
	SettingsKeyRedirect = "paypal"
	SettingsKeyManual   = "ccp"
)

// MethodSettings — настройки одного метода оплаты на площадке.
type MethodSettings struct {
	// Enabled — метод включён администратором площадки.
	Enabled bool `json:"enabled"`

	// Available — провайдер метода работоспособен. nil трактуется как доступен:
	// сервис настроек старых версий этого поля не отдаёт.
	Available *bool `json:"available,omitempty"`

	// IsEnabled — экстренный рубильник. Явный false выключает метод поверх
	// Enabled, не трогая provisioning-флаг Available. nil и true эффекта
	// не имеют.
	IsEnabled *bool `json:"isEnabled,omitempty"`

	// Instructions — инструкция по оплате для пользователя (реквизиты CCP,
	// порядок действий). Отдаётся клиенту как есть.
	Instructions string `json:"instructions,omitempty"`
}

// Usable возвращает true, если методом можно платить прямо сейчас.
func (s MethodSettings) Usable() bool {
	if s.IsEnabled != nil && !*s.IsEnabled {
		return false
	}
	if !s.Enabled {
		return false
	}
	return s.Available == nil || *s.Available
}

// methodSettingsResponse — ответ сервиса настроек.
type methodSettingsResponse struct {
	Methods map[string]MethodSettings `json:"methods"`
}

// SettingsClient — клиент сервиса настроек площадки.
type SettingsClient struct {
	http    *resty.Client
	breaker *circuitbreaker.Breaker
}

// NewSettingsClient создаёт клиент сервиса настроек.
func NewSettingsClient(baseURL string, timeout time.Duration) *SettingsClient {
	return &SettingsClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: circuitbreaker.New("settings"),
	}
}

// PaymentMethods возвращает настройки методов оплаты площадки.
func (c *SettingsClient) PaymentMethods(ctx context.Context) (map[string]MethodSettings, error) {
	var result methodSettingsResponse
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/internal/v1/settings/payment-methods")
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("сервис настроек недоступен: %w", err)
	}

	if statusCode != http.StatusOK {
		return nil, fmt.Errorf("сервис настроек вернул статус %d", statusCode)
	}

	return result.Methods, nil
}
