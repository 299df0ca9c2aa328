// Package clients содержит HTTP клиенты внешних коллабораторов Payments Service:
// сервис настроек площадки, каталог, хранилище квитанций и redirect-процессор.
// Все клиенты защищены Circuit Breaker: при недоступности зависимости запросы
// отклоняются мгновенно, без ожидания таймаута.
package clients

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// newHTTPClient создаёт базовый resty клиент для внешнего провайдера.
func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}
