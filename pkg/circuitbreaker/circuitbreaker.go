// Package circuitbreaker предоставляет Circuit Breaker для защиты от каскадных сбоев.
// Используется в HTTP клиентах внешних провайдеров (каталог, хранилище квитанций,
// платёжный процессор) для быстрого отказа при недоступности зависимости.
//
// Состояния Circuit Breaker:
//   - Closed: нормальная работа, запросы проходят
//   - Open: сервис недоступен, запросы отклоняются мгновенно (без ожидания timeout)
//   - Half-Open: пробный период, пропускаем часть запросов для проверки восстановления
//
// Использование:
//
//	cb := circuitbreaker.New("artifact-store")
//	resp, err := circuitbreaker.Do(cb, func() (*resty.Response, error) {
//	    return client.R().Get(url)
//	})
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/enrollment-payments/pkg/logger"
)

// ErrUnavailable возвращается при открытом breaker — зависимость недоступна.
var ErrUnavailable = errors.New("зависимость временно недоступна (circuit breaker open)")

// errServerStatus — внутренний маркер сбоя для gobreaker, когда транспортной
// ошибки не было, но сервер ответил 5xx/429. Наружу не возвращается.
var errServerStatus = errors.New("ошибка сервера зависимости")

// Settings — настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // Макс. запросов в Half-Open состоянии (по умолчанию 1)
	Interval     time.Duration // Интервал сброса счётчика в Closed (по умолчанию 60s)
	Timeout      time.Duration // Время в Open до перехода в Half-Open (по умолчанию 30s)
	FailureRatio float64       // Доля ошибок для перехода в Open (по умолчанию 0.5)
	MinRequests  uint32        // Мин. запросов для расчёта ratio (по умолчанию 5)
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,                // В Half-Open пропускаем 1 запрос
		Interval:     60 * time.Second, // Сбрасываем счётчик каждые 60 секунд
		Timeout:      30 * time.Second, // Через 30 секунд пробуем восстановить связь
		FailureRatio: 0.5,              // Открываем при 50% ошибок
		MinRequests:  5,                // Минимум 5 запросов для принятия решения
	}
}

// Breaker — обёртка над gobreaker с логированием.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New создаёт новый Circuit Breaker с настройками по умолчанию.
func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings) *Breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,

		// ReadyToTrip определяет когда открыть breaker.
		// Открываем если доля ошибок >= FailureRatio и было >= MinRequests запросов.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},

		// OnStateChange логирует смену состояния.
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ — зависимость недоступна")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ — пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ — зависимость восстановлена")
			}
		},
	})

	return &Breaker{cb: cb, name: name}
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Execute выполняет fn через Circuit Breaker.
// statusCode — HTTP статус ответа (0, если ответа не было): по нему
// решается, учитывать ли вызов как сбой.
//
// Только инфраструктурные сбои открывают breaker: сетевые ошибки,
// таймауты и 5xx. Бизнес-ответы (404, 409, 422) для breaker — успех.
func (b *Breaker) Execute(fn func() (statusCode int, err error)) error {
	var callErr error

	_, cbErr := b.cb.Execute(func() (any, error) {
		var status int
		status, callErr = fn()
		if isCircuitBreakerFailure(status, callErr) {
			if callErr != nil {
				return nil, callErr
			}
			// 5xx/429 без транспортной ошибки: для gobreaker это сбой,
			// но caller сам разберёт статус ответа.
			return nil, errServerStatus
		}
		// Успех или бизнес-ошибка — для breaker это успех.
		return nil, nil
	})

	// Circuit Breaker открыт — мгновенный отказ.
	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}

	// Возвращаем оригинальную ошибку вызова (или nil).
	return callErr
}

// isCircuitBreakerFailure определяет, должна ли ошибка учитываться в Circuit Breaker.
// Учитываем только инфраструктурные ошибки, а не бизнес-логику.
func isCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Клиент сам отменил запрос — зависимость не виновата.
			return false
		}
		// Сетевая ошибка, таймаут — сбой.
		return true
	}

	switch {
	case statusCode >= http.StatusInternalServerError:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	default:
		// 2xx/3xx и бизнес-ошибки 4xx breaker не открывают.
		return false
	}
}
