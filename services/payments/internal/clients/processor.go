package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"example.com/enrollment-payments/pkg/circuitbreaker"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// Статусы capture у redirect-процессора.
const (
	CaptureCompleted = "COMPLETED"
	CaptureDeclined  = "DECLINED"
)

// IntentRequest — запрос на создание платежа у redirect-процессора.
type IntentRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
}

// Intent — созданный платёж: ID у процессора и адрес редиректа пользователя.
type Intent struct {
	ExternalReference string `json:"external_reference"`
	RedirectURL       string `json:"redirect_url"`
}

// CaptureResult — результат подтверждения платежа процессором.
type CaptureResult struct {
	Status string  `json:"status"` // COMPLETED / DECLINED
	Reason *string `json:"reason,omitempty"`
}

// Completed возвращает true, если процессор подтвердил списание.
func (r CaptureResult) Completed() bool {
	return r.Status == CaptureCompleted
}

// ProcessorClient — клиент внешнего платёжного процессора с redirect-флоу.
type ProcessorClient struct {
	http    *resty.Client
	breaker *circuitbreaker.Breaker
}

// NewProcessorClient создаёт клиент платёжного процессора.
func NewProcessorClient(baseURL string, timeout time.Duration) *ProcessorClient {
	return &ProcessorClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: circuitbreaker.New("processor"),
	}
}

// CreateIntent создаёт платёж у процессора.
// Пользователь уходит на RedirectURL, результат вернётся capture-запросом.
func (c *ProcessorClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var result Intent
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&result).
			Post("/v1/payments")
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("платёжный процессор недоступен: %w", err)
	}

	if statusCode != http.StatusCreated && statusCode != http.StatusOK {
		return nil, fmt.Errorf("платёжный процессор вернул статус %d", statusCode)
	}

	if result.ExternalReference == "" || result.RedirectURL == "" {
		return nil, fmt.Errorf("платёжный процессор вернул неполный ответ")
	}

	return &result, nil
}

// Capture подтверждает списание по платежу после возврата пользователя.
// Возвращает domain.ErrInvalidPaymentParams, если процессор платёж не знает,
// и domain.ErrDuplicateCapture при повторном capture.
func (c *ProcessorClient) Capture(ctx context.Context, externalReference string) (*CaptureResult, error) {
	var result CaptureResult
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Post("/v1/payments/" + externalReference + "/capture")
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("платёжный процессор недоступен: %w", err)
	}

	switch statusCode {
	case http.StatusOK:
		return &result, nil
	case http.StatusNotFound:
		return nil, domain.ErrInvalidPaymentParams
	case http.StatusConflict:
		return nil, domain.ErrDuplicateCapture
	default:
		return nil, fmt.Errorf("платёжный процессор вернул статус %d", statusCode)
	}
}
