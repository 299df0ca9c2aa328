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

// ItemPrice — снимок цены позиции каталога на момент создания сессии.
type ItemPrice struct {
	// AmountMinor — действующая цена в минимальных единицах валюты.
	// 0 — бесплатная позиция.
	AmountMinor int64

	// Currency — ISO 4217 код валюты.
	Currency string
}

// Free возвращает true для бесплатной позиции — оплата ей не нужна.
func (p ItemPrice) Free() bool {
	return p.AmountMinor == 0
}

// catalogPriceResponse — ответ каталога: базовая цена и, если позиция
// со скидкой, цена со скидкой. Действующая цена — discountPrice при наличии.
type catalogPriceResponse struct {
	Price         int64  `json:"price"`
	DiscountPrice *int64 `json:"discountPrice"`
	Currency      string `json:"currency"`
}

// effective возвращает действующую цену позиции.
func (r catalogPriceResponse) effective() int64 {
	if r.DiscountPrice != nil {
		return *r.DiscountPrice
	}
	return r.Price
}

// CatalogClient — клиент каталога курсов и образовательных программ.
type CatalogClient struct {
	http    *resty.Client
	breaker *circuitbreaker.Breaker
}

// NewCatalogClient создаёт клиент каталога.
func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: circuitbreaker.New("catalog"),
	}
}

// catalogPath возвращает путь цены позиции в API каталога.
func catalogPath(itemType domain.ItemType) string {
	switch itemType {
	case domain.ItemTypeCourse:
		return "/internal/v1/courses/%s/price"
	case domain.ItemTypeProgram:
		return "/internal/v1/programs/%s/price"
	default:
		return ""
	}
}

// GetPrice возвращает текущую цену позиции каталога.
// Возвращает domain.ErrItemNotFound, если позиции нет в каталоге.
func (c *CatalogClient) GetPrice(ctx context.Context, itemType domain.ItemType, itemID string) (*ItemPrice, error) {
	path := catalogPath(itemType)
	if path == "" {
		return nil, domain.ErrInvalidItemType
	}

	var result catalogPriceResponse
	var statusCode int

	err := c.breaker.Execute(func() (int, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get(fmt.Sprintf(path, itemID))
		if err != nil {
			return 0, err
		}
		statusCode = resp.StatusCode()
		return statusCode, nil
	})
	if err != nil {
		return nil, fmt.Errorf("каталог недоступен: %w", err)
	}

	switch statusCode {
	case http.StatusOK:
		return &ItemPrice{AmountMinor: result.effective(), Currency: result.Currency}, nil
	case http.StatusNotFound:
		return nil, domain.ErrItemNotFound
	default:
		return nil, fmt.Errorf("каталог вернул статус %d", statusCode)
	}
}
