// Package handler содержит HTTP обработчики REST API платёжного сервиса.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/enrollment-payments/pkg/circuitbreaker"
	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/services/payments/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorMapping — соответствие доменной ошибки HTTP статусу и коду.
type errorMapping struct {
	status int
	code   string
}

// domainErrorMappings — маппинг доменных ошибок в HTTP ответы.
// Ошибки валидации — 422: запрос синтаксически корректен, но данные не проходят
// бизнес-проверку. Конфликты состояния — 409. Открытый circuit breaker — 503.
var domainErrorMappings = []struct {
	err     error
	mapping errorMapping
}{
	{domain.ErrSessionNotFound, errorMapping{http.StatusNotFound, "session_not_found"}},
	{domain.ErrItemNotFound, errorMapping{http.StatusNotFound, "item_not_found"}},

	{domain.ErrActiveSessionExists, errorMapping{http.StatusConflict, "active_session_exists"}},
	{domain.ErrSubmissionInFlight, errorMapping{http.StatusConflict, "submission_in_flight"}},
	{domain.ErrDuplicateCapture, errorMapping{http.StatusConflict, "duplicate_capture"}},
	{domain.ErrInvalidTransition, errorMapping{http.StatusConflict, "invalid_state"}},
	{domain.ErrMethodNotEligible, errorMapping{http.StatusConflict, "method_not_eligible"}},

	{domain.ErrInvalidItemType, errorMapping{http.StatusBadRequest, "invalid_item_type"}},
	{domain.ErrInvalidMethod, errorMapping{http.StatusBadRequest, "invalid_method"}},

	{domain.ErrInvalidPaymentParams, errorMapping{http.StatusUnprocessableEntity, "invalid_payment_params"}},
	{domain.ErrInvalidFullName, errorMapping{http.StatusUnprocessableEntity, "invalid_payer_details"}},
	{domain.ErrInvalidAccountNumber, errorMapping{http.StatusUnprocessableEntity, "invalid_payer_details"}},
	{domain.ErrInvalidTransferReference, errorMapping{http.StatusUnprocessableEntity, "invalid_payer_details"}},
	{domain.ErrInvalidPhone, errorMapping{http.StatusUnprocessableEntity, "invalid_payer_details"}},
	{domain.ErrInvalidEmail, errorMapping{http.StatusUnprocessableEntity, "invalid_payer_details"}},
	{domain.ErrMissingProof, errorMapping{http.StatusUnprocessableEntity, "missing_proof"}},
	{domain.ErrInvalidProofType, errorMapping{http.StatusUnprocessableEntity, "invalid_proof_type"}},
	{domain.ErrProofTooLarge, errorMapping{http.StatusRequestEntityTooLarge, "proof_too_large"}},

	{circuitbreaker.ErrUnavailable, errorMapping{http.StatusServiceUnavailable, "dependency_unavailable"}},
}

// HandleDomainError преобразует доменную ошибку в HTTP ответ.
// Неизвестные ошибки логируются и возвращаются как 500 без деталей.
func HandleDomainError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	if err == nil {
		log.Error().Str("method", method).Msg("HandleDomainError вызван с nil ошибкой — баг в коде")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	for _, m := range domainErrorMappings {
		if errors.Is(err, m.err) {
			c.JSON(m.mapping.status, ErrorResponse{
				Error:   m.mapping.code,
				Message: m.err.Error(),
			})
			return
		}
	}

	log.Error().Err(err).Str("method", method).Msg("Необработанная ошибка")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Внутренняя ошибка сервера",
	})
}
