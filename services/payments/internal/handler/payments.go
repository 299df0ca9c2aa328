// Package handler содержит HTTP обработчики REST API платёжного сервиса.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/gate"
	"example.com/enrollment-payments/services/payments/internal/lifecycle"
)

// LifecycleController — операции жизненного цикла платёжной сессии.
type LifecycleController interface {
	Methods(ctx context.Context) ([]gate.MethodAvailability, error)
	CreateIntent(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*lifecycle.IntentResult, error)
	Capture(ctx context.Context, externalReference string) (*domain.PaymentSession, error)
	SubmitApplication(ctx context.Context, userID string, itemType domain.ItemType, itemID string, upload clients.ArtifactUpload, details domain.PayerDetails) (*lifecycle.ApplicationResult, error)
	Abandon(ctx context.Context, userID string, itemType domain.ItemType, itemID string)
	Resubmit(ctx context.Context, userID string, itemType domain.ItemType, itemID string, method domain.Method) (*domain.PaymentSession, error)
}

// StatusTracker — чтение состояния платёжных сессий.
type StatusTracker interface {
	Status(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*domain.PaymentSession, error)
	History(ctx context.Context, userID string, itemType domain.ItemType, itemID string) ([]*domain.PaymentSession, error)
}

// PaymentHandler — обработчик платёжных запросов.
type PaymentHandler struct {
	lifecycle    LifecycleController
	tracker      StatusTracker
	maxProofSize int64
}

// NewPaymentHandler создаёт обработчик платёжных запросов.
func NewPaymentHandler(lc LifecycleController, tracker StatusTracker, maxProofSize int64) *PaymentHandler {
	return &PaymentHandler{
		lifecycle:    lc,
		tracker:      tracker,
		maxProofSize: maxProofSize,
	}
}

// === Request/Response DTOs ===

// MethodResponse — метод оплаты с текущей доступностью.
type MethodResponse struct {
	Method       string `json:"method"`
	Available    bool   `json:"available"`
	Instructions string `json:"instructions,omitempty"`
}

// MethodsResponse — ответ на запрос методов оплаты.
// DefaultMethod — метод, который клиенту стоит предложить по умолчанию;
// отсутствует, когда не доступен ни один метод.
type MethodsResponse struct {
	Methods       []MethodResponse `json:"methods"`
	DefaultMethod string           `json:"default_method,omitempty"`
}

// SessionResponse — платёжная сессия в ответе.
type SessionResponse struct {
	ID                string  `json:"id"`
	ItemType          string  `json:"item_type"`
	ItemID            string  `json:"item_id"`
	Method            string  `json:"method"`
	Status            string  `json:"status"`
	AmountMinor       int64   `json:"amount_minor"`
	Currency          string  `json:"currency"`
	ExternalReference *string `json:"external_reference,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	ResubmissionOf    *string `json:"resubmission_of,omitempty"`
	CreatedAt         int64   `json:"created_at"`
	UpdatedAt         int64   `json:"updated_at"`
}

// CreateIntentResponse — ответ на создание интента.
// Для бесплатной позиции session отсутствует: оплата не нужна.
type CreateIntentResponse struct {
	Session     *SessionResponse `json:"session,omitempty"`
	RedirectURL string           `json:"redirect_url,omitempty"`
	FreeItem    bool             `json:"free_item,omitempty"`
}

// CaptureResponse — ответ на подтверждение платежа.
type CaptureResponse struct {
	Session SessionResponse `json:"session"`
}

// SubmitApplicationResponse — ответ на подачу заявки.
// Для бесплатной позиции session отсутствует.
type SubmitApplicationResponse struct {
	Session  *SessionResponse `json:"session,omitempty"`
	FreeItem bool             `json:"free_item,omitempty"`
}

// ResubmitRequest — запрос на повторную подачу.
type ResubmitRequest struct {
	Method string `json:"method" binding:"required"`
}

// StatusResponse — ответ на запрос статуса. Отсутствие заявки — не ошибка:
// UI по этому ответу решает, показывать форму оплаты или статус.
type StatusResponse struct {
	HasApplication bool             `json:"has_application"`
	Session        *SessionResponse `json:"session,omitempty"`
}

// HistoryResponse — ответ на запрос истории подач.
type HistoryResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// === Handlers ===

// Methods возвращает методы оплаты с их доступностью.
// GET /api/v1/payments/methods
func (h *PaymentHandler) Methods(c *gin.Context) {
	ctx := c.Request.Context()

	methods, err := h.lifecycle.Methods(ctx)
	if err != nil {
		HandleDomainError(c, err, "Methods")
		return
	}

	resp := MethodsResponse{Methods: make([]MethodResponse, len(methods))}
	for i, m := range methods {
		resp.Methods[i] = MethodResponse{
			Method:       string(m.Method),
			Available:    m.Available,
			Instructions: m.Instructions,
		}
	}
	if def, ok := gate.Select(methods, ""); ok {
		resp.DefaultMethod = string(def)
	}

	c.JSON(http.StatusOK, resp)
}

// CreateIntent создаёт интент оплаты через redirect-процессор.
// POST /api/v1/payments/:itemType/:itemId/intents
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	result, err := h.lifecycle.CreateIntent(ctx, userID, itemType, itemID)
	if err != nil {
		HandleDomainError(c, err, "CreateIntent")
		return
	}

	if result.FreeItem {
		log.Info().
			Str("user_id", userID).
			Str("item_id", itemID).
			Msg("Бесплатная позиция — оплата не требуется")
		c.JSON(http.StatusOK, CreateIntentResponse{FreeItem: true})
		return
	}

	log.Info().
		Str("session_id", result.Session.ID).
		Str("user_id", userID).
		Str("status", string(result.Session.Status)).
		Msg("Интент оплаты создан")

	session := sessionToResponse(result.Session)
	c.JSON(http.StatusCreated, CreateIntentResponse{
		Session:     &session,
		RedirectURL: result.RedirectURL,
	})
}

// Capture подтверждает платёж после возврата пользователя от процессора.
// POST /api/v1/payments/captures/:externalReference
func (h *PaymentHandler) Capture(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	ref := c.Param("externalReference")
	if ref == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Идентификатор платежа обязателен",
		})
		return
	}

	session, err := h.lifecycle.Capture(ctx, ref)
	if err != nil {
		HandleDomainError(c, err, "Capture")
		return
	}

	log.Info().
		Str("session_id", session.ID).
		Str("external_reference", ref).
		Str("status", string(session.Status)).
		Msg("Платёж подтверждён")

	c.JSON(http.StatusOK, CaptureResponse{Session: sessionToResponse(session)})
}

// SubmitApplication подаёт заявку с ручным банковским переводом.
// POST /api/v1/payments/:itemType/:itemId/applications
// Multipart: receipt (файл квитанции) + поля реквизитов плательщика.
func (h *PaymentHandler) SubmitApplication(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	details := domain.PayerDetails{
		FullName:          c.PostForm("full_name"),
		AccountNumber:     c.PostForm("account_number"),
		TransferReference: c.PostForm("transfer_reference"),
		Phone:             c.PostForm("phone"),
		Email:             c.PostForm("email"),
	}

	upload, ok := h.readProof(c)
	if !ok {
		return
	}

	result, err := h.lifecycle.SubmitApplication(ctx, userID, itemType, itemID, upload, details)
	if err != nil {
		HandleDomainError(c, err, "SubmitApplication")
		return
	}

	if result.FreeItem {
		log.Info().
			Str("user_id", userID).
			Str("item_id", itemID).
			Msg("Бесплатная позиция — заявка не требуется")
		c.JSON(http.StatusOK, SubmitApplicationResponse{FreeItem: true})
		return
	}

	log.Info().
		Str("session_id", result.Session.ID).
		Str("user_id", userID).
		Str("status", string(result.Session.Status)).
		Msg("Заявка подана")

	session := sessionToResponse(result.Session)
	c.JSON(http.StatusCreated, SubmitApplicationResponse{Session: &session})
}

// Abandon отменяет черновик платёжной сессии.
// POST /api/v1/payments/:itemType/:itemId/abandon
// Всегда возвращает 202 — клиенту нечего делать с ошибкой отмены.
func (h *PaymentHandler) Abandon(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	h.lifecycle.Abandon(ctx, userID, itemType, itemID)

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Resubmit создаёт новую сессию после отклонения заявки.
// POST /api/v1/payments/:itemType/:itemId/resubmit
func (h *PaymentHandler) Resubmit(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	var req ResubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("Невалидный запрос на повторную подачу")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Невалидные данные запроса",
		})
		return
	}

	method, err := domain.ParseMethod(req.Method)
	if err != nil {
		HandleDomainError(c, err, "Resubmit")
		return
	}

	session, err := h.lifecycle.Resubmit(ctx, userID, itemType, itemID, method)
	if err != nil {
		HandleDomainError(c, err, "Resubmit")
		return
	}

	log.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Msg("Создана повторная подача")

	resp := sessionToResponse(session)
	c.JSON(http.StatusCreated, SubmitApplicationResponse{Session: &resp})
}

// Status возвращает актуальную сессию пользователя по позиции.
// GET /api/v1/payments/:itemType/:itemId/status
func (h *PaymentHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	session, err := h.tracker.Status(ctx, userID, itemType, itemID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusOK, StatusResponse{HasApplication: false})
			return
		}
		HandleDomainError(c, err, "Status")
		return
	}

	resp := sessionToResponse(session)
	c.JSON(http.StatusOK, StatusResponse{HasApplication: true, Session: &resp})
}

// History возвращает все подачи пользователя по позиции, новые первыми.
// GET /api/v1/payments/:itemType/:itemId/history
func (h *PaymentHandler) History(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	itemType, itemID, ok := h.getItem(c)
	if !ok {
		return
	}

	sessions, err := h.tracker.History(ctx, userID, itemType, itemID)
	if err != nil {
		HandleDomainError(c, err, "History")
		return
	}

	resp := HistoryResponse{Sessions: make([]SessionResponse, len(sessions))}
	for i, s := range sessions {
		resp.Sessions[i] = sessionToResponse(s)
	}

	c.JSON(http.StatusOK, resp)
}

// === Helper functions ===

// getUserID извлекает user_id из контекста Gin (кладёт auth middleware).
func (h *PaymentHandler) getUserID(c *gin.Context) (string, bool) {
	log := logger.FromContext(c.Request.Context())

	userID, exists := c.Get("user_id")
	if !exists {
		log.Warn().Msg("user_id не найден в контексте")
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Требуется авторизация",
		})
		return "", false
	}

	userIDStr, ok := userID.(string)
	if !ok {
		log.Error().Interface("user_id", userID).Msg("user_id не является строкой — баг в middleware")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return "", false
	}

	return userIDStr, true
}

// getItem разбирает тип и ID позиции из пути запроса.
func (h *PaymentHandler) getItem(c *gin.Context) (domain.ItemType, string, bool) {
	itemType, err := domain.ParseItemType(c.Param("itemType"))
	if err != nil {
		HandleDomainError(c, err, "getItem")
		return "", "", false
	}

	itemID := c.Param("itemId")
	if itemID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "ID позиции обязателен",
		})
		return "", "", false
	}

	return itemType, itemID, true
}

// readProof читает файл квитанции из multipart формы.
// Размер ограничен до чтения тела — иначе клиент может залить гигабайты.
func (h *PaymentHandler) readProof(c *gin.Context) (clients.ArtifactUpload, bool) {
	log := logger.FromContext(c.Request.Context())

	fileHeader, err := c.FormFile("receipt")
	if err != nil {
		HandleDomainError(c, domain.ErrMissingProof, "readProof")
		return clients.ArtifactUpload{}, false
	}

	if fileHeader.Size > h.maxProofSize {
		HandleDomainError(c, domain.ErrProofTooLarge, "readProof")
		return clients.ArtifactUpload{}, false
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Error().Err(err).Msg("Ошибка открытия файла квитанции")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Ошибка чтения файла",
		})
		return clients.ArtifactUpload{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxProofSize+1))
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения файла квитанции")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Ошибка чтения файла",
		})
		return clients.ArtifactUpload{}, false
	}
	if int64(len(data)) > h.maxProofSize {
		HandleDomainError(c, domain.ErrProofTooLarge, "readProof")
		return clients.ArtifactUpload{}, false
	}

	contentType := fileHeader.Header.Get("Content-Type")

	return clients.ArtifactUpload{
		FileName:    fileHeader.Filename,
		ContentType: contentType,
		Data:        data,
	}, true
}

// sessionToResponse преобразует доменную сессию в response DTO.
// ArtifactID наружу не отдаётся — квитанция доступна только администраторам.
func sessionToResponse(s *domain.PaymentSession) SessionResponse {
	return SessionResponse{
		ID:                s.ID,
		ItemType:          string(s.ItemType),
		ItemID:            s.ItemID,
		Method:            string(s.Method),
		Status:            string(s.Status),
		AmountMinor:       s.AmountMinor,
		Currency:          s.Currency,
		ExternalReference: s.ExternalReference,
		FailureReason:     s.FailureReason,
		ResubmissionOf:    s.ResubmissionOf,
		CreatedAt:         s.CreatedAt.Unix(),
		UpdatedAt:         s.UpdatedAt.Unix(),
	}
}
