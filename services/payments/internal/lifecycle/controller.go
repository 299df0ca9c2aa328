// Package lifecycle управляет жизненным циклом платёжной заявки от выбора
// метода до терминального статуса. Controller — точка входа для HTTP слоя:
// создание сессии, сабмит, отмена черновика, повторная подача.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"example.com/enrollment-payments/pkg/logger"
	"example.com/enrollment-payments/services/payments/internal/clients"
	"example.com/enrollment-payments/services/payments/internal/domain"
	"example.com/enrollment-payments/services/payments/internal/gate"
	"example.com/enrollment-payments/services/payments/internal/repository"
)

// MethodGate проверяет доступность методов оплаты.
type MethodGate interface {
	AvailableMethods(ctx context.Context) ([]gate.MethodAvailability, error)
	Check(ctx context.Context, method domain.Method) error
}

// Catalog отдаёт цены позиций.
type Catalog interface {
	GetPrice(ctx context.Context, itemType domain.ItemType, itemID string) (*clients.ItemPrice, error)
}

// Submitter выполняет сабмит заявки (оркестратор).
type Submitter interface {
	SubmitManual(ctx context.Context, session *domain.PaymentSession, upload clients.ArtifactUpload, details domain.PayerDetails) error
	CreateIntent(ctx context.Context, session *domain.PaymentSession, description string) (*clients.Intent, error)
	Capture(ctx context.Context, externalReference string) (*domain.PaymentSession, error)
}

// Controller координирует жизненный цикл платёжных заявок.
type Controller struct {
	sessions  repository.SessionRepository
	gate      MethodGate
	catalog   Catalog
	submitter Submitter
}

// NewController создаёт Controller.
func NewController(sessions repository.SessionRepository, g MethodGate, catalog Catalog, submitter Submitter) *Controller {
	return &Controller{
		sessions:  sessions,
		gate:      g,
		catalog:   catalog,
		submitter: submitter,
	}
}

// Methods возвращает методы оплаты с их текущей доступностью.
func (c *Controller) Methods(ctx context.Context) ([]gate.MethodAvailability, error) {
	return c.gate.AvailableMethods(ctx)
}

// =============================================================================
// Создание сессии
// =============================================================================

// IntentResult — результат создания redirect-интента.
type IntentResult struct {
	// Session — nil для бесплатной позиции: оплата не нужна, сессия не создаётся.
	Session     *domain.PaymentSession
	RedirectURL string
	FreeItem    bool
}

// ApplicationResult — результат подачи заявки с ручным переводом.
type ApplicationResult struct {
	// Session — nil для бесплатной позиции.
	Session  *domain.PaymentSession
	FreeItem bool
}

// getOrCreateDraft возвращает активную сессию пользователя по позиции или
// создаёт новый черновик с выбранным методом и снимком цены.
//
// Черновик с другим методом пересоздаётся: пользователь передумал и выбрал
// другой способ оплаты, это не конфликт. Сессия дальше черновика — конфликт.
func (c *Controller) getOrCreateDraft(ctx context.Context, userID string, itemType domain.ItemType, itemID string, method domain.Method, price *clients.ItemPrice) (*domain.PaymentSession, error) {
	existing, err := c.sessions.GetActiveForItem(ctx, userID, itemType, itemID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.Status != domain.StatusDraft {
			return nil, domain.ErrActiveSessionExists
		}
		if existing.Method == method {
			// Снимок цены фиксируется на сабмите: черновик несёт актуальную
			// цену, после коммита сумма больше не меняется
			existing.AmountMinor = price.AmountMinor
			existing.Currency = price.Currency
			return existing, nil
		}
		// Черновик с другим методом — заменяем
		if err := c.sessions.Delete(ctx, existing.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, fmt.Errorf("ошибка удаления старого черновика: %w", err)
		}
	}

	return c.createDraft(ctx, userID, itemType, itemID, method, price, nil)
}

// createDraft создаёт новый черновик сессии со снимком цены.
func (c *Controller) createDraft(ctx context.Context, userID string, itemType domain.ItemType, itemID string, method domain.Method, price *clients.ItemPrice, resubmissionOf *string) (*domain.PaymentSession, error) {
	session := &domain.PaymentSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		ItemType:       itemType,
		ItemID:         itemID,
		Method:         method,
		Status:         domain.StatusDraft,
		AmountMinor:    price.AmountMinor,
		Currency:       price.Currency,
		ResubmissionOf: resubmissionOf,
	}

	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("session_id", session.ID).
		Str("item_type", string(itemType)).
		Str("item_id", itemID).
		Str("method", string(method)).
		Int64("amount_minor", session.AmountMinor).
		Msg("Создан черновик платёжной сессии")

	return session, nil
}

// bypassFree проводит бесплатную позицию: оплата не нужна, платёжная сессия
// не создаётся вовсе. Завалявшийся черновик (позиция стала бесплатной после
// его создания) удаляется, заявка дальше черновика — конфликт.
func (c *Controller) bypassFree(ctx context.Context, userID string, itemType domain.ItemType, itemID string) error {
	existing, err := c.sessions.GetActiveForItem(ctx, userID, itemType, itemID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}

	if existing != nil {
		if existing.Status != domain.StatusDraft {
			return domain.ErrActiveSessionExists
		}
		if err := c.sessions.Delete(ctx, existing.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return fmt.Errorf("ошибка удаления черновика бесплатной позиции: %w", err)
		}
	}

	logger.Ctx(ctx).Info().
		Str("item_type", string(itemType)).
		Str("item_id", itemID).
		Msg("Бесплатная позиция — оплата не требуется, сессия не создаётся")
	return nil
}

// =============================================================================
// Redirect-процессор
// =============================================================================

// CreateIntent начинает оплату через redirect-процессор: создаёт (или
// переиспользует) черновик и интент у процессора.
// Бесплатная позиция оплаты не требует — сессия не создаётся.
func (c *Controller) CreateIntent(ctx context.Context, userID string, itemType domain.ItemType, itemID string) (*IntentResult, error) {
	if err := c.gate.Check(ctx, domain.MethodRedirectProcessor); err != nil {
		return nil, err
	}

	price, err := c.catalog.GetPrice(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if price.AmountMinor == 0 {
		if err := c.bypassFree(ctx, userID, itemType, itemID); err != nil {
			return nil, err
		}
		return &IntentResult{FreeItem: true}, nil
	}

	session, err := c.getOrCreateDraft(ctx, userID, itemType, itemID, domain.MethodRedirectProcessor, price)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Оплата %s %s", session.ItemType, session.ItemID)
	intent, err := c.submitter.CreateIntent(ctx, session, description)
	if err != nil {
		return nil, err
	}

	return &IntentResult{Session: session, RedirectURL: intent.RedirectURL}, nil
}

// Capture подтверждает redirect-платёж после возврата пользователя.
func (c *Controller) Capture(ctx context.Context, externalReference string) (*domain.PaymentSession, error) {
	return c.submitter.Capture(ctx, externalReference)
}

// =============================================================================
// Ручной банковский перевод
// =============================================================================

// SubmitApplication подаёт заявку с ручным переводом: создаёт (или
// переиспользует) черновик, загружает квитанцию, фиксирует заявку.
// Бесплатная позиция оплаты не требует — квитанция и сессия не нужны.
func (c *Controller) SubmitApplication(
	ctx context.Context,
	userID string,
	itemType domain.ItemType,
	itemID string,
	upload clients.ArtifactUpload,
	details domain.PayerDetails,
) (*ApplicationResult, error) {
	if err := c.gate.Check(ctx, domain.MethodManualTransfer); err != nil {
		return nil, err
	}

	price, err := c.catalog.GetPrice(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if price.AmountMinor == 0 {
		if err := c.bypassFree(ctx, userID, itemType, itemID); err != nil {
			return nil, err
		}
		return &ApplicationResult{FreeItem: true}, nil
	}

	session, err := c.getOrCreateDraft(ctx, userID, itemType, itemID, domain.MethodManualTransfer, price)
	if err != nil {
		return nil, err
	}

	if err := c.submitter.SubmitManual(ctx, session, upload, details); err != nil {
		return nil, err
	}

	return &ApplicationResult{Session: session}, nil
}

// =============================================================================
// Отмена и повторная подача
// =============================================================================

// Abandon отменяет черновик по позиции. Операция всегда успешна:
// нет сессии, сессия уже подана или оплачена — просто нечего отменять.
func (c *Controller) Abandon(ctx context.Context, userID string, itemType domain.ItemType, itemID string) {
	log := logger.FromContext(ctx)

	session, err := c.sessions.GetActiveForItem(ctx, userID, itemType, itemID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			log.Error().Err(err).Msg("Ошибка поиска сессии при отмене, отвечаем успехом")
		}
		return
	}

	if session.Status != domain.StatusDraft {
		log.Info().
			Str("session_id", session.ID).
			Str("status", string(session.Status)).
			Msg("Отмена невозможна — сессия уже не черновик, отвечаем успехом")
		return
	}

	if err := c.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка удаления черновика, отвечаем успехом")
		return
	}

	log.Info().Str("session_id", session.ID).Msg("Черновик платёжной сессии отменён")
}

// Resubmit создаёт новую сессию после отклонения или удаления заявки.
// Новая сессия ссылается на предыдущую через resubmission_of.
func (c *Controller) Resubmit(ctx context.Context, userID string, itemType domain.ItemType, itemID string, method domain.Method) (*domain.PaymentSession, error) {
	if err := c.gate.Check(ctx, method); err != nil {
		return nil, err
	}

	history, err := c.sessions.ListForItem(ctx, userID, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	last := history[0]
	if last.Status.IsBlocking() {
		return nil, domain.ErrActiveSessionExists
	}

	// Повторная подача берёт актуальную цену, а не снимок отклонённой заявки
	price, err := c.catalog.GetPrice(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}

	session, err := c.createDraft(ctx, userID, itemType, itemID, method, price, &last.ID)
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("session_id", session.ID).
		Str("previous_session_id", last.ID).
		Msg("Создана повторная подача после отклонения")

	return session, nil
}
