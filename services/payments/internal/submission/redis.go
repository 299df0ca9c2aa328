package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Префиксы ключей Redis.
const (
	prefixSubmitLock = "payments:submit-lock:"
	prefixIntent     = "payments:intent:"
	prefixCapture    = "payments:capture:"
)

// captureGuardTTL — время жизни маркера выполненного capture.
// Сутки покрывают любые разумные retry от процессора.
const captureGuardTTL = 24 * time.Hour

// =============================================================================
// SubmitLock — защита от конкурентных сабмитов
// =============================================================================

// SubmitLock не даёт запустить второй сабмит по той же позиции, пока
// выполняется первый. SETNX с TTL: упавший процесс не оставит вечный замок.
type SubmitLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSubmitLock создаёт блокировку сабмитов.
func NewSubmitLock(client *redis.Client, ttl time.Duration) *SubmitLock {
	return &SubmitLock{client: client, ttl: ttl}
}

// lockKey возвращает ключ блокировки по позиции.
func lockKey(userID, itemType, itemID string) string {
	return fmt.Sprintf("%s%s:%s:%s", prefixSubmitLock, userID, itemType, itemID)
}

// Acquire пытается взять блокировку. false — сабмит уже выполняется.
func (l *SubmitLock) Acquire(ctx context.Context, userID, itemType, itemID string) (bool, error) {
	return l.client.SetNX(ctx, lockKey(userID, itemType, itemID), "1", l.ttl).Result()
}

// Release освобождает блокировку.
func (l *SubmitLock) Release(ctx context.Context, userID, itemType, itemID string) error {
	return l.client.Del(ctx, lockKey(userID, itemType, itemID)).Err()
}

// =============================================================================
// IntentCache — кеш redirect-интентов
// =============================================================================

// StoredIntent — снимок созданного интента для последующего capture.
// Capture без записи в кеше отклоняется: неизвестным параметрам не верим.
type StoredIntent struct {
	SessionID         string    `json:"session_id"`
	ExternalReference string    `json:"external_reference"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	CreatedAt         time.Time `json:"created_at"`
}

// IntentCache хранит созданные redirect-интенты в Redis с TTL.
type IntentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIntentCache создаёт кеш интентов.
func NewIntentCache(client *redis.Client, ttl time.Duration) *IntentCache {
	return &IntentCache{client: client, ttl: ttl}
}

// Save сохраняет интент под его external reference.
func (c *IntentCache) Save(ctx context.Context, intent *StoredIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("ошибка сериализации интента: %w", err)
	}
	return c.client.Set(ctx, prefixIntent+intent.ExternalReference, data, c.ttl).Err()
}

// Get возвращает интент по external reference.
// (nil, nil) — интента нет: не создавался, истёк или уже использован.
func (c *IntentCache) Get(ctx context.Context, externalReference string) (*StoredIntent, error) {
	data, err := c.client.Get(ctx, prefixIntent+externalReference).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var intent StoredIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("ошибка десериализации интента: %w", err)
	}
	return &intent, nil
}

// Delete удаляет интент после использования.
func (c *IntentCache) Delete(ctx context.Context, externalReference string) error {
	return c.client.Del(ctx, prefixIntent+externalReference).Err()
}

// =============================================================================
// CaptureGuard — идемпотентность capture
// =============================================================================

// CaptureGuard помечает платёж обработанным. Повторный capture того же
// external reference отклоняется без похода к процессору.
type CaptureGuard struct {
	client *redis.Client
}

// NewCaptureGuard создаёт guard идемпотентности capture.
func NewCaptureGuard(client *redis.Client) *CaptureGuard {
	return &CaptureGuard{client: client}
}

// TryMark помечает платёж обрабатываемым. false — уже обработан.
func (g *CaptureGuard) TryMark(ctx context.Context, externalReference string) (bool, error) {
	return g.client.SetNX(ctx, prefixCapture+externalReference, "1", captureGuardTTL).Result()
}

// Unmark снимает маркер — capture не дошёл до конца, можно повторить.
func (g *CaptureGuard) Unmark(ctx context.Context, externalReference string) error {
	return g.client.Del(ctx, prefixCapture+externalReference).Err()
}
