// Package repo implements the data persistence layer for ledger entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to replay settlement responses for a repeated Idempotency-Key.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, actorID, tabID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(tabID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("actor_id = ? AND tab_id = ? AND key = ? AND expires_at > ?", actorID, tabID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency stores the response and returns ErrDuplicate on a
// unique violation. Expired rows for the same key are purged first so the
// key can be reused after its TTL.
func CreateIdempotency(ctx context.Context, db *gorm.DB, actorID, tabID, key string, status int, response []byte, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	db.WithContext(ctx).
		Where("actor_id = ? AND tab_id = ? AND key = ? AND expires_at <= ?", actorID, tabID, key, now).
		Delete(&domain.Idempotency{})

	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		TabID:     tabID,
		Key:       key,
		Status:    status,
		Response:  datatypes.JSON(response),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if store.IsDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
