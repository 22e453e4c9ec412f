// Package repo implements the data persistence layer for ledger entities,
// backed by GORM. This file provides repository functions for the payment
// bookkeeping tables: processed-payment markers and failed events.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// GetProcessedPayment returns the marker for paymentID or ErrNotFound.
func GetProcessedPayment(ctx context.Context, db *gorm.DB, paymentID string) (*domain.ProcessedPayment, error) {
	var rec domain.ProcessedPayment
	if err := db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateProcessedPayment inserts the marker and returns ErrDuplicate when
// the payment id is already recorded.
func CreateProcessedPayment(ctx context.Context, db *gorm.DB, rec *domain.ProcessedPayment) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if store.IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CountProcessedPayments counts the markers for paymentID (0 or 1).
func CountProcessedPayments(ctx context.Context, db *gorm.DB, paymentID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ProcessedPayment{}).Where("payment_id = ?", paymentID).Count(&n).Error
	return n, err
}

// CreateFailedEvent inserts a pending failed-event record.
func CreateFailedEvent(ctx context.Context, db *gorm.DB, fe *domain.FailedEvent) error {
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.Status == "" {
		fe.Status = domain.FailedPending
	}
	if fe.Version == 0 {
		fe.Version = 1
	}
	return db.WithContext(ctx).Create(fe).Error
}

// GetFailedEvent fetches a failed event by id.
func GetFailedEvent(ctx context.Context, db *gorm.DB, id string) (*domain.FailedEvent, error) {
	var fe domain.FailedEvent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&fe).Error; err != nil {
		return nil, err
	}
	return &fe, nil
}

// SaveFailedEvent writes fe when the stored version still equals fe.Version.
func SaveFailedEvent(ctx context.Context, db *gorm.DB, fe *domain.FailedEvent) error {
	prev := fe.Version
	fe.Version = prev + 1
	fe.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.FailedEvent{}).
		Where("id = ? AND version = ?", fe.ID, prev).
		Select("*").
		Omit("created_at").
		Updates(fe)
	if res.Error != nil {
		fe.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		fe.Version = prev
		return store.ErrConflict
	}
	return nil
}

// CountFailedEvents counts records, optionally restricted to one status.
func CountFailedEvents(ctx context.Context, db *gorm.DB, status domain.FailedEventStatus) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.FailedEvent{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&n).Error
	return n, err
}

// ListFailedEventsPage returns a page of records, newest first.
func ListFailedEventsPage(ctx context.Context, db *gorm.DB, status domain.FailedEventStatus, offset, limit int) ([]domain.FailedEvent, error) {
	var out []domain.FailedEvent
	q := db.WithContext(ctx).Model(&domain.FailedEvent{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// ListRetryable returns up to limit pending records, oldest first.
func ListRetryable(ctx context.Context, db *gorm.DB, limit int) ([]domain.FailedEvent, error) {
	var out []domain.FailedEvent
	err := db.WithContext(ctx).
		Where("status = ?", domain.FailedPending).
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStaleProcessing returns processing records last claimed before cutoff.
func ListStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.FailedEvent, error) {
	var out []domain.FailedEvent
	err := db.WithContext(ctx).
		Where("status = ? AND last_tried_at < ?", domain.FailedProcessing, cutoff).
		Order("last_tried_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
