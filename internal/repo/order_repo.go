// Package repo implements the data persistence layer for ledger entities,
// backed by GORM. This file provides repository functions for orders and
// their status history.
//
// All functions accept a *gorm.DB handle so they can run on the plain
// connection or inside a store transaction. They follow the "thin
// repository" approach: no business rules, only persistence.
//
// Error semantics:
//   - A missing row yields ErrNotFound (gorm.ErrRecordNotFound).
//   - A versioned save that matched no row yields store.ErrConflict.
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

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateOrder inserts o, assigning an id and initial version when missing.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if o.Payment.Status == "" {
		o.Payment.Status = domain.PaymentUnpaid
	}
	return db.WithContext(ctx).Create(o).Error
}

// GetOrder fetches one order by id.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrdersByIDs loads the orders whose ids are listed. Missing ids are
// simply absent from the result.
func GetOrdersByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Order
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("created_at asc").Find(&out).Error
	return out, err
}

// SaveOrder writes every column of o when the stored version still equals
// o.Version, then bumps o.Version.
func SaveOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	prev := o.Version
	o.Version = prev + 1
	o.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND version = ?", o.ID, prev).
		Select("*").
		Omit("created_at").
		Updates(o)
	if res.Error != nil {
		o.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		o.Version = prev
		return store.ErrConflict
	}
	return nil
}

// AppendStatusEvent adds one entry to an order's status history.
func AppendStatusEvent(ctx context.Context, db *gorm.DB, ev *domain.OrderStatusEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// ListStatusEvents returns the history of an order, oldest first.
func ListStatusEvents(ctx context.Context, db *gorm.DB, orderID string) ([]domain.OrderStatusEvent, error) {
	var out []domain.OrderStatusEvent
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
