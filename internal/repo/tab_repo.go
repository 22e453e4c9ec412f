// Package repo implements the data persistence layer for ledger entities,
// backed by GORM. This file provides repository functions for tabs, the
// tab/order link rows and dining tables.
package repo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

// NewAccessToken returns a random capability token for a tab.
func NewAccessToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateTab inserts a fresh active tab for tableID with zero totals.
func CreateTab(ctx context.Context, db *gorm.DB, businessID, tableID string) (*domain.Tab, error) {
	token, err := NewAccessToken()
	if err != nil {
		return nil, err
	}
	t := &domain.Tab{
		ID:            uuid.NewString(),
		BusinessID:    businessID,
		TableID:       tableID,
		Status:        domain.TabActive,
		TotalAmount:   decimal.Zero,
		PaidAmount:    decimal.Zero,
		PendingAmount: decimal.Zero,
		AccessToken:   token,
		Version:       1,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetTab fetches one tab by id.
func GetTab(ctx context.Context, db *gorm.DB, id string) (*domain.Tab, error) {
	var t domain.Tab
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTabByToken fetches the tab owning an access token.
func GetTabByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Tab, error) {
	var t domain.Tab
	if err := db.WithContext(ctx).Where("access_token = ?", token).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FindOpenTab returns the newest non-closed tab at a table, or ErrNotFound.
func FindOpenTab(ctx context.Context, db *gorm.DB, businessID, tableID string) (*domain.Tab, error) {
	var t domain.Tab
	err := db.WithContext(ctx).
		Where("business_id = ? AND table_id = ? AND status <> ?", businessID, tableID, domain.TabClosed).
		Order("created_at desc").
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOpenTabs returns every tab that is not closed.
func ListOpenTabs(ctx context.Context, db *gorm.DB) ([]domain.Tab, error) {
	var out []domain.Tab
	err := db.WithContext(ctx).
		Where("status <> ?", domain.TabClosed).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// SaveTab writes every column of t when the stored version still equals
// t.Version, then bumps t.Version.
func SaveTab(ctx context.Context, db *gorm.DB, t *domain.Tab) error {
	prev := t.Version
	t.Version = prev + 1
	t.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Tab{}).
		Where("id = ? AND version = ?", t.ID, prev).
		Select("*").
		Omit("created_at").
		Updates(t)
	if res.Error != nil {
		t.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		t.Version = prev
		return store.ErrConflict
	}
	return nil
}

// LinkOrder appends the tab/order link. Re-linking is a no-op.
func LinkOrder(ctx context.Context, db *gorm.DB, tabID, orderID string) error {
	link := domain.TabOrder{TabID: tabID, OrderID: orderID, AddedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// TabOrderIDs returns the ids of every order referencing the tab, either
// through a link row or through the order's own tab_id.
func TabOrderIDs(ctx context.Context, db *gorm.DB, tabID string) ([]string, error) {
	var linked []string
	if err := db.WithContext(ctx).
		Model(&domain.TabOrder{}).
		Where("tab_id = ?", tabID).
		Order("added_at asc").
		Pluck("order_id", &linked).Error; err != nil {
		return nil, err
	}
	var direct []string
	if err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("tab_id = ?", tabID).
		Order("created_at asc").
		Pluck("id", &direct).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(linked)+len(direct))
	out := make([]string, 0, len(linked)+len(direct))
	for _, id := range append(linked, direct...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// GetDiningTable fetches a table by id.
func GetDiningTable(ctx context.Context, db *gorm.DB, id string) (*domain.DiningTable, error) {
	var dt domain.DiningTable
	if err := db.WithContext(ctx).Where("id = ?", id).First(&dt).Error; err != nil {
		return nil, err
	}
	return &dt, nil
}

// EnsureDiningTable returns the table, creating an empty one on first use.
func EnsureDiningTable(ctx context.Context, db *gorm.DB, businessID, id string) (*domain.DiningTable, error) {
	dt := domain.DiningTable{ID: id, BusinessID: businessID, Label: id, Status: domain.TableAvailable}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&dt).Error; err != nil {
		return nil, err
	}
	return GetDiningTable(ctx, db, id)
}

// CountOpenTabs counts the non-closed tabs seated at a table.
func CountOpenTabs(ctx context.Context, db *gorm.DB, tableID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Tab{}).
		Where("table_id = ? AND status <> ?", tableID, domain.TabClosed).
		Count(&n).Error
	return n, err
}

// SetTableOccupancy overwrites the derived occupancy fields of a table.
func SetTableOccupancy(ctx context.Context, db *gorm.DB, tableID string, activeTabs int) error {
	status := domain.TableAvailable
	if activeTabs > 0 {
		status = domain.TableOccupied
	}
	return db.WithContext(ctx).
		Model(&domain.DiningTable{}).
		Where("id = ?", tableID).
		Updates(map[string]any{
			"active_tabs": activeTabs,
			"status":      status,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// ListDiningTableIDs returns the ids of all known tables.
func ListDiningTableIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.DiningTable{}).Order("id asc").Pluck("id", &ids).Error
	return ids, err
}
