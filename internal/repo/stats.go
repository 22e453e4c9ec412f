// Package repo implements the data persistence layer for ledger entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
)

// TabOrderStats returns the number of orders carrying tabID and the latest
// UpdatedAt among them. When the tab has no orders, count is 0 and
// maxUpdatedAt is nil.
func TabOrderStats(ctx context.Context, db *gorm.DB, tabID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Order{}).Where("tab_id = ?", tabID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Order{}).
		Where("tab_id = ?", tabID).
		Select("updated_at").
		Order("updated_at DESC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
