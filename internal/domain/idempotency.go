package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency records the response of a settlement request keyed by
// (actor_id, tab_id, key). A replay with the same key returns the stored
// response instead of opening a second gateway order.
type Idempotency struct {
	ID        string         `gorm:"type:TEXT NOT NULL;primaryKey"`
	ActorID   string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_tab_key,priority:1"`
	TabID     string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_tab_key,priority:2"`
	Key       string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_tab_key,priority:3"`
	Status    int            `gorm:"type:INTEGER NOT NULL"`
	Response  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time      `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
