package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// RoomSnapshot is one persisted state of a document replica or whiteboard.
// Rows are append-only; the newest row per room and kind is current.
type RoomSnapshot struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID    string    `gorm:"type:varchar(128);not null;index:idx_room_kind_time" json:"room_id"`
	Kind      RoomKind  `gorm:"type:varchar(32);not null;index:idx_room_kind_time" json:"kind"`
	State     []byte    `gorm:"type:bytea;not null" json:"-"`
	CreatedAt time.Time `gorm:"index:idx_room_kind_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (s *RoomSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}
