package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocumentSnapshot is the last known full content of a session's document.
// It is written by the file-storage side through the API and read when a
// participant joins, so session_state can carry real content.
type DocumentSnapshot struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (d *DocumentSnapshot) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

type SnapshotUpdate struct {
	Content string `json:"content"`
}
