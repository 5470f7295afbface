package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: CHANGE LOG PERSISTENCE

Every change the server broadcasts is also appended to a log.
The log is never replayed into a merged document (there is no merge);
it exists so that:
- sequence numbers resume after a restart instead of starting at 1 again
- late joiners and tooling can fetch "everything after sequence N"
- there is an audit trail of who changed what, in server arrival order

Flow:
  Client A sends change → server assigns sequence → broadcast to peers
  → change recorder worker → INSERT text_changes
*/

// ChangeRecord stores a single broadcast TextChange
type ChangeRecord struct {
	ID          string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	SessionID   string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_session_seq" json:"session_id"`
	Sequence    uint64    `gorm:"not null;uniqueIndex:idx_session_seq" json:"sequence"`
	UserID      string    `gorm:"type:varchar(255);not null" json:"user_id"`
	ChangeType  string    `gorm:"type:varchar(16);not null" json:"change_type"`
	Position    int       `gorm:"not null" json:"position"`
	Text        string    `gorm:"type:text" json:"text"`
	DeletedText string    `gorm:"type:text" json:"deleted_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (c *ChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChangeRecord) TableName() string {
	return "text_changes"
}

// NewChangeRecord converts a sequenced change into its row
func NewChangeRecord(change TextChange) *ChangeRecord {
	return &ChangeRecord{
		SessionID:   change.SessionID,
		Sequence:    change.Sequence,
		UserID:      change.UserID,
		ChangeType:  string(change.ChangeType),
		Position:    change.Position,
		Text:        change.Text,
		DeletedText: change.DeletedText,
		CreatedAt:   change.Timestamp,
	}
}

// TextChange converts the row back into the wire type
func (c *ChangeRecord) TextChange() TextChange {
	return TextChange{
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		ChangeType:  ChangeType(c.ChangeType),
		Position:    c.Position,
		Text:        c.Text,
		DeletedText: c.DeletedText,
		Sequence:    c.Sequence,
		Timestamp:   c.CreatedAt,
	}
}
