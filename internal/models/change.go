package models

import (
	"errors"
	"fmt"
	"time"
)

// ChangeType is the kind of edit carried by a TextChange
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
)

var (
	ErrInvalidPosition    = errors.New("position must be a non-negative offset")
	ErrInvalidChangeType  = errors.New("change_type must be insert, delete or replace")
	ErrChangeTextMismatch = errors.New("change text does not match change_type")
)

// TextChange is one raw edit to a shared document.
// The server never transforms or merges changes; Sequence records the
// order in which the server received them and is the only ordering peers get.
type TextChange struct {
	SessionID   string     `json:"session_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	ChangeType  ChangeType `json:"change_type"`
	Position    int        `json:"position"`
	Text        string     `json:"text,omitempty"`
	DeletedText string     `json:"deleted_text,omitempty"`
	Sequence    uint64     `json:"sequence,omitempty"`
	Timestamp   time.Time  `json:"timestamp,omitempty"`
}

// Validate checks the position and that the populated texts match the change type:
// insert carries only text, delete carries only deleted_text, replace carries both.
func (c *TextChange) Validate() error {
	if c.Position < 0 {
		return ErrInvalidPosition
	}

	hasText := c.Text != ""
	hasDeleted := c.DeletedText != ""

	switch c.ChangeType {
	case ChangeInsert:
		if !hasText || hasDeleted {
			return fmt.Errorf("%w: insert requires text and no deleted_text", ErrChangeTextMismatch)
		}
	case ChangeDelete:
		if hasText || !hasDeleted {
			return fmt.Errorf("%w: delete requires deleted_text and no text", ErrChangeTextMismatch)
		}
	case ChangeReplace:
		if !hasText || !hasDeleted {
			return fmt.Errorf("%w: replace requires text and deleted_text", ErrChangeTextMismatch)
		}
	default:
		return ErrInvalidChangeType
	}

	return nil
}
