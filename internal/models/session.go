package models

import "time"

// CursorPosition is where a participant's caret sits in the document
// Learning: This is ephemeral user state, it lives only as long as the session
type CursorPosition struct {
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	Timestamp time.Time `json:"timestamp"`
}

// TextSelection is a participant's highlighted range
type TextSelection struct {
	StartLine   int       `json:"start_line"`
	StartColumn int       `json:"start_column"`
	EndLine     int       `json:"end_line"`
	EndColumn   int       `json:"end_column"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionState is the snapshot a late joiner receives to reconstruct visible peers
type SessionState struct {
	SessionID       string                    `json:"session_id"`
	Content         string                    `json:"content"`
	Participants    []string                  `json:"participants"`
	CursorPositions map[string]CursorPosition `json:"cursor_positions"`
	Selections      map[string]TextSelection  `json:"selections"`
	Sequence        uint64                    `json:"sequence"`
}

// Payload flattens the state into session_state envelope fields
func (s *SessionState) Payload() map[string]any {
	return map[string]any{
		"content":          s.Content,
		"participants":     s.Participants,
		"cursor_positions": s.CursorPositions,
		"selections":       s.Selections,
		"sequence":         s.Sequence,
	}
}
