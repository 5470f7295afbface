package api

import (
	"context"

	"realtime-collab/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The handlers declare only the methods they call. The realtime registry,
the session registry and the repositories satisfy these without knowing
this package exists, and tests can swap any of them.
*/

// Presence is what the handlers need from the connection registry
type Presence interface {
	Count() int
	OnlineUsers() []string
	SendToUser(userID string, env *models.Envelope) int
	SendToProject(ctx context.Context, projectID string, env *models.Envelope) (int, error)
}

// Sessions is what the handlers need from the collaboration session registry
type Sessions interface {
	State(ctx context.Context, sessionID string) (*models.SessionState, error)
	SessionCount() int
}

// ChangeLog is what the handlers need from change storage
type ChangeLog interface {
	ListChanges(ctx context.Context, sessionID string, after uint64, limit int) ([]models.TextChange, error)
	DeleteOldChanges(ctx context.Context, sessionID string, keepCount int) (int64, error)
}

// SnapshotStore is what the handlers need from snapshot storage
type SnapshotStore interface {
	SaveContent(ctx context.Context, sessionID, content string) (*models.DocumentSnapshot, error)
}

// RecorderStats exposes the change recorder backlog
type RecorderStats interface {
	QueueLength() int
}
