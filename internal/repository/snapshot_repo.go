package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtime-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepositoryImpl stores the latest document content per session
// Learning: The service packages declare the interfaces they need from it
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// SaveContent inserts or replaces the snapshot of a session
// Learning: ON CONFLICT keeps one row per session without a read-then-write race
func (r *SnapshotRepositoryImpl) SaveContent(ctx context.Context, sessionID, content string) (*models.DocumentSnapshot, error) {
	snapshot := &models.DocumentSnapshot{
		SessionID: sessionID,
		Content:   content,
		UpdatedAt: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).
		Create(snapshot).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot for session %s: %w", sessionID, err)
	}

	return r.GetBySession(ctx, sessionID)
}

// GetBySession returns the stored snapshot or nil when there is none
func (r *SnapshotRepositoryImpl) GetBySession(ctx context.Context, sessionID string) (*models.DocumentSnapshot, error) {
	var snapshot models.DocumentSnapshot

	err := r.db.WithContext(ctx).First(&snapshot, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snapshot, nil
}

// LoadContent returns the stored content, empty when nothing was saved yet
func (r *SnapshotRepositoryImpl) LoadContent(ctx context.Context, sessionID string) (string, error) {
	snapshot, err := r.GetBySession(ctx, sessionID)
	if err != nil || snapshot == nil {
		return "", err
	}
	return snapshot.Content, nil
}
