package repository

import (
	"context"
	"errors"
	"fmt"

	"realtime-collab/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: CHANGE LOG QUERIES

Query patterns:
- StoreChange: append one sequenced change
- ListChanges: incremental fetch, everything after sequence N
- LatestSequence: where numbering resumes after a restart
- DeleteOldChanges: keep the log bounded per session

(session_id, sequence) is unique, so ordering by sequence is the
server's arrival order.
*/

// ChangeRepositoryImpl stores broadcast text changes
type ChangeRepositoryImpl struct {
	db *gorm.DB
}

// NewChangeRepository creates a new change repository
func NewChangeRepository(db *gorm.DB) *ChangeRepositoryImpl {
	return &ChangeRepositoryImpl{db: db}
}

// StoreChange appends a sequenced change to the log
func (r *ChangeRepositoryImpl) StoreChange(ctx context.Context, change models.TextChange) error {
	if err := r.db.WithContext(ctx).Create(models.NewChangeRecord(change)).Error; err != nil {
		return fmt.Errorf("failed to store change %s/%d: %w", change.SessionID, change.Sequence, err)
	}
	return nil
}

// ListChanges returns up to limit changes with a sequence greater than after,
// oldest first. A limit of zero or less means no limit.
func (r *ChangeRepositoryImpl) ListChanges(ctx context.Context, sessionID string, after uint64, limit int) ([]models.TextChange, error) {
	var records []*models.ChangeRecord

	query := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence > ?", sessionID, after).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	changes := make([]models.TextChange, 0, len(records))
	for _, rec := range records {
		changes = append(changes, rec.TextChange())
	}
	return changes, nil
}

// LatestSequence returns the highest stored sequence, zero for an unknown session
func (r *ChangeRepositoryImpl) LatestSequence(ctx context.Context, sessionID string) (uint64, error) {
	var latest models.ChangeRecord

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence DESC").
		First(&latest).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil // No changes yet
		}
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}

	return latest.Sequence, nil
}

// DeleteOldChanges keeps only the newest keepCount changes of a session and
// returns how many rows were removed
func (r *ChangeRepositoryImpl) DeleteOldChanges(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	latest, err := r.LatestSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if latest <= uint64(keepCount) {
		return 0, nil // Nothing to delete
	}
	cutoff := latest - uint64(keepCount)

	result := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence <= ?", sessionID, cutoff).
		Delete(&models.ChangeRecord{})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old changes: %w", result.Error)
	}

	return result.RowsAffected, nil
}
