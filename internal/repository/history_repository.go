package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/matricula-api/internal/models"
)

// HistoryRepository persists the append-only status history ledger.
// Entries are only ever inserted; there are no update or delete paths.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs the repository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append writes one transition record.
func (r *HistoryRepository) Append(ctx context.Context, entry *models.StatusHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollment_status_history (id, enrollment_id, previous_status, new_status, reason, actor_id, channel, metadata, created_at)
        VALUES (:id, :enrollment_id, :previous_status, :new_status, :reason, :actor_id, :channel, :metadata, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// ListByEnrollment returns the full timeline ordered oldest first.
func (r *HistoryRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.StatusHistoryEntry, error) {
	const query = `SELECT id, enrollment_id, previous_status, new_status, reason, actor_id, channel, metadata, created_at
        FROM enrollment_status_history WHERE enrollment_id = $1 ORDER BY created_at ASC`
	var entries []models.StatusHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	return entries, nil
}
