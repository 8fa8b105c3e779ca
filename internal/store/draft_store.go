package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vbonduro/siteassess/internal/domain"
)

// DraftStore persists assessment snapshots on the device so work survives a
// restart.
type DraftStore struct {
	db *sql.DB
}

func NewDraftStore(db *sql.DB) *DraftStore {
	return &DraftStore{db: db}
}

// Save writes the snapshot, replacing any earlier one for the same id. An
// older version never overwrites a newer one.
func (s *DraftStore) Save(ctx context.Context, snap domain.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, status, snapshot, updated_at, version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at,
			version = excluded.version
		WHERE excluded.version >= drafts.version
	`, snap.ID, string(snap.Status), string(payload), snap.UpdatedAt, snap.Version)
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}

	return nil
}

func (s *DraftStore) Get(ctx context.Context, id string) (domain.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM drafts WHERE id = ?
	`, id).Scan(&payload)

	if err == sql.ErrNoRows {
		return domain.Snapshot{}, fmt.Errorf("draft %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to get draft: %w", err)
	}

	return decodeSnapshot(payload)
}

// List returns every persisted snapshot, most recently updated first.
func (s *DraftStore) List(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM drafts ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var snaps []domain.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drafts: %w", err)
	}

	return snaps, nil
}

func (s *DraftStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("draft %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

func decodeSnapshot(payload string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to decode draft: %w", err)
	}
	return snap, nil
}
