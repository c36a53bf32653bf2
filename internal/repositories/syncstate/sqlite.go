package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (models.SyncState, error) {
	var (
		s    models.SyncState
		last sql.NullString
	)
	if err := r.Scan(&s.PeerID, &last, &s.LastChecksum, timex.Into(&s.UpdatedAt)); err != nil {
		return models.SyncState{}, err
	}
	if last.Valid {
		t, err := timex.Parse(last.String)
		if err != nil {
			return models.SyncState{}, err
		}
		s.LastSyncAt = &t
	}
	return s, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, peerID string) (models.SyncState, error) {
	s, err := scan(r.db.QueryRowContext(ctx,
		`SELECT peer_id, last_sync_at, last_checksum, updated_at FROM sync_state WHERE peer_id = ?`, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncState{PeerID: peerID}, nil
	}
	if err != nil {
		return models.SyncState{}, fmt.Errorf("get sync state %s: %w", peerID, err)
	}
	return s, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, s models.SyncState) error {
	var last any
	if s.LastSyncAt != nil {
		last = timex.Format(*s.LastSyncAt)
	}
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (peer_id, last_sync_at, last_checksum, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_checksum = excluded.last_checksum,
			updated_at = excluded.updated_at`,
		s.PeerID, last, s.LastChecksum, timex.Format(updated))
	if err != nil {
		return fmt.Errorf("set sync state %s: %w", s.PeerID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.SyncState, error) {
	list, err := dbx.QueryAll(ctx, r.db, func(rows *sql.Rows) (models.SyncState, error) { return scan(rows) },
		`SELECT peer_id, last_sync_at, last_checksum, updated_at FROM sync_state ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	return list, nil
}
