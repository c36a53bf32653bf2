package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const columns = `id, observation_id, filename, content_type, size, file_hash, created_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scanRows(rows *sql.Rows) (models.Attachment, error) {
	var a models.Attachment
	err := rows.Scan(&a.ID, &a.ObservationID, &a.Filename, &a.ContentType, &a.Size, &a.Hash, timex.Into(&a.CreatedAt))
	return a, err
}

func (r *SQLiteRepository) Insert(ctx context.Context, a models.Attachment, sealedPayload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attachments (id, observation_id, filename, content_type, size, file_hash, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ObservationID, a.Filename, a.ContentType, a.Size, a.Hash, timex.Format(a.CreatedAt), sealedPayload)
	if err != nil {
		return fmt.Errorf("insert attachment %s: %w", a.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (models.Attachment, []byte, error) {
	var (
		a       models.Attachment
		payload []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+columns+`, payload FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.ObservationID, &a.Filename, &a.ContentType, &a.Size, &a.Hash, timex.Into(&a.CreatedAt), &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attachment{}, nil, fmt.Errorf("attachment %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return models.Attachment{}, nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return a, payload, nil
}

func (r *SQLiteRepository) ListByObservation(ctx context.Context, observationID string) ([]models.Attachment, error) {
	list, err := dbx.QueryAll(ctx, r.db, scanRows,
		`SELECT `+columns+` FROM attachments WHERE observation_id = ? ORDER BY created_at, id`, observationID)
	if err != nil {
		return nil, fmt.Errorf("list attachments of observation %s: %w", observationID, err)
	}
	return list, nil
}

func (r *SQLiteRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Attachment, error) {
	list, err := dbx.QueryAll(ctx, r.db, scanRows, `
		SELECT a.id, a.observation_id, a.filename, a.content_type, a.size, a.file_hash, a.created_at
		FROM attachments a JOIN observations o ON o.id = a.observation_id
		WHERE o.student_id = ? ORDER BY a.created_at, a.id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments of student %s: %w", studentID, err)
	}
	return list, nil
}

func (r *SQLiteRepository) IDs(ctx context.Context) ([]string, error) {
	ids, err := dbx.QueryAll(ctx, r.db, func(rows *sql.Rows) (string, error) {
		var id string
		return id, rows.Scan(&id)
	}, `SELECT id FROM attachments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("attachment ids: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) UpdatePayload(ctx context.Context, id string, sealedPayload []byte) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attachments SET payload = ? WHERE id = ?`, sealedPayload, id)
	if err != nil {
		return fmt.Errorf("reseal attachment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attachment %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) CountByStudent(ctx context.Context, studentID string) (int, error) {
	n, err := dbx.Count(ctx, r.db, `
		SELECT COUNT(*) FROM attachments
		WHERE observation_id IN (SELECT id FROM observations WHERE student_id = ?)`, studentID)
	if err != nil {
		return 0, fmt.Errorf("count attachments of student %s: %w", studentID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) DeleteByObservation(ctx context.Context, observationID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE observation_id = ?`, observationID)
	if err != nil {
		return 0, fmt.Errorf("delete attachments of observation %s: %w", observationID, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) DeleteByStudent(ctx context.Context, studentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM attachments
		WHERE observation_id IN (SELECT id FROM observations WHERE student_id = ?)`, studentID)
	if err != nil {
		return 0, fmt.Errorf("delete attachments of student %s: %w", studentID, err)
	}
	return res.RowsAffected()
}
