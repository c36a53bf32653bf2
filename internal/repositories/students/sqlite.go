package students

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const columns = `id, class_id, first_name, last_name, status, created_at, updated_at, source_device_id`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (models.Student, error) {
	var s models.Student
	err := r.Scan(&s.ID, &s.ClassID, &s.FirstName, &s.LastName, &s.Status,
		timex.Into(&s.CreatedAt), timex.Into(&s.UpdatedAt), &s.SourceDeviceID)
	return s, err
}

func scanRows(rows *sql.Rows) (models.Student, error) { return scan(rows) }

func (r *SQLiteRepository) Insert(ctx context.Context, s models.Student) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO students (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ClassID, s.FirstName, s.LastName, s.Status,
		timex.Format(s.CreatedAt), timex.Format(s.UpdatedAt), s.SourceDeviceID, timex.Format(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert student %s: %w", s.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, s models.Student) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET class_id = ?, first_name = ?, last_name = ?, status = ?, updated_at = ?, changed_at = ?,
			source_device_id = ?
		WHERE id = ?`,
		s.ClassID, s.FirstName, s.LastName, s.Status, timex.Format(s.UpdatedAt), timex.Format(s.UpdatedAt),
		s.SourceDeviceID, s.ID)
	if err != nil {
		return fmt.Errorf("update student %s: %w", s.ID, err)
	}
	return requireOne(res, s.ID)
}

// Upsert writes a row received from a peer, stamped with the local changedAt.
func (r *SQLiteRepository) Upsert(ctx context.Context, s models.Student, changedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class_id = excluded.class_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			status = excluded.status,
			updated_at = excluded.updated_at,
			source_device_id = excluded.source_device_id,
			changed_at = excluded.changed_at`,
		s.ID, s.ClassID, s.FirstName, s.LastName, s.Status,
		timex.Format(s.CreatedAt), timex.Format(s.UpdatedAt), s.SourceDeviceID, timex.Format(changedAt))
	if err != nil {
		return fmt.Errorf("upsert student %s: %w", s.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status models.StudentStatus, at time.Time, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE students SET status = ?, updated_at = ?, changed_at = ?, source_device_id = ? WHERE id = ?`,
		status, timex.Format(at), timex.Format(at), deviceID, id)
	if err != nil {
		return fmt.Errorf("set student %s status: %w", id, err)
	}
	return requireOne(res, id)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (models.Student, error) {
	s, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM students WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Student{}, fmt.Errorf("student %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return models.Student{}, fmt.Errorf("get student %s: %w", id, err)
	}
	return s, nil
}

// ListByClass returns the students of a class in storage order; callers sort
// for display.
func (r *SQLiteRepository) ListByClass(ctx context.Context, classID string, includeDeleted bool) ([]models.Student, error) {
	q := `SELECT ` + columns + ` FROM students WHERE class_id = ?`
	if !includeDeleted {
		q += ` AND status != 'deleted'`
	}
	q += ` ORDER BY last_name, first_name, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, classID)
	if err != nil {
		return nil, fmt.Errorf("list students of class %s: %w", classID, err)
	}
	return list, nil
}

func (r *SQLiteRepository) IDsByClass(ctx context.Context, classID string) ([]string, error) {
	ids, err := dbx.QueryAll(ctx, r.db, func(rows *sql.Rows) (string, error) {
		var id string
		return id, rows.Scan(&id)
	}, `SELECT id FROM students WHERE class_id = ? ORDER BY id`, classID)
	if err != nil {
		return nil, fmt.Errorf("student ids of class %s: %w", classID, err)
	}
	return ids, nil
}

func (r *SQLiteRepository) CountActiveInClass(ctx context.Context, classID string) (int, error) {
	n, err := dbx.Count(ctx, r.db, `SELECT COUNT(*) FROM students WHERE class_id = ? AND status = 'active'`, classID)
	if err != nil {
		return 0, fmt.Errorf("count active students of class %s: %w", classID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) ChangedSince(ctx context.Context, since *time.Time) ([]models.Student, error) {
	q := `SELECT ` + columns + ` FROM students`
	var args []any
	if since != nil {
		q += ` WHERE changed_at >= ?`
		args = append(args, timex.Format(*since))
	}
	q += ` ORDER BY changed_at, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, args...)
	if err != nil {
		return nil, fmt.Errorf("students changed since: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete student %s: %w", id, err)
	}
	return requireOne(res, id)
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("student %s: %w", id, common.ErrNotFound)
	}
	return nil
}
