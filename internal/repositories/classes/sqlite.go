package classes

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

const columns = `id, name, school_year, created_at, updated_at, source_device_id`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (models.Class, error) {
	var c models.Class
	err := r.Scan(&c.ID, &c.Name, &c.SchoolYear, timex.Into(&c.CreatedAt), timex.Into(&c.UpdatedAt), &c.SourceDeviceID)
	return c, err
}

func scanRows(rows *sql.Rows) (models.Class, error) { return scan(rows) }

func (r *SQLiteRepository) Insert(ctx context.Context, c models.Class) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO classes (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SchoolYear, timex.Format(c.CreatedAt), timex.Format(c.UpdatedAt), c.SourceDeviceID,
		timex.Format(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert class %s: %w", c.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, c models.Class) error {
	res, err := r.db.ExecContext(ctx, `UPDATE classes SET name = ?, school_year = ?, updated_at = ?, changed_at = ?, source_device_id = ? WHERE id = ?`,
		c.Name, c.SchoolYear, timex.Format(c.UpdatedAt), timex.Format(c.UpdatedAt), c.SourceDeviceID, c.ID)
	if err != nil {
		return fmt.Errorf("update class %s: %w", c.ID, err)
	}
	return requireOne(res, c.ID)
}

// Upsert writes a row received from a peer. changedAt is the local time of
// the write and decides which later exports carry the row on.
func (r *SQLiteRepository) Upsert(ctx context.Context, c models.Class, changedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			school_year = excluded.school_year,
			updated_at = excluded.updated_at,
			source_device_id = excluded.source_device_id,
			changed_at = excluded.changed_at`,
		c.ID, c.Name, c.SchoolYear, timex.Format(c.CreatedAt), timex.Format(c.UpdatedAt), c.SourceDeviceID,
		timex.Format(changedAt))
	if err != nil {
		return fmt.Errorf("upsert class %s: %w", c.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (models.Class, error) {
	c, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM classes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Class{}, fmt.Errorf("class %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return models.Class{}, fmt.Errorf("get class %s: %w", id, err)
	}
	return c, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.Class, error) {
	list, err := dbx.QueryAll(ctx, r.db, scanRows, `SELECT `+columns+` FROM classes ORDER BY school_year DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) ChangedSince(ctx context.Context, since *time.Time) ([]models.Class, error) {
	q := `SELECT ` + columns + ` FROM classes`
	var args []any
	if since != nil {
		q += ` WHERE changed_at >= ?`
		args = append(args, timex.Format(*since))
	}
	q += ` ORDER BY changed_at, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, args...)
	if err != nil {
		return nil, fmt.Errorf("classes changed since: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete class %s: %w", id, err)
	}
	return requireOne(res, id)
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("class %s: %w", id, common.ErrNotFound)
	}
	return nil
}
