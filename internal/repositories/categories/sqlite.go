package categories

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

const columns = `id, name, color, background_color, text_color, is_active, sort_order, created_at, updated_at, source_device_id`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (models.Category, error) {
	var c models.Category
	err := r.Scan(&c.ID, &c.Name, &c.Color, &c.BackgroundColor, &c.TextColor, &c.IsActive, &c.SortOrder,
		timex.Into(&c.CreatedAt), timex.Into(&c.UpdatedAt), &c.SourceDeviceID)
	return c, err
}

func scanRows(rows *sql.Rows) (models.Category, error) { return scan(rows) }

func values(c models.Category) []any {
	return []any{c.ID, c.Name, c.Color, c.BackgroundColor, c.TextColor, c.IsActive, c.SortOrder,
		timex.Format(c.CreatedAt), timex.Format(c.UpdatedAt), c.SourceDeviceID}
}

func (r *SQLiteRepository) Insert(ctx context.Context, c models.Category) error {
	a := append(values(c), timex.Format(c.UpdatedAt))
	if _, err := r.db.ExecContext(ctx, `INSERT INTO categories (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, a...); err != nil {
		return fmt.Errorf("insert category %s: %w", c.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, c models.Category) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE categories SET name = ?, color = ?, background_color = ?, text_color = ?, is_active = ?, sort_order = ?,
			updated_at = ?, changed_at = ?, source_device_id = ?
		WHERE id = ?`,
		c.Name, c.Color, c.BackgroundColor, c.TextColor, c.IsActive, c.SortOrder,
		timex.Format(c.UpdatedAt), timex.Format(c.UpdatedAt), c.SourceDeviceID, c.ID)
	if err != nil {
		return fmt.Errorf("update category %s: %w", c.ID, err)
	}
	return requireOne(res, c.ID)
}

// Upsert writes a row received from a peer, stamped with the local changedAt.
func (r *SQLiteRepository) Upsert(ctx context.Context, c models.Category, changedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			background_color = excluded.background_color,
			text_color = excluded.text_color,
			is_active = excluded.is_active,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at,
			source_device_id = excluded.source_device_id,
			changed_at = excluded.changed_at`, append(values(c), timex.Format(changedAt))...)
	if err != nil {
		return fmt.Errorf("upsert category %s: %w", c.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (models.Category, error) {
	return r.getBy(ctx, "id", id)
}

func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (models.Category, error) {
	return r.getBy(ctx, "name", name)
}

func (r *SQLiteRepository) getBy(ctx context.Context, col, v string) (models.Category, error) {
	c, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM categories WHERE `+col+` = ?`, v))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Category{}, fmt.Errorf("category %s: %w", v, common.ErrNotFound)
	}
	if err != nil {
		return models.Category{}, fmt.Errorf("get category %s: %w", v, err)
	}
	return c, nil
}

func (r *SQLiteRepository) List(ctx context.Context, includeInactive bool) ([]models.Category, error) {
	q := `SELECT ` + columns + ` FROM categories`
	if !includeInactive {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY sort_order, name`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) ChangedSince(ctx context.Context, since *time.Time) ([]models.Category, error) {
	q := `SELECT ` + columns + ` FROM categories`
	var args []any
	if since != nil {
		q += ` WHERE changed_at >= ?`
		args = append(args, timex.Format(*since))
	}
	q += ` ORDER BY changed_at, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, args...)
	if err != nil {
		return nil, fmt.Errorf("categories changed since: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete category %s: %w", id, err)
	}
	return requireOne(res, id)
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("category %s: %w", id, common.ErrNotFound)
	}
	return nil
}
