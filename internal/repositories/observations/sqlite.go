package observations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const columns = `id, student_id, author_id, category_id, text_ciphertext, tags, created_at, updated_at, source_device_id`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (Sealed, error) {
	var (
		o        Sealed
		category sql.NullString
		tags     string
	)
	err := r.Scan(&o.ID, &o.StudentID, &o.AuthorID, &category, &o.Ciphertext, &tags,
		timex.Into(&o.CreatedAt), timex.Into(&o.UpdatedAt), &o.SourceDeviceID)
	if err != nil {
		return Sealed{}, err
	}
	o.CategoryID = category.String
	if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
		return Sealed{}, fmt.Errorf("observation %s tags: %w", o.ID, err)
	}
	return o, nil
}

func scanRows(rows *sql.Rows) (Sealed, error) { return scan(rows) }

func args(o Sealed) ([]any, error) {
	tags := o.Tags
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	var category any
	if o.CategoryID != "" {
		category = o.CategoryID
	}
	return []any{o.ID, o.StudentID, o.AuthorID, category, o.Ciphertext, string(b),
		timex.Format(o.CreatedAt), timex.Format(o.UpdatedAt), o.SourceDeviceID}, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, o Sealed) error {
	a, err := args(o)
	if err != nil {
		return err
	}
	a = append(a, timex.Format(o.UpdatedAt))
	if _, err := r.db.ExecContext(ctx, `INSERT INTO observations (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, a...); err != nil {
		return fmt.Errorf("insert observation %s: %w", o.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, o Sealed) error {
	a, err := args(o)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE observations SET student_id = ?, author_id = ?, category_id = ?, text_ciphertext = ?, tags = ?,
			updated_at = ?, changed_at = ?, source_device_id = ?
		WHERE id = ?`,
		a[1], a[2], a[3], a[4], a[5], a[7], a[7], a[8], o.ID)
	if err != nil {
		return fmt.Errorf("update observation %s: %w", o.ID, err)
	}
	return requireOne(res, o.ID)
}

// Upsert writes a row received from a peer, stamped with the local changedAt.
func (r *SQLiteRepository) Upsert(ctx context.Context, o Sealed, changedAt time.Time) error {
	a, err := args(o)
	if err != nil {
		return err
	}
	a = append(a, timex.Format(changedAt))
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO observations (`+columns+`, changed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			author_id = excluded.author_id,
			category_id = excluded.category_id,
			text_ciphertext = excluded.text_ciphertext,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			source_device_id = excluded.source_device_id,
			changed_at = excluded.changed_at`, a...)
	if err != nil {
		return fmt.Errorf("upsert observation %s: %w", o.ID, err)
	}
	return nil
}

// UpdateCiphertext swaps the sealed text without touching updated_at; key
// rotation is not a content change.
func (r *SQLiteRepository) UpdateCiphertext(ctx context.Context, id string, ciphertext []byte) error {
	res, err := r.db.ExecContext(ctx, `UPDATE observations SET text_ciphertext = ? WHERE id = ?`, ciphertext, id)
	if err != nil {
		return fmt.Errorf("reseal observation %s: %w", id, err)
	}
	return requireOne(res, id)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (Sealed, error) {
	o, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM observations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Sealed{}, fmt.Errorf("observation %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return Sealed{}, fmt.Errorf("get observation %s: %w", id, err)
	}
	return o, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]Sealed, error) {
	q := `SELECT ` + columns + ` FROM observations WHERE 1 = 1`
	var a []any
	if f.StudentID != "" {
		q += ` AND student_id = ?`
		a = append(a, f.StudentID)
	}
	if f.CategoryID != "" {
		q += ` AND category_id = ?`
		a = append(a, f.CategoryID)
	}
	if f.Since != nil {
		q += ` AND created_at >= ?`
		a = append(a, timex.Format(*f.Since))
	}
	q += ` ORDER BY created_at DESC, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, a...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) ChangedSince(ctx context.Context, since *time.Time) ([]Sealed, error) {
	q := `SELECT ` + columns + ` FROM observations`
	var a []any
	if since != nil {
		q += ` WHERE changed_at >= ?`
		a = append(a, timex.Format(*since))
	}
	q += ` ORDER BY changed_at, id`

	list, err := dbx.QueryAll(ctx, r.db, scanRows, q, a...)
	if err != nil {
		return nil, fmt.Errorf("observations changed since: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) IDsByStudent(ctx context.Context, studentID string) ([]string, error) {
	ids, err := dbx.QueryAll(ctx, r.db, func(rows *sql.Rows) (string, error) {
		var id string
		return id, rows.Scan(&id)
	}, `SELECT id FROM observations WHERE student_id = ? ORDER BY id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("observation ids of student %s: %w", studentID, err)
	}
	return ids, nil
}

func (r *SQLiteRepository) CountByStudent(ctx context.Context, studentID string) (int, error) {
	n, err := dbx.Count(ctx, r.db, `SELECT COUNT(*) FROM observations WHERE student_id = ?`, studentID)
	if err != nil {
		return 0, fmt.Errorf("count observations of student %s: %w", studentID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) CountByCategory(ctx context.Context, categoryID string) (int, error) {
	n, err := dbx.Count(ctx, r.db, `SELECT COUNT(*) FROM observations WHERE category_id = ?`, categoryID)
	if err != nil {
		return 0, fmt.Errorf("count observations of category %s: %w", categoryID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM observations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete observation %s: %w", id, err)
	}
	return requireOne(res, id)
}

func (r *SQLiteRepository) DeleteByStudent(ctx context.Context, studentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM observations WHERE student_id = ?`, studentID)
	if err != nil {
		return 0, fmt.Errorf("delete observations of student %s: %w", studentID, err)
	}
	return res.RowsAffected()
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("observation %s: %w", id, common.ErrNotFound)
	}
	return nil
}
