package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const columns = `seq, id, action, object_type, object_id, actor_id, device_id, timestamp, detail, payload, prev_hash, hash`

// Filter narrows Reader.List. Zero fields are ignored.
type Filter struct {
	ObjectType string
	ObjectID   string
	ActorID    string
	Detail     models.AuditDetail
	Since      *time.Time
	Limit      int
}

// Reader runs read-only queries against the ledger.
type Reader struct {
	db dbx.DBTX
}

func NewReader(db dbx.DBTX) *Reader {
	return &Reader{db: db}
}

func scanEntry(rows *sql.Rows) (models.AuditEntry, error) {
	var (
		e       models.AuditEntry
		payload sql.NullString
	)
	err := rows.Scan(&e.Seq, &e.ID, &e.Action, &e.ObjectType, &e.ObjectID, &e.ActorID, &e.DeviceID,
		timex.Into(&e.Timestamp), &e.Detail, &payload, &e.PrevHash, &e.Hash)
	if err != nil {
		return models.AuditEntry{}, err
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return e, nil
}

// List returns matching entries in ledger order.
func (r *Reader) List(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ObjectType != "" {
		where = append(where, "object_type = ?")
		args = append(args, f.ObjectType)
	}
	if f.ObjectID != "" {
		where = append(where, "object_id = ?")
		args = append(args, f.ObjectID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Detail != "" {
		where = append(where, "detail = ?")
		args = append(args, f.Detail)
	}
	if f.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, timex.Format(*f.Since))
	}

	q := `SELECT ` + columns + ` FROM audit_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	list, err := dbx.QueryAll(ctx, r.db, scanEntry, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return list, nil
}

func (r *Reader) Count(ctx context.Context) (int, error) {
	n, err := dbx.Count(ctx, r.db, `SELECT COUNT(*) FROM audit_log`)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Statistics counts entries per detail.
func (r *Reader) Statistics(ctx context.Context) (map[models.AuditDetail]int, error) {
	type row struct {
		detail models.AuditDetail
		n      int
	}
	rows, err := dbx.QueryAll(ctx, r.db, func(rs *sql.Rows) (row, error) {
		var v row
		return v, rs.Scan(&v.detail, &v.n)
	}, `SELECT detail, COUNT(*) FROM audit_log GROUP BY detail`)
	if err != nil {
		return nil, fmt.Errorf("audit statistics: %w", err)
	}
	out := make(map[models.AuditDetail]int, len(rows))
	for _, v := range rows {
		out[v.detail] = v.n
	}
	return out, nil
}

// Verify walks the chain in order and fails with IntegrityFailure at the
// first entry whose hash or back-link does not match. It returns the number
// of entries checked.
func (r *Reader) Verify(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM audit_log ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("verify audit log: %w", err)
	}
	defer rows.Close()

	prev := ""
	n := 0
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return n, fmt.Errorf("verify audit log: %w", err)
		}
		if e.PrevHash != prev {
			return n, &common.IntegrityError{Reason: fmt.Sprintf("audit entry %d: broken chain link", e.Seq)}
		}
		if Hash(e) != e.Hash {
			return n, &common.IntegrityError{Reason: fmt.Sprintf("audit entry %d: hash mismatch", e.Seq)}
		}
		prev = e.Hash
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("verify audit log: %w", err)
	}
	return n, nil
}
