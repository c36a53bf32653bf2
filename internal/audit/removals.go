package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

// Removal is one physical deletion of a replicated row, as recorded in the
// ledger. The ledger is the only place erased ids survive, so it doubles as
// the tombstone log for changesets.
type Removal struct {
	ObjectType string             `json:"object_type"`
	ObjectID   string             `json:"object_id"`
	At         time.Time          `json:"at"`
	DeviceID   string             `json:"device_id"`
	Detail     models.AuditDetail `json:"detail"`
}

// MergePayload is the JSON body of a sync_merge entry.
type MergePayload struct {
	Peer      string                    `json:"peer,omitempty"`
	Format    string                    `json:"format"`
	Checksum  string                    `json:"checksum"`
	Applied   int                       `json:"applied"`
	Skipped   int                       `json:"skipped"`
	Conflicts int                       `json:"conflicts"`
	Counts    map[string]map[string]int `json:"counts"`
	Deleted   []Removal                 `json:"deleted,omitempty"`
}

// removalsSQL unions local deletions with the deletions a merge applied, so
// a row removed here by a peer's tombstone is still known as removed.
const removalsSQL = `
	SELECT object_type, object_id, timestamp, device_id, detail, timestamp AS logged_at
	FROM audit_log
	WHERE detail IN ('hard_delete', 'safe_delete', 'force_delete')
	  AND object_type IN ('class', 'student', 'observation', 'category')
	UNION ALL
	SELECT json_extract(d.value, '$.object_type'), json_extract(d.value, '$.object_id'),
	       json_extract(d.value, '$.at'), json_extract(d.value, '$.device_id'),
	       json_extract(d.value, '$.detail'), a.timestamp AS logged_at
	FROM audit_log a, json_each(a.payload, '$.deleted') d
	WHERE a.detail = 'sync_merge' AND a.payload IS NOT NULL`

func scanRemoval(rows *sql.Rows) (Removal, error) {
	var (
		r      Removal
		logged string
	)
	err := rows.Scan(&r.ObjectType, &r.ObjectID, timex.Into(&r.At), &r.DeviceID, &r.Detail, &logged)
	return r, err
}

// RemovalsSince lists removals logged at or after since (all when nil).
func (r *Reader) RemovalsSince(ctx context.Context, since *time.Time) ([]Removal, error) {
	q := `SELECT * FROM (` + removalsSQL + `)`
	var args []any
	if since != nil {
		q += ` WHERE logged_at >= ?`
		args = append(args, timex.Format(*since))
	}
	q += ` ORDER BY logged_at, object_id`

	list, err := dbx.QueryAll(ctx, r.db, scanRemoval, q, args...)
	if err != nil {
		return nil, fmt.Errorf("removals since: %w", err)
	}
	return list, nil
}

// Removed reports whether the object was ever physically deleted here.
func (r *Reader) Removed(ctx context.Context, objectType, objectID string) (bool, error) {
	n, err := dbx.Count(ctx, r.db,
		`SELECT COUNT(*) FROM (`+removalsSQL+`) WHERE object_type = ? AND object_id = ?`, objectType, objectID)
	if err != nil {
		return false, fmt.Errorf("removed %s %s: %w", objectType, objectID, err)
	}
	return n > 0, nil
}
