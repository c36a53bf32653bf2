// Package audit is the append-only ledger layered over the Record Store.
//
// Every mutating operation writes exactly one entry through Ledger.Log using
// the same transaction handle as the mutation itself, so the entry and the
// change commit or roll back together. The table rejects UPDATE and DELETE
// with triggers; this package only ever inserts and reads.
//
// Entries form a hash chain: each hash covers the entry fields and the
// previous entry's hash, so Verify can detect rows rewritten behind the
// triggers' back (for example by editing the database file directly).
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const hashDomain = "classbook/audit/v1"

// Record is what a caller logs. Payload is marshalled to JSON when non-nil.
type Record struct {
	Action     string
	ObjectType string
	ObjectID   string
	ActorID    string
	Detail     models.AuditDetail
	Payload    any
}

type Ledger struct {
	db       dbx.DBTX
	clock    timex.Clock
	deviceID string
}

// New binds a ledger to a handle, normally the *sql.Tx of the mutation.
func New(db dbx.DBTX, clock timex.Clock, deviceID string) *Ledger {
	return &Ledger{db: db, clock: clock, deviceID: deviceID}
}

// Log appends one entry.
func (l *Ledger) Log(ctx context.Context, r Record) (models.AuditEntry, error) {
	if !r.Detail.Valid() {
		return models.AuditEntry{}, fmt.Errorf("audit detail %q: %w", r.Detail, common.ErrValidation)
	}
	if r.Action == "" || r.ObjectType == "" || r.ObjectID == "" {
		return models.AuditEntry{}, fmt.Errorf("audit record incomplete: %w", common.ErrValidation)
	}

	var payload json.RawMessage
	if r.Payload != nil {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return models.AuditEntry{}, fmt.Errorf("audit payload: %w", err)
		}
		payload = b
	}

	prev, err := l.lastHash(ctx)
	if err != nil {
		return models.AuditEntry{}, err
	}

	e := models.AuditEntry{
		ID:         uuid.NewString(),
		Action:     r.Action,
		ObjectType: r.ObjectType,
		ObjectID:   r.ObjectID,
		ActorID:    r.ActorID,
		DeviceID:   l.deviceID,
		Timestamp:  l.clock.Now(),
		Detail:     r.Detail,
		Payload:    payload,
		PrevHash:   prev,
	}
	e.Hash = Hash(e)

	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, object_type, object_id, actor_id, device_id, timestamp, detail, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.ObjectType, e.ObjectID, e.ActorID, e.DeviceID, timex.Format(e.Timestamp),
		e.Detail, payloadArg, e.PrevHash, e.Hash)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return e, nil
}

func (l *Ledger) lastHash(ctx context.Context) (string, error) {
	var h string
	err := l.db.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit head: %w", err)
	}
	return h, nil
}

// Hash computes the chained hash of e from its fields and PrevHash.
func Hash(e models.AuditEntry) string {
	body, _ := json.Marshal(struct {
		ID         string `json:"id"`
		Action     string `json:"action"`
		ObjectType string `json:"object_type"`
		ObjectID   string `json:"object_id"`
		ActorID    string `json:"actor_id"`
		DeviceID   string `json:"device_id"`
		Timestamp  string `json:"timestamp"`
		Detail     string `json:"detail"`
		Payload    string `json:"payload"`
		PrevHash   string `json:"prev_hash"`
	}{
		e.ID, e.Action, e.ObjectType, e.ObjectID, e.ActorID, e.DeviceID,
		timex.Format(e.Timestamp), string(e.Detail), string(e.Payload), e.PrevHash,
	})

	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
