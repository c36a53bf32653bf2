// Package changeset moves replicated state between devices.
//
// A changeset is the set of row deltas across classes, categories,
// students and observations that changed at or after a reference point,
// plus tombstones for rows removed since then. Tombstones are read from the
// audit ledger, which is the only place erased ids survive. The same Engine
// plays source (Export) and sink (Import) on every device.
package changeset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/models"
)

const (
	FormatChangeset  = "changeset"
	FormatFullExport = "full_export"
	FormatSealed     = "sealed"

	Version = 1
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Window is the reference range of a changeset. A nil Since means "all
// time".
type Window struct {
	Since *time.Time `json:"since"`
	Until time.Time  `json:"until"`
}

// concurrent reports whether a local change at t happened inside the
// window, i.e. after the last point both sides agreed on.
func (w Window) concurrent(t time.Time) bool {
	return w.Since == nil || !t.Before(*w.Since)
}

// Delta is one row-level change. Row carries the full row for insert and
// update; tombstones carry only the id and the removal detail.
type Delta struct {
	Table          string             `json:"table"`
	Op             Op                 `json:"op"`
	ID             string             `json:"id"`
	UpdatedAt      time.Time          `json:"updated_at"`
	SourceDeviceID string             `json:"source_device_id"`
	Row            json.RawMessage    `json:"row,omitempty"`
	Detail         models.AuditDetail `json:"detail,omitempty"`
	Cascade        bool               `json:"cascade,omitempty"`
}

type Changeset struct {
	Format   string  `json:"format"`
	Version  int     `json:"version"`
	DeviceID string  `json:"device_id"`
	Window   Window  `json:"window"`
	Deltas   []Delta `json:"deltas"`
	Checksum string  `json:"checksum"`
}

// SnapshotData holds every row of every replicated table.
type SnapshotData struct {
	Classes      []models.Class       `json:"classes"`
	Categories   []models.Category    `json:"categories"`
	Students     []models.Student     `json:"students"`
	Observations []models.Observation `json:"observations"`
}

type Snapshot struct {
	Format   string       `json:"format"`
	Version  int          `json:"version"`
	DeviceID string       `json:"device_id"`
	Scope    string       `json:"scope"`
	Window   Window       `json:"window"`
	Data     SnapshotData `json:"data"`
	Checksum string       `json:"checksum"`
}

// Sealed wraps an encoded changeset or snapshot for one paired peer.
type Sealed struct {
	Format     string `json:"format"`
	Sender     string `json:"sender"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Checksum is the hex SHA-256 of the NFC-normalized compact JSON of v.
func Checksum(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(norm.NFC.Bytes(b))
	return hex.EncodeToString(sum[:]), nil
}

type changesetBody struct {
	Window Window  `json:"window"`
	Deltas []Delta `json:"deltas"`
}

type snapshotBody struct {
	Scope  string       `json:"scope"`
	Window Window       `json:"window"`
	Data   SnapshotData `json:"data"`
}

// Seal computes and stores the checksum.
func (c *Changeset) Seal() error {
	sum, err := Checksum(changesetBody{c.Window, c.Deltas})
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify recomputes the checksum and compares it with the stored one.
func (c *Changeset) Verify() error {
	sum, err := Checksum(changesetBody{c.Window, c.Deltas})
	if err != nil {
		return &common.IntegrityError{Reason: "changeset cannot be canonicalized: " + err.Error()}
	}
	if sum != c.Checksum {
		return &common.IntegrityError{Reason: "changeset checksum mismatch"}
	}
	return nil
}

func (s *Snapshot) Seal() error {
	sum, err := Checksum(snapshotBody{s.Scope, s.Window, s.Data})
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

func (s *Snapshot) Verify() error {
	sum, err := Checksum(snapshotBody{s.Scope, s.Window, s.Data})
	if err != nil {
		return &common.IntegrityError{Reason: "snapshot cannot be canonicalized: " + err.Error()}
	}
	if sum != s.Checksum {
		return &common.IntegrityError{Reason: "snapshot checksum mismatch"}
	}
	return nil
}

// Encode renders v as indented JSON, the on-disk transfer format.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Format peeks at the format marker of an encoded payload.
func Format(payload []byte) (string, error) {
	var probe struct {
		Format  string `json:"format"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", &common.IntegrityError{Reason: "malformed payload: " + err.Error()}
	}
	switch probe.Format {
	case FormatChangeset, FormatFullExport:
		if probe.Version != Version {
			return "", &common.IntegrityError{Reason: fmt.Sprintf("unsupported %s version %d", probe.Format, probe.Version)}
		}
		return probe.Format, nil
	case FormatSealed:
		return probe.Format, nil
	}
	return "", &common.IntegrityError{Reason: fmt.Sprintf("unknown payload format %q", probe.Format)}
}

func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &common.IntegrityError{Reason: "malformed payload: " + err.Error()}
	}
	return nil
}

// DecodeChangeset parses and verifies an encoded changeset.
func DecodeChangeset(payload []byte) (*Changeset, error) {
	var c Changeset
	if err := decodeStrict(payload, &c); err != nil {
		return nil, err
	}
	if c.Format != FormatChangeset {
		return nil, &common.IntegrityError{Reason: "not a changeset"}
	}
	for i, d := range c.Deltas {
		if err := d.validate(); err != nil {
			return nil, &common.IntegrityError{Reason: fmt.Sprintf("delta %d: %v", i, err)}
		}
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeSnapshot parses and verifies an encoded full export.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	var s Snapshot
	if err := decodeStrict(payload, &s); err != nil {
		return nil, err
	}
	if s.Format != FormatFullExport {
		return nil, &common.IntegrityError{Reason: "not a full export"}
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (d Delta) validate() error {
	if models.ObjectTypeForTable(d.Table) == "" {
		return fmt.Errorf("unknown table %q", d.Table)
	}
	if d.ID == "" {
		return fmt.Errorf("missing id")
	}
	switch d.Op {
	case OpInsert, OpUpdate:
		if len(d.Row) == 0 {
			return fmt.Errorf("%s %s without row", d.Op, d.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown op %q", d.Op)
	}
	return nil
}
