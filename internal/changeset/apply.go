package changeset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/deletion"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/categories"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

// Apply merges a verified changeset into the local store. The whole apply
// and its sync_merge ledger entry commit together or not at all.
func (e *Engine) Apply(ctx context.Context, cs *Changeset, actor string) (Summary, error) {
	if err := cs.Verify(); err != nil {
		return Summary{}, err
	}
	sum := Summary{Format: FormatChangeset, Source: cs.DeviceID, Checksum: cs.Checksum}
	return e.apply(ctx, cs.Window, cs.Deltas, sum, actor)
}

// ApplySnapshot merges every row of a full export as an upsert under the
// same resolution policy as a changeset.
func (e *Engine) ApplySnapshot(ctx context.Context, s *Snapshot, actor string) (Summary, error) {
	if err := s.Verify(); err != nil {
		return Summary{}, err
	}
	var deltas []Delta
	add := func(table, id string, updated time.Time, device string, row any) error {
		b, err := json.Marshal(row)
		if err != nil {
			return err
		}
		deltas = append(deltas, Delta{Table: table, Op: OpInsert, ID: id, UpdatedAt: updated, SourceDeviceID: device, Row: b})
		return nil
	}
	for _, c := range s.Data.Classes {
		if err := add(models.TableClasses, c.ID, c.UpdatedAt, c.SourceDeviceID, c); err != nil {
			return Summary{}, err
		}
	}
	for _, c := range s.Data.Categories {
		if err := add(models.TableCategories, c.ID, c.UpdatedAt, c.SourceDeviceID, c); err != nil {
			return Summary{}, err
		}
	}
	for _, st := range s.Data.Students {
		if err := add(models.TableStudents, st.ID, st.UpdatedAt, st.SourceDeviceID, st); err != nil {
			return Summary{}, err
		}
	}
	for _, o := range s.Data.Observations {
		if err := add(models.TableObservations, o.ID, o.UpdatedAt, o.SourceDeviceID, o); err != nil {
			return Summary{}, err
		}
	}
	sortDeltas(deltas)

	sum := Summary{Format: FormatFullExport, Source: s.DeviceID, Checksum: s.Checksum}
	return e.apply(ctx, s.Window, deltas, sum, actor)
}

func (e *Engine) apply(ctx context.Context, w Window, deltas []Delta, sum Summary, actor string) (Summary, error) {
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		a := &applier{
			e:       e,
			tx:      tx,
			window:  w,
			sum:     Summary{Format: sum.Format, Source: sum.Source, Checksum: sum.Checksum},
			reader:  audit.NewReader(tx),
			classes: classes.NewSQLiteRepository(tx),
			cats:    categories.NewSQLiteRepository(tx),
			studs:   students.NewSQLiteRepository(tx),
			obs:     observations.NewSQLiteRepository(tx),
		}
		for i, d := range deltas {
			if err := a.delta(ctx, d); err != nil {
				return fmt.Errorf("delta %d (%s %s %s): %w", i, d.Table, d.Op, d.ID, err)
			}
		}

		if _, err := audit.New(tx, e.dev.Clock(), e.dev.ID()).Log(ctx, audit.Record{
			Action:     "merge",
			ObjectType: models.ObjectChangeset,
			ObjectID:   sum.Checksum,
			ActorID:    actor,
			Detail:     models.DetailSyncMerge,
			Payload: audit.MergePayload{
				Peer:      sum.Source,
				Format:    sum.Format,
				Checksum:  sum.Checksum,
				Applied:   a.sum.Applied,
				Skipped:   a.sum.Skipped,
				Conflicts: a.sum.Conflicts,
				Counts:    a.sum.Counts,
				Deleted:   a.deleted,
			},
		}); err != nil {
			return err
		}
		sum = a.sum
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	if sum.Counts == nil {
		sum.Counts = map[string]map[string]int{}
	}
	e.log.Info(ctx, "changeset applied",
		"format", sum.Format, "source", sum.Source, "applied", sum.Applied, "skipped", sum.Skipped, "conflicts", sum.Conflicts)
	return sum, nil
}

type applier struct {
	e       *Engine
	tx      dbx.DBTX
	window  Window
	sum     Summary
	deleted []audit.Removal

	reader  *audit.Reader
	classes *classes.SQLiteRepository
	cats    *categories.SQLiteRepository
	studs   *students.SQLiteRepository
	obs     *observations.SQLiteRepository
}

func (a *applier) skip()     { a.sum.Skipped++ }
func (a *applier) conflict() { a.sum.Conflicts++ }

// compare orders two versions of a row: by updated_at, then by the greater
// source device id. Zero means the same version.
func compare(inAt time.Time, inDevice string, localAt time.Time, localDevice string) int {
	switch {
	case inAt.After(localAt):
		return 1
	case inAt.Before(localAt):
		return -1
	}
	return strings.Compare(inDevice, localDevice)
}

func decodeRow(d Delta, v any) error {
	if err := json.Unmarshal(d.Row, v); err != nil {
		return &common.IntegrityError{Reason: fmt.Sprintf("%s row %s: %v", d.Table, d.ID, err)}
	}
	return nil
}

func normalize(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func idMismatch(d Delta, id string) error {
	if id != d.ID {
		return &common.IntegrityError{Reason: fmt.Sprintf("%s row id %q does not match delta id %q", d.Table, id, d.ID)}
	}
	return nil
}

func (a *applier) delta(ctx context.Context, d Delta) error {
	if d.Op == OpDelete {
		return a.tombstone(ctx, d)
	}

	removed, err := a.reader.Removed(ctx, models.ObjectTypeForTable(d.Table), d.ID)
	if err != nil {
		return err
	}
	if removed {
		a.e.log.Debug(ctx, "row was removed locally, ignoring", "table", d.Table, "id", d.ID)
		a.conflict()
		return nil
	}

	switch d.Table {
	case models.TableClasses:
		return a.class(ctx, d)
	case models.TableCategories:
		return a.category(ctx, d)
	case models.TableStudents:
		return a.student(ctx, d)
	case models.TableObservations:
		return a.observation(ctx, d)
	}
	return &common.IntegrityError{Reason: "unknown table " + d.Table}
}

func exists(err error) (bool, error) {
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *applier) class(ctx context.Context, d Delta) error {
	var in models.Class
	if err := decodeRow(d, &in); err != nil {
		return err
	}
	if err := idMismatch(d, in.ID); err != nil {
		return err
	}
	in.CreatedAt, in.UpdatedAt = normalize(in.CreatedAt), normalize(in.UpdatedAt)

	local, err := a.classes.Get(ctx, in.ID)
	found, err := exists(err)
	if err != nil {
		return err
	}
	if found && compare(in.UpdatedAt, in.SourceDeviceID, local.UpdatedAt, local.SourceDeviceID) <= 0 {
		a.skip()
		return nil
	}
	if err := a.classes.Upsert(ctx, in, a.e.now()); err != nil {
		return err
	}
	a.sum.count(d.Table, opFor(found))
	return nil
}

func (a *applier) category(ctx context.Context, d Delta) error {
	var in models.Category
	if err := decodeRow(d, &in); err != nil {
		return err
	}
	if err := idMismatch(d, in.ID); err != nil {
		return err
	}
	in.CreatedAt, in.UpdatedAt = normalize(in.CreatedAt), normalize(in.UpdatedAt)

	local, err := a.cats.Get(ctx, in.ID)
	found, err := exists(err)
	if err != nil {
		return err
	}
	if found && compare(in.UpdatedAt, in.SourceDeviceID, local.UpdatedAt, local.SourceDeviceID) <= 0 {
		a.skip()
		return nil
	}

	clash, err := a.cats.GetByName(ctx, in.Name)
	taken, err := exists(err)
	if err != nil {
		return err
	}
	if taken && clash.ID != in.ID {
		a.e.log.Warn(ctx, "category name already used by another category", "id", in.ID, "local_id", clash.ID)
		a.conflict()
		return nil
	}

	if err := a.cats.Upsert(ctx, in, a.e.now()); err != nil {
		return err
	}
	a.sum.count(d.Table, opFor(found))
	return nil
}

func (a *applier) student(ctx context.Context, d Delta) error {
	var in models.Student
	if err := decodeRow(d, &in); err != nil {
		return err
	}
	if err := idMismatch(d, in.ID); err != nil {
		return err
	}
	if !in.Status.Valid() {
		return &common.IntegrityError{Reason: fmt.Sprintf("student %s: invalid status %q", in.ID, in.Status)}
	}
	in.CreatedAt, in.UpdatedAt = normalize(in.CreatedAt), normalize(in.UpdatedAt)

	if _, err := a.classes.Get(ctx, in.ClassID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.e.log.Warn(ctx, "student references a missing class", "id", in.ID, "class_id", in.ClassID)
			a.conflict()
			return nil
		}
		return err
	}

	local, err := a.studs.Get(ctx, in.ID)
	found, err := exists(err)
	if err != nil {
		return err
	}
	if found {
		inDeleted := in.Status == models.StudentDeleted
		localDeleted := local.Status == models.StudentDeleted
		concurrent := a.window.concurrent(local.UpdatedAt)

		switch {
		case localDeleted && !inDeleted && concurrent:
			// A concurrent edit never revives a deleted student.
			a.conflict()
			return nil
		case inDeleted && !localDeleted && concurrent:
			if in.UpdatedAt.Before(local.UpdatedAt) {
				in.UpdatedAt = local.UpdatedAt
			}
		default:
			if compare(in.UpdatedAt, in.SourceDeviceID, local.UpdatedAt, local.SourceDeviceID) <= 0 {
				a.skip()
				return nil
			}
		}
	}

	if err := a.studs.Upsert(ctx, in, a.e.now()); err != nil {
		return err
	}
	a.sum.count(d.Table, opFor(found))
	return nil
}

func (a *applier) observation(ctx context.Context, d Delta) error {
	var in models.Observation
	if err := decodeRow(d, &in); err != nil {
		return err
	}
	if err := idMismatch(d, in.ID); err != nil {
		return err
	}
	in.CreatedAt, in.UpdatedAt = normalize(in.CreatedAt), normalize(in.UpdatedAt)
	in.Undecryptable = false

	if _, err := a.studs.Get(ctx, in.StudentID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.e.log.Warn(ctx, "observation references a missing student", "id", in.ID, "student_id", in.StudentID)
			a.conflict()
			return nil
		}
		return err
	}
	if in.CategoryID != "" {
		_, err := a.cats.Get(ctx, in.CategoryID)
		ok, err := exists(err)
		if err != nil {
			return err
		}
		if !ok {
			in.CategoryID = ""
		}
	}

	local, err := a.obs.Get(ctx, in.ID)
	found, err := exists(err)
	if err != nil {
		return err
	}
	if found && compare(in.UpdatedAt, in.SourceDeviceID, local.UpdatedAt, local.SourceDeviceID) <= 0 {
		a.skip()
		return nil
	}

	ct, err := a.e.dev.SealText(in.ID, []byte(in.Text))
	if err != nil {
		return err
	}
	text := in.Text
	in.Text = ""
	err = a.obs.Upsert(ctx, observations.Sealed{Observation: in, Ciphertext: ct}, a.e.now())
	in.Text = text
	if err != nil {
		return err
	}
	a.sum.count(d.Table, opFor(found))
	return nil
}

func opFor(found bool) Op {
	if found {
		return OpUpdate
	}
	return OpInsert
}

// tombstone removes the row and its children. Deletions always apply: a
// concurrent local edit of the row or of any cascaded child loses.
func (a *applier) tombstone(ctx context.Context, d Delta) error {
	objectType := models.ObjectTypeForTable(d.Table)
	known, err := a.reader.Removed(ctx, objectType, d.ID)
	if err != nil {
		return err
	}

	var present bool
	switch d.Table {
	case models.TableClasses:
		_, err = a.classes.Get(ctx, d.ID)
		if present, err = exists(err); err == nil && present {
			_, err = deletion.PurgeClass(ctx, a.tx, d.ID)
		}
	case models.TableStudents:
		_, err = a.studs.Get(ctx, d.ID)
		if present, err = exists(err); err == nil && present {
			_, err = deletion.PurgeStudent(ctx, a.tx, d.ID)
		}
	case models.TableObservations:
		_, err = a.obs.Get(ctx, d.ID)
		if present, err = exists(err); err == nil && present {
			_, err = deletion.PurgeObservation(ctx, a.tx, d.ID)
		}
	case models.TableCategories:
		_, err = a.cats.Get(ctx, d.ID)
		if present, err = exists(err); err == nil && present {
			err = a.dropCategory(ctx, d.ID)
		}
	default:
		return &common.IntegrityError{Reason: "unknown table " + d.Table}
	}
	if err != nil {
		return err
	}

	if !present && known {
		a.skip()
		return nil
	}
	if !known {
		detail := d.Detail
		if !detail.Removes() {
			detail = models.DetailHardDelete
		}
		a.deleted = append(a.deleted, audit.Removal{
			ObjectType: objectType,
			ObjectID:   d.ID,
			At:         normalize(d.UpdatedAt),
			DeviceID:   d.SourceDeviceID,
			Detail:     detail,
		})
	}
	a.sum.count(d.Table, OpDelete)
	return nil
}

// dropCategory detaches observations still filed under the category and
// removes it. Detached observations get a fresh updated_at so the change
// travels back to the peer.
func (a *applier) dropCategory(ctx context.Context, id string) error {
	now := a.e.now()
	list, err := a.obs.List(ctx, observations.Filter{CategoryID: id})
	if err != nil {
		return err
	}
	for _, o := range list {
		o.CategoryID = ""
		o.UpdatedAt = now
		o.SourceDeviceID = a.e.dev.ID()
		if err := a.obs.Update(ctx, o); err != nil {
			return err
		}
	}
	return a.cats.Delete(ctx, id)
}
