package changeset

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/categories"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

// rank orders tables parents first.
func rank(table string) int {
	for i, t := range models.ReplicatedTables {
		if t == table {
			return i
		}
	}
	return len(models.ReplicatedTables)
}

// sortDeltas puts rows before tombstones. Rows go parent → child,
// tombstones child → parent, each by updated_at and id.
func sortDeltas(ds []Delta) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		ad, bd := a.Op == OpDelete, b.Op == OpDelete
		if ad != bd {
			return bd
		}
		if ra, rb := rank(a.Table), rank(b.Table); ra != rb {
			if ad {
				return ra > rb
			}
			return ra < rb
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

func rowOp(created time.Time, since *time.Time) Op {
	if since == nil || !created.Before(*since) {
		return OpInsert
	}
	return OpUpdate
}

func rowDelta(table, id string, created, updated time.Time, device string, row any, since *time.Time) (Delta, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Table:          table,
		Op:             rowOp(created, since),
		ID:             id,
		UpdatedAt:      updated,
		SourceDeviceID: device,
		Row:            b,
	}, nil
}

// rows reads every replicated row written locally at or after since. Observation
// text is decrypted; rows the current key cannot open are reported through
// skip and left out.
func (e *Engine) rows(ctx context.Context, tx dbx.DBTX, since *time.Time, skip func(id string)) (SnapshotData, error) {
	var (
		data SnapshotData
		err  error
	)
	if data.Classes, err = classes.NewSQLiteRepository(tx).ChangedSince(ctx, since); err != nil {
		return data, err
	}
	if data.Categories, err = categories.NewSQLiteRepository(tx).ChangedSince(ctx, since); err != nil {
		return data, err
	}
	if data.Students, err = students.NewSQLiteRepository(tx).ChangedSince(ctx, since); err != nil {
		return data, err
	}
	sealed, err := observations.NewSQLiteRepository(tx).ChangedSince(ctx, since)
	if err != nil {
		return data, err
	}
	data.Observations = make([]models.Observation, 0, len(sealed))
	for _, s := range sealed {
		text, err := e.dev.OpenText(s.ID, s.Ciphertext)
		if errors.Is(err, common.ErrUndecryptable) {
			skip(s.ID)
			continue
		}
		if err != nil {
			return data, err
		}
		o := s.Observation
		o.Text = string(text)
		if o.Tags == nil {
			o.Tags = []string{}
		}
		data.Observations = append(data.Observations, o)
	}

	if data.Classes == nil {
		data.Classes = []models.Class{}
	}
	if data.Categories == nil {
		data.Categories = []models.Category{}
	}
	if data.Students == nil {
		data.Students = []models.Student{}
	}
	return data, nil
}

func (e *Engine) skipUndecryptable(ctx context.Context) func(string) {
	return func(id string) {
		e.log.Warn(ctx, "observation left out of transfer, text cannot be decrypted", "observation_id", id)
	}
}

// Export collects every change at or after since into a sealed-checksum
// changeset. A nil since collects all time.
func (e *Engine) Export(ctx context.Context, since *time.Time) (*Changeset, error) {
	return e.ExportFor(ctx, since, "")
}

// ExportFor is Export for a sync session with peerID. Rows and removals whose
// current version came from peerID are left out; the peer already holds them.
// Rows relayed from any other device are included.
func (e *Engine) ExportFor(ctx context.Context, since *time.Time, peerID string) (*Changeset, error) {
	cs := &Changeset{
		Format:   FormatChangeset,
		Version:  Version,
		DeviceID: e.dev.ID(),
		Window:   Window{Since: since, Until: e.now()},
		Deltas:   []Delta{},
	}

	err := e.store.ReadTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		data, err := e.rows(ctx, tx, since, e.skipUndecryptable(ctx))
		if err != nil {
			return err
		}
		add := func(d Delta, err error) error {
			if err != nil {
				return err
			}
			if peerID != "" && d.SourceDeviceID == peerID {
				return nil
			}
			cs.Deltas = append(cs.Deltas, d)
			return nil
		}
		for _, c := range data.Classes {
			if err := add(rowDelta(models.TableClasses, c.ID, c.CreatedAt, c.UpdatedAt, c.SourceDeviceID, c, since)); err != nil {
				return err
			}
		}
		for _, c := range data.Categories {
			if err := add(rowDelta(models.TableCategories, c.ID, c.CreatedAt, c.UpdatedAt, c.SourceDeviceID, c, since)); err != nil {
				return err
			}
		}
		for _, s := range data.Students {
			if err := add(rowDelta(models.TableStudents, s.ID, s.CreatedAt, s.UpdatedAt, s.SourceDeviceID, s, since)); err != nil {
				return err
			}
		}
		for _, o := range data.Observations {
			if err := add(rowDelta(models.TableObservations, o.ID, o.CreatedAt, o.UpdatedAt, o.SourceDeviceID, o, since)); err != nil {
				return err
			}
		}

		removals, err := audit.NewReader(tx).RemovalsSince(ctx, since)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, r := range removals {
			table := models.TableForObjectType(r.ObjectType)
			key := table + "/" + r.ObjectID
			if table == "" || seen[key] || (peerID != "" && r.DeviceID == peerID) {
				continue
			}
			seen[key] = true
			cs.Deltas = append(cs.Deltas, Delta{
				Table:          table,
				Op:             OpDelete,
				ID:             r.ObjectID,
				UpdatedAt:      r.At,
				SourceDeviceID: r.DeviceID,
				Detail:         r.Detail,
				Cascade:        table == models.TableClasses || table == models.TableStudents,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortDeltas(cs.Deltas)
	if err := cs.Seal(); err != nil {
		return nil, err
	}
	e.log.Debug(ctx, "changeset collected", "deltas", len(cs.Deltas), "checksum", cs.Checksum)
	return cs, nil
}

// ExportSnapshot reads the full state, or the rows changed at or after since,
// into a full export.
func (e *Engine) ExportSnapshot(ctx context.Context, since *time.Time) (*Snapshot, error) {
	s := &Snapshot{
		Format:   FormatFullExport,
		Version:  Version,
		DeviceID: e.dev.ID(),
		Scope:    "all",
		Window:   Window{Since: since, Until: e.now()},
	}
	if since != nil {
		s.Scope = "since"
	}

	err := e.store.ReadTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		s.Data, err = e.rows(ctx, tx, since, e.skipUndecryptable(ctx))
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.Seal(); err != nil {
		return nil, err
	}
	return s, nil
}
