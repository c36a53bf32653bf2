package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

var t0 = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func logIn(t *testing.T, s *store.Store, clock timex.Clock, recs ...Record) {
	t.Helper()
	require.NoError(t, s.WriteTx(context.Background(), func(ctx context.Context, tx dbx.DBTX) error {
		l := New(tx, clock, "dev-a")
		for _, r := range recs {
			if _, err := l.Log(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestLedger_LogBuildsChain(t *testing.T) {
	s := storetest.Open(t)
	clock := timex.NewManual(t0)

	logIn(t, s, clock,
		Record{Action: "create", ObjectType: models.ObjectClass, ObjectID: "c1", ActorID: "teacher", Detail: models.DetailCreate},
		Record{Action: "update", ObjectType: models.ObjectClass, ObjectID: "c1", ActorID: "teacher", Detail: models.DetailUpdate,
			Payload: map[string]string{"field": "name"}},
	)

	entries, err := NewReader(s.DB()).List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "", entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, "dev-a", entries[1].DeviceID)
	assert.JSONEq(t, `{"field":"name"}`, string(entries[1].Payload))
	assert.True(t, entries[0].Timestamp.Equal(t0))

	n, err := NewReader(s.DB()).Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLedger_RejectsInvalidRecords(t *testing.T) {
	s := storetest.Open(t)
	l := New(s.DB(), timex.NewManual(t0), "dev-a")
	ctx := context.Background()

	_, err := l.Log(ctx, Record{Action: "purge", ObjectType: "class", ObjectID: "c1", Detail: "purge"})
	require.ErrorIs(t, err, common.ErrValidation)

	_, err = l.Log(ctx, Record{Action: "create", Detail: models.DetailCreate})
	require.ErrorIs(t, err, common.ErrValidation)

	assert.Zero(t, storetest.Count(t, s, "audit_log", ""))
}

func TestLedger_EntryRollsBackWithMutation(t *testing.T) {
	s := storetest.Open(t)
	boom := errors.New("cascade failed")

	err := s.WriteTx(context.Background(), func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := New(tx, timex.NewManual(t0), "dev-a").Log(ctx, Record{
			Action: "delete", ObjectType: models.ObjectStudent, ObjectID: "s1", Detail: models.DetailHardDelete,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, storetest.Count(t, s, "audit_log", ""))
}

func TestReader_VerifyDetectsTampering(t *testing.T) {
	s := storetest.Open(t)
	clock := timex.NewManual(t0)
	logIn(t, s, clock,
		Record{Action: "create", ObjectType: models.ObjectStudent, ObjectID: "s1", Detail: models.DetailCreate},
		Record{Action: "delete", ObjectType: models.ObjectStudent, ObjectID: "s1", Detail: models.DetailSoftDelete},
	)

	// simulate someone editing the file with the guard removed
	_, err := s.DB().Exec(`DROP TRIGGER audit_log_no_update`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE audit_log SET detail = 'create' WHERE seq = 2`)
	require.NoError(t, err)

	_, err = NewReader(s.DB()).Verify(context.Background())
	require.ErrorIs(t, err, common.ErrIntegrityFailure)
	assert.Contains(t, err.Error(), "entry 2")
}

func TestReader_FiltersAndStatistics(t *testing.T) {
	s := storetest.Open(t)
	clock := timex.NewManual(t0)
	logIn(t, s, clock, Record{Action: "create", ObjectType: models.ObjectStudent, ObjectID: "s1", ActorID: "anna", Detail: models.DetailCreate})
	clock.Advance(time.Hour)
	logIn(t, s, clock,
		Record{Action: "create", ObjectType: models.ObjectStudent, ObjectID: "s2", ActorID: "ben", Detail: models.DetailCreate},
		Record{Action: "delete", ObjectType: models.ObjectStudent, ObjectID: "s1", ActorID: "ben", Detail: models.DetailSoftDelete},
	)
	r := NewReader(s.DB())
	ctx := context.Background()

	byObject, err := r.List(ctx, Filter{ObjectType: models.ObjectStudent, ObjectID: "s1"})
	require.NoError(t, err)
	assert.Len(t, byObject, 2)

	byActor, err := r.List(ctx, Filter{ActorID: "ben"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byDetail, err := r.List(ctx, Filter{Detail: models.DetailSoftDelete})
	require.NoError(t, err)
	require.Len(t, byDetail, 1)
	assert.Equal(t, "s1", byDetail[0].ObjectID)

	since := t0.Add(30 * time.Minute)
	recent, err := r.List(ctx, Filter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "s2", recent[0].ObjectID)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := r.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.AuditDetail]int{models.DetailCreate: 2, models.DetailSoftDelete: 1}, stats)
}

func TestReader_RemovalsIncludeMergedDeletions(t *testing.T) {
	s := storetest.Open(t)
	clock := timex.NewManual(t0)
	ctx := context.Background()

	logIn(t, s, clock,
		Record{Action: "delete", ObjectType: models.ObjectStudent, ObjectID: "s1", Detail: models.DetailHardDelete},
		Record{Action: "delete", ObjectType: models.ObjectStudent, ObjectID: "s2", Detail: models.DetailSoftDelete},
		Record{Action: "delete", ObjectType: models.ObjectAttachment, ObjectID: "a1", Detail: models.DetailHardDelete},
	)
	clock.Advance(time.Hour)
	logIn(t, s, clock, Record{
		Action: "merge", ObjectType: models.ObjectChangeset, ObjectID: "cs-1", Detail: models.DetailSyncMerge,
		Payload: MergePayload{Format: "changeset", Deleted: []Removal{{
			ObjectType: models.ObjectClass, ObjectID: "c9", At: t0.Add(10 * time.Minute), DeviceID: "dev-b", Detail: models.DetailForceDelete,
		}}},
	})

	r := NewReader(s.DB())

	all, err := r.RemovalsSince(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2, "soft deletes and non-replicated objects are not removals")
	assert.Equal(t, "s1", all[0].ObjectID)
	assert.Equal(t, "c9", all[1].ObjectID)
	assert.Equal(t, "dev-b", all[1].DeviceID)
	assert.True(t, all[1].At.Equal(t0.Add(10*time.Minute)))

	since := t0.Add(30 * time.Minute)
	recent, err := r.RemovalsSince(ctx, &since)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.DetailForceDelete, recent[0].Detail)

	removed, err := r.Removed(ctx, models.ObjectClass, "c9")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Removed(ctx, models.ObjectStudent, "s2")
	require.NoError(t, err)
	assert.False(t, removed)
}
