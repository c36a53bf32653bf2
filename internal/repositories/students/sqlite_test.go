package students

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
)

var t0 = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *SQLiteRepository) {
	t.Helper()
	s := storetest.Open(t)
	require.NoError(t, classes.NewSQLiteRepository(s.DB()).Insert(context.Background(),
		models.Class{ID: "c1", Name: "5a", CreatedAt: t0, UpdatedAt: t0, SourceDeviceID: "dev-a"}))
	return s, NewSQLiteRepository(s.DB())
}

func student(id, last string, status models.StudentStatus) models.Student {
	return models.Student{ID: id, ClassID: "c1", FirstName: "Anna", LastName: last, Status: status,
		CreatedAt: t0, UpdatedAt: t0, SourceDeviceID: "dev-a"}
}

func TestSQLiteRepository_InsertGetUpdate(t *testing.T) {
	_, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, student("s1", "Müller", models.StudentActive)))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, student("s1", "Müller", models.StudentActive), got)

	got.FirstName = "Anne"
	got.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Anne", again.FirstName)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteRepository_SetStatusAndCounts(t *testing.T) {
	_, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, student("s1", "A", models.StudentActive)))
	require.NoError(t, repo.Insert(ctx, student("s2", "B", models.StudentActive)))
	require.NoError(t, repo.Insert(ctx, student("s3", "C", models.StudentInactive)))

	n, err := repo.CountActiveInClass(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.SetStatus(ctx, "s2", models.StudentDeleted, t0.Add(time.Hour), "dev-b"))
	n, err = repo.CountActiveInClass(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s2, err := repo.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, models.StudentDeleted, s2.Status)
	assert.Equal(t, "dev-b", s2.SourceDeviceID)

	visible, err := repo.ListByClass(ctx, "c1", false)
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	all, err := repo.ListByClass(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ids, err := repo.IDsByClass(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	require.ErrorIs(t, repo.SetStatus(ctx, "nope", models.StudentDeleted, t0, "d"), common.ErrNotFound)
}

func TestSQLiteRepository_StatusCheckConstraint(t *testing.T) {
	_, repo := setup(t)
	err := repo.Insert(context.Background(), student("s1", "A", models.StudentStatus("archived")))
	require.Error(t, err)
}

func TestSQLiteRepository_UpsertChangedSinceDelete(t *testing.T) {
	_, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, student("s1", "A", models.StudentActive), t0))
	later := student("s1", "A2", models.StudentActive)
	later.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, later, later.UpdatedAt))

	since := t0.Add(30 * time.Minute)
	changed, err := repo.ChangedSince(ctx, &since)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "A2", changed[0].LastName)

	require.NoError(t, repo.Delete(ctx, "s1"))
	require.ErrorIs(t, repo.Delete(ctx, "s1"), common.ErrNotFound)
}
