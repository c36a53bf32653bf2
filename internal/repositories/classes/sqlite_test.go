package classes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
)

var t0 = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func class(id, name string, updated time.Time) models.Class {
	return models.Class{ID: id, Name: name, SchoolYear: "2024/25", CreatedAt: t0, UpdatedAt: updated, SourceDeviceID: "dev-a"}
}

func TestSQLiteRepository_CRUD(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, class("c1", "5a", t0)))

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, class("c1", "5a", t0), got)

	upd := class("c1", "5b", t0.Add(time.Hour))
	require.NoError(t, repo.Update(ctx, upd))
	got, err = repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "5b", got.Name)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)))

	require.NoError(t, repo.Delete(ctx, "c1"))
	_, err = repo.Get(ctx, "c1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteRepository_MissingRows(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	require.ErrorIs(t, repo.Update(ctx, class("nope", "x", t0)), common.ErrNotFound)
	require.ErrorIs(t, repo.Delete(ctx, "nope"), common.ErrNotFound)
}

func TestSQLiteRepository_UpsertAndChangedSince(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, class("c1", "old", t0), t0))
	require.NoError(t, repo.Upsert(ctx, class("c2", "new", t0.Add(2*time.Hour)), t0.Add(2*time.Hour)))
	require.NoError(t, repo.Upsert(ctx, class("c1", "renamed", t0.Add(time.Hour)), t0.Add(time.Hour)))

	all, err := repo.ChangedSince(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "renamed", all[0].Name)

	since := t0.Add(2 * time.Hour)
	recent, err := repo.ChangedSince(ctx, &since)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c2", recent[0].ID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSQLiteRepository_ChangedSinceUsesLocalWriteTime(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	// Received late from a peer: old updated_at, fresh local write.
	relayed := class("c9", "relayed", t0)
	require.NoError(t, repo.Upsert(ctx, relayed, t0.Add(5*time.Hour)))

	since := t0.Add(4 * time.Hour)
	recent, err := repo.ChangedSince(ctx, &since)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c9", recent[0].ID)
	assert.True(t, recent[0].UpdatedAt.Equal(t0), "updated_at is kept for conflict resolution")

	require.NoError(t, repo.Update(ctx, class("c9", "edited", t0.Add(6*time.Hour))))
	since = t0.Add(6 * time.Hour)
	recent, err = repo.ChangedSince(ctx, &since)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
