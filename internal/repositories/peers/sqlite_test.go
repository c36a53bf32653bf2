package peers

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

func peer(id, fp string) models.Peer {
	return models.Peer{DeviceID: id, Name: "Notebook", Fingerprint: fp, CertificatePEM: []byte("pem"),
		Address: "192.168.1.20:47321", PairedAt: t0, LastSeen: t0}
}

func TestSQLiteRepository_PinAndLookup(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	require.NoError(t, repo.Pin(ctx, peer("dev-b", "fp-b")))

	got, err := repo.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, peer("dev-b", "fp-b"), got)

	byFP, err := repo.GetByFingerprint(ctx, "fp-b")
	require.NoError(t, err)
	assert.Equal(t, "dev-b", byFP.DeviceID)

	// re-pairing replaces the pinned fingerprint
	require.NoError(t, repo.Pin(ctx, peer("dev-b", "fp-b2")))
	_, err = repo.GetByFingerprint(ctx, "fp-b")
	require.ErrorIs(t, err, common.ErrNotFound)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteRepository_TouchAndDelete(t *testing.T) {
	s := storetest.Open(t)
	repo := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	require.NoError(t, repo.Pin(ctx, peer("dev-b", "fp-b")))
	require.NoError(t, repo.Touch(ctx, "dev-b", "", t0.Add(time.Hour)))

	got, err := repo.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:47321", got.Address, "empty address keeps the old one")
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Hour)))

	require.NoError(t, repo.Touch(ctx, "dev-b", "10.0.0.2:47321", t0.Add(2*time.Hour)))
	got, err = repo.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:47321", got.Address)

	require.ErrorIs(t, repo.Touch(ctx, "nope", "", t0), common.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "dev-b"))
	require.ErrorIs(t, repo.Delete(ctx, "dev-b"), common.ErrNotFound)
}
