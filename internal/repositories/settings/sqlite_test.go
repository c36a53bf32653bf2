package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/store/storetest"
)

func TestSQLiteRepository_SetGetListDelete(t *testing.T) {
	s := storetest.Open(t)
	r := NewSQLiteRepository(s.DB())
	ctx := context.Background()

	v, err := r.Get(ctx, KeyDeviceID)
	require.NoError(t, err)
	require.Nil(t, v, "missing key is (nil, nil)")

	require.NoError(t, r.Set(ctx, KeyDeviceID, []byte("dev-a")))
	require.NoError(t, r.Set(ctx, KeyDeviceName, []byte("Notebook")))
	require.NoError(t, r.Set(ctx, KeyDeviceName, []byte("Desktop")))

	v, err = r.Get(ctx, KeyDeviceName)
	require.NoError(t, err)
	assert.Equal(t, []byte("Desktop"), v)

	m, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{KeyDeviceID: []byte("dev-a"), KeyDeviceName: []byte("Desktop")}, m)

	require.NoError(t, r.Delete(ctx, KeyDeviceName))
	require.NoError(t, r.Delete(ctx, KeyDeviceName), "delete is idempotent")
	v, err = r.Get(ctx, KeyDeviceName)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLiteRepository_DriverErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewSQLiteRepository(db)
	ctx := context.Background()
	boom := errors.New("database is locked")

	mock.ExpectQuery(`SELECT value FROM device_settings`).WithArgs("k").WillReturnError(boom)
	_, err = r.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to get setting[k]")

	mock.ExpectExec(`INSERT INTO device_settings`).WithArgs("k", []byte("v")).WillReturnError(boom)
	err = r.Set(ctx, "k", []byte("v"))
	assert.Contains(t, err.Error(), "failed to set setting[k]")

	mock.ExpectExec(`DELETE FROM device_settings`).WithArgs("k").WillReturnError(boom)
	err = r.Delete(ctx, "k")
	assert.Contains(t, err.Error(), "failed to delete setting[k]")

	mock.ExpectQuery(`SELECT key, value FROM device_settings`).WillReturnError(boom)
	_, err = r.List(ctx)
	assert.Contains(t, err.Error(), "failed to list settings")

	require.NoError(t, mock.ExpectationsWereMet())
}
