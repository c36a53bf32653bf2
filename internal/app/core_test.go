package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/changeset"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/config"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

func openCore(t *testing.T, name string) *Core {
	t.Helper()
	t.Setenv("CLASSBOOK_TEST_PASSPHRASE", "correct horse battery staple")

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DataDir = t.TempDir()
	cfg.DeviceName = name
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Keystore = keystore.BackendFile
	cfg.KeystorePassphraseEnv = "CLASSBOOK_TEST_PASSPHRASE"
	require.NoError(t, cfg.Validate())

	c, err := Open(context.Background(), cfg, logging.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCore_ReopenKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	c := openCore(t, "laptop")
	info := c.DeviceInfo()
	assert.Equal(t, "laptop", info.Name)

	cls, err := c.CreateClass(ctx, "5b", "2024/25")
	require.NoError(t, err)
	cfg := c.Config()
	require.NoError(t, c.Close())

	again, err := Open(ctx, cfg, logging.Nop{})
	require.NoError(t, err)
	defer again.Close()

	assert.Equal(t, info.ID, again.DeviceInfo().ID)
	assert.Equal(t, info.Fingerprint, again.DeviceInfo().Fingerprint)
	got, err := again.GetClass(ctx, cls.ID)
	require.NoError(t, err)
	assert.Equal(t, "5b", got.Name)
}

func TestCore_RecordLifecycle(t *testing.T) {
	ctx := context.Background()
	c := openCore(t, "laptop")

	cls, err := c.CreateClass(ctx, "7a", "2024/25")
	require.NoError(t, err)
	st, err := c.CreateStudent(ctx, cls.ID, "Ada", "Lovelace", models.StudentActive)
	require.NoError(t, err)

	cats, err := c.ListCategories(ctx, false)
	require.NoError(t, err)
	require.NotEmpty(t, cats)

	obs, err := c.CreateObservation(ctx, records.ObservationInput{
		StudentID:  st.ID,
		CategoryID: cats[0].ID,
		Text:       "Solved the bonus exercise unprompted",
	})
	require.NoError(t, err)
	assert.Equal(t, c.DeviceInfo().ID, obs.AuthorID)

	found, err := c.SearchObservations(ctx, "bonus", records.ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, obs.ID, found[0].ID)

	// A student with observations is kept as a soft-deleted row.
	res, err := c.DeleteStudent(ctx, st.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.DetailSoftDelete, res.Detail)

	restored, err := c.RestoreStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StudentActive, restored.Status)

	res, err = c.DeleteStudent(ctx, st.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed.Observations)

	_, err = c.GetObservation(ctx, obs.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	n, err := c.VerifyAudit(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)

	entries, err := c.AuditEntries(ctx, audit.Filter{ObjectType: models.ObjectStudent, ObjectID: st.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCore_ChangesetBetweenDevices(t *testing.T) {
	ctx := context.Background()
	a := openCore(t, "laptop")
	b := openCore(t, "notebook")

	cls, err := a.CreateClass(ctx, "3c", "2024/25")
	require.NoError(t, err)
	_, err = a.CreateStudent(ctx, cls.ID, "Grace", "Hopper", models.StudentActive)
	require.NoError(t, err)

	payload, err := a.ExportChangeset(ctx, nil, "")
	require.NoError(t, err)

	sum, err := b.ImportChangeset(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, changeset.FormatChangeset, sum.Format)
	assert.Equal(t, a.DeviceInfo().ID, sum.Source)

	students, err := b.ListStudents(ctx, cls.ID, false)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "Grace", students[0].FirstName)

	// Importing the same changeset again changes nothing.
	again, err := b.ImportChangeset(ctx, payload)
	require.NoError(t, err)
	assert.Zero(t, again.Applied)

	snap, err := a.ExportFullSnapshot(ctx, nil)
	require.NoError(t, err)
	format, err := changeset.Format(snap)
	require.NoError(t, err)
	assert.Equal(t, changeset.FormatFullExport, format)
}

func TestCore_SealRequiresPairedPeer(t *testing.T) {
	c := openCore(t, "laptop")

	_, err := c.ExportChangeset(context.Background(), nil, "not-a-peer")
	var ae *common.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, common.ReasonUnknownPeer, ae.Reason)
}

func TestCore_SyncWithoutPeers(t *testing.T) {
	ctx := context.Background()
	c := openCore(t, "laptop")

	_, err := c.TriggerSync(ctx, "")
	assert.ErrorIs(t, err, common.ErrNotPaired)

	status, err := c.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Peers)

	peers, err := c.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestCore_DeviceSettings(t *testing.T) {
	ctx := context.Background()
	c := openCore(t, "laptop")

	_, err := c.RotateDeviceKey(ctx, false, false)
	assert.ErrorIs(t, err, common.ErrConfirmationRequired)

	info, err := c.SetDeviceConfig(ctx, "staff room", "notebook")
	require.NoError(t, err)
	assert.Equal(t, "staff room", info.Name)
	assert.Equal(t, "staff room", c.DeviceInfo().Name)

	ticket, err := c.GeneratePairingPIN(ctx)
	require.NoError(t, err)
	assert.Len(t, ticket.PIN, 6)
	assert.Equal(t, c.DeviceInfo().Fingerprint, ticket.Fingerprint)
}
