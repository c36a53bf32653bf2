package peersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/changeset"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
	"github.com/dmitrijs2005/classbook/internal/records"
	"github.com/dmitrijs2005/classbook/internal/repositories/syncstate"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

var t0 = time.Date(2025, 2, 10, 7, 30, 0, 0, time.UTC)

// loopRemote delivers calls straight to the other device's manager, or to
// the manager routed for the peer when routes is set.
type loopRemote struct {
	self   string
	target *Manager
	routes map[string]*Manager
	// gate, when set, holds Sync until the test closes it or ctx ends.
	entered chan struct{}
	gate    chan struct{}
}

func (r *loopRemote) to(p models.Peer) *Manager {
	if m, ok := r.routes[p.DeviceID]; ok {
		return m
	}
	return r.target
}

func (r *loopRemote) Sync(ctx context.Context, p models.Peer, payload []byte) ([]byte, error) {
	if r.gate != nil {
		close(r.entered)
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.to(p).HandleSync(ctx, r.self, payload)
}

func (r *loopRemote) Ping(ctx context.Context, p models.Peer, ack string) error {
	if ack == "" {
		return nil
	}
	return r.to(p).Acknowledge(ctx, r.self, ack)
}

type node struct {
	st     *store.Store
	dev    *device.Context
	rec    *records.Service
	trust  *pairing.Trust
	remote *loopRemote
	mgr    *Manager
}

func newNode(t *testing.T, clock timex.Clock, name string) *node {
	t.Helper()
	st := storetest.Open(t)
	dev, err := device.Init(context.Background(), st, keystore.NewMemory(), clock, device.Defaults{Name: name})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	n := &node{st: st, dev: dev, rec: records.NewService(st, dev, logging.Nop{}), trust: pairing.NewTrust(st, dev)}
	n.remote = &loopRemote{self: dev.ID()}
	eng := changeset.NewEngine(st, dev, n.trust, logging.Nop{})
	n.mgr = NewManager(st, dev, eng, n.trust, n.remote, pairing.NewMachine(clock), time.Minute, logging.Nop{})
	return n
}

func pin(t *testing.T, on, other *node) {
	t.Helper()
	now := other.dev.Now()
	require.NoError(t, on.trust.Pin(context.Background(), models.Peer{
		DeviceID:       other.dev.ID(),
		Name:           other.dev.Name(),
		Fingerprint:    other.dev.Fingerprint(),
		CertificatePEM: cryptox.EncodeCertificatePEM(other.dev.Cert().DER),
		Address:        "loop",
		PairedAt:       now,
		LastSeen:       now,
	}, "teacher"))
}

func pairNodes(t *testing.T) (a, b *node, clock *timex.Manual) {
	t.Helper()
	clock = timex.NewManual(t0)
	a = newNode(t, clock, "Lehrerzimmer")
	b = newNode(t, clock, "Notebook")
	pin(t, a, b)
	pin(t, b, a)
	a.remote.target, b.remote.target = b.mgr, a.mgr
	return a, b, clock
}

func marker(t *testing.T, n *node, peerID string) *time.Time {
	t.Helper()
	s, err := syncstate.NewSQLiteRepository(n.st.DB()).Get(context.Background(), peerID)
	require.NoError(t, err)
	return s.LastSyncAt
}

func TestTriggerSync_Bidirectional(t *testing.T) {
	ctx := context.Background()
	a, b, clock := pairNodes(t)

	ca, err := a.rec.CreateClass(ctx, "7b", "2024/25", "teacher")
	require.NoError(t, err)
	sa, err := a.rec.CreateStudent(ctx, ca.ID, "Mia", "Vogel", "", "teacher")
	require.NoError(t, err)
	cb, err := b.rec.CreateClass(ctx, "8a", "2024/25", "teacher")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	s, err := a.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	res, err := s.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, b.dev.ID(), res.PeerID)
	// Five default categories, the class and the student.
	assert.Equal(t, 7, res.Sent)
	assert.Equal(t, 1, res.Received.Applied)

	_, err = b.rec.GetStudent(ctx, sa.ID)
	require.NoError(t, err)
	_, err = a.rec.GetClass(ctx, cb.ID)
	require.NoError(t, err)

	onA, onB := marker(t, a, b.dev.ID()), marker(t, b, a.dev.ID())
	require.NotNil(t, onA)
	require.NotNil(t, onB)
	assert.True(t, res.StartedAt.Equal(*onA))
	assert.True(t, res.StartedAt.Equal(*onB))

	// Nothing changed since, so the next session moves no rows.
	clock.Advance(time.Minute)
	s, err = a.mgr.TriggerSync(ctx, b.dev.ID())
	require.NoError(t, err)
	res, err = s.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Received.Applied)
}

func syncWith(t *testing.T, from, to *node) Result {
	t.Helper()
	s, err := from.mgr.TriggerSync(context.Background(), to.dev.ID())
	require.NoError(t, err)
	res, err := s.Result()
	require.NoError(t, err)
	return res
}

func TestTriggerSync_RelaysRowsFromThirdDevice(t *testing.T) {
	ctx := context.Background()
	a, b, clock := pairNodes(t)
	c := newNode(t, clock, "Tablet")
	pin(t, b, c)
	pin(t, c, b)
	b.remote.routes = map[string]*Manager{a.dev.ID(): a.mgr, c.dev.ID(): c.mgr}
	c.remote.target = b.mgr

	// Written on c before a and b first meet, so its updated_at is older
	// than their marker.
	cls, err := c.rec.CreateClass(ctx, "9c", "2024/25", "teacher")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	syncWith(t, a, b)
	clock.Advance(time.Minute)

	syncWith(t, c, b)
	_, err = b.rec.GetClass(ctx, cls.ID)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	res := syncWith(t, a, b)
	assert.Equal(t, 1, res.Received.Applied)
	got, err := a.rec.GetClass(ctx, cls.ID)
	require.NoError(t, err)
	assert.Equal(t, "9c", got.Name)
	assert.Equal(t, c.dev.ID(), got.SourceDeviceID)

	// b never sends c its own class back.
	clock.Advance(time.Minute)
	res = syncWith(t, c, b)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Received.Applied)
}

func TestTriggerSync_EitherSideMayInitiate(t *testing.T) {
	ctx := context.Background()
	a, b, clock := pairNodes(t)

	c, err := a.rec.CreateClass(ctx, "7b", "2024/25", "teacher")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	s, err := b.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	_, err = s.Result()
	require.NoError(t, err)

	got, err := b.rec.GetClass(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "7b", got.Name)
}

func TestTriggerSync_OneSessionPerPeer(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairNodes(t)
	a.remote.entered = make(chan struct{})
	a.remote.gate = make(chan struct{})

	s, err := a.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	<-a.remote.entered

	_, err = a.mgr.TriggerSync(ctx, b.dev.ID())
	assert.ErrorIs(t, err, common.ErrSyncInProgress)

	st, err := a.mgr.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Peers, 1)
	assert.True(t, st.Peers[0].Syncing)
	assert.Equal(t, pairing.StateSyncing, st.State)

	close(a.remote.gate)
	_, err = s.Result()
	require.NoError(t, err)

	st, err = a.mgr.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Peers[0].Syncing)
	assert.Equal(t, pairing.StateIdle, st.State)
	assert.NotNil(t, st.Peers[0].LastSyncAt)
}

func TestHandleSync_BusyResponder(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairNodes(t)

	release, err := b.mgr.acquire(a.dev.ID())
	require.NoError(t, err)
	defer release()

	s, err := a.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	_, err = s.Result()
	assert.ErrorIs(t, err, common.ErrSyncInProgress)
	assert.Nil(t, marker(t, a, b.dev.ID()))
}

func TestTriggerSync_CancelLeavesNoResidue(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairNodes(t)
	_, err := a.rec.CreateClass(ctx, "7b", "2024/25", "teacher")
	require.NoError(t, err)

	a.remote.entered = make(chan struct{})
	a.remote.gate = make(chan struct{})

	s, err := a.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	<-a.remote.entered
	s.Cancel()

	_, err = s.Result()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, marker(t, a, b.dev.ID()))

	classes, err := b.rec.ListClasses(ctx)
	require.NoError(t, err)
	assert.Empty(t, classes)

	// The gate is free again.
	a.remote.gate = nil
	s, err = a.mgr.TriggerSync(ctx, "")
	require.NoError(t, err)
	_, err = s.Result()
	require.NoError(t, err)
}

func TestTriggerSync_NotPaired(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, timex.NewManual(t0), "Allein")

	_, err := n.mgr.TriggerSync(ctx, "")
	assert.ErrorIs(t, err, common.ErrNotPaired)
	_, err = n.mgr.TriggerSync(ctx, "nobody")
	assert.ErrorIs(t, err, common.ErrNotPaired)
}

func TestTriggerSync_SeveralPeersNeedAName(t *testing.T) {
	ctx := context.Background()
	a, _, clock := pairNodes(t)
	pin(t, a, newNode(t, clock, "Dritter"))

	_, err := a.mgr.TriggerSync(ctx, "")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestHandleSync_SenderMustBeCaller(t *testing.T) {
	ctx := context.Background()
	a, b, clock := pairNodes(t)
	third := newNode(t, clock, "Dritter")
	pin(t, b, third)

	cs, err := changeset.NewEngine(a.st, a.dev, a.trust, logging.Nop{}).Export(ctx, nil)
	require.NoError(t, err)
	payload, err := changeset.Encode(cs)
	require.NoError(t, err)
	sealed, err := changeset.NewEngine(a.st, a.dev, a.trust, logging.Nop{}).Seal(ctx, payload, b.dev.ID())
	require.NoError(t, err)

	_, err = b.mgr.HandleSync(ctx, third.dev.ID(), sealed)
	assert.ErrorIs(t, err, common.ErrIntegrityFailure)
}

func TestAcknowledge_UnknownReply(t *testing.T) {
	_, b, _ := pairNodes(t)
	err := b.mgr.Acknowledge(context.Background(), "whoever", "abc")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
