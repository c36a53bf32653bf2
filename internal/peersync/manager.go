// Package peersync runs bidirectional sync sessions between paired devices.
package peersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dmitrijs2005/classbook/internal/changeset"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
	"github.com/dmitrijs2005/classbook/internal/repositories/syncstate"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type Store interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	DB() *sql.DB
}

type Device interface {
	ID() string
	Clock() timex.Clock
}

// Engine is the part of the changeset engine a session drives.
type Engine interface {
	ExportFor(ctx context.Context, since *time.Time, peerID string) (*changeset.Changeset, error)
	Apply(ctx context.Context, cs *changeset.Changeset, actor string) (changeset.Summary, error)
	Seal(ctx context.Context, payload []byte, peerID string) ([]byte, error)
	Unseal(ctx context.Context, payload []byte) ([]byte, string, error)
}

type Peers interface {
	Peer(ctx context.Context, deviceID string) (models.Peer, error)
	Peers(ctx context.Context) ([]models.Peer, error)
	Touch(ctx context.Context, deviceID, address string) error
}

// Remote reaches a paired peer.
type Remote interface {
	Sync(ctx context.Context, p models.Peer, payload []byte) ([]byte, error)
	Ping(ctx context.Context, p models.Peer, ack string) error
}

type pendingAck struct {
	start    time.Time
	checksum string
}

// PeerStatus is one row of the sync status.
type PeerStatus struct {
	Peer         models.Peer `json:"peer" yaml:"peer"`
	LastSyncAt   *time.Time  `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	LastChecksum string      `json:"last_checksum,omitempty" yaml:"last_checksum,omitempty"`
	Syncing      bool        `json:"syncing" yaml:"syncing"`
}

// Status is the sync status of the device.
type Status struct {
	State pairing.State `json:"state" yaml:"state"`
	Peers []PeerStatus  `json:"peers" yaml:"peers"`
}

// Manager admits at most one session per peer, whichever side started it.
type Manager struct {
	store   Store
	dev     Device
	engine  Engine
	peers   Peers
	remote  Remote
	machine *pairing.Machine
	timeout time.Duration
	log     logging.Logger

	mu      sync.Mutex
	gates   map[string]*semaphore.Weighted
	active  map[string]bool
	pending map[string]pendingAck
}

func NewManager(store Store, dev Device, engine Engine, peers Peers, remote Remote, machine *pairing.Machine, timeout time.Duration, log logging.Logger) *Manager {
	return &Manager{
		store:   store,
		dev:     dev,
		engine:  engine,
		peers:   peers,
		remote:  remote,
		machine: machine,
		timeout: timeout,
		log:     log.With("module", "peersync"),
		gates:   map[string]*semaphore.Weighted{},
		active:  map[string]bool{},
		pending: map[string]pendingAck{},
	}
}

// acquire takes the per-peer gate without waiting.
func (m *Manager) acquire(peerID string) (func(), error) {
	m.mu.Lock()
	gate, ok := m.gates[peerID]
	if !ok {
		gate = semaphore.NewWeighted(1)
		m.gates[peerID] = gate
	}
	m.mu.Unlock()

	if !gate.TryAcquire(1) {
		return nil, fmt.Errorf("peer %s: %w", peerID, common.ErrSyncInProgress)
	}
	m.mu.Lock()
	m.active[peerID] = true
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.active, peerID)
		m.mu.Unlock()
		gate.Release(1)
	}, nil
}

// resolvePeer picks the peer to sync with. An empty id means the only
// paired peer.
func (m *Manager) resolvePeer(ctx context.Context, peerID string) (models.Peer, error) {
	if peerID != "" {
		p, err := m.peers.Peer(ctx, peerID)
		if errors.Is(err, common.ErrNotFound) {
			return models.Peer{}, fmt.Errorf("peer %s: %w", peerID, common.ErrNotPaired)
		}
		return p, err
	}

	list, err := m.peers.Peers(ctx)
	if err != nil {
		return models.Peer{}, err
	}
	switch len(list) {
	case 0:
		return models.Peer{}, common.ErrNotPaired
	case 1:
		return list[0], nil
	default:
		return models.Peer{}, fmt.Errorf("%w: %d peers paired, name one", common.ErrValidation, len(list))
	}
}

// TriggerSync starts a session with peerID in the background. A second
// request for the same peer while one runs fails with ErrSyncInProgress.
func (m *Manager) TriggerSync(ctx context.Context, peerID string) (*Session, error) {
	peer, err := m.resolvePeer(ctx, peerID)
	if err != nil {
		return nil, err
	}
	release, err := m.acquire(peer.DeviceID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	s := newSession(uuid.NewString(), peer.DeviceID, m.dev.Clock().Now(), cancel)

	go func() {
		res, err := m.run(sctx, s, peer)
		release()
		s.finish(res, err)
	}()
	return s, nil
}

// run is the initiator side of one session.
func (m *Manager) run(ctx context.Context, s *Session, peer models.Peer) (Result, error) {
	log := m.log.With("peer_id", peer.DeviceID, "session_id", s.ID)
	res := Result{SessionID: s.ID, PeerID: peer.DeviceID, StartedAt: s.StartedAt}
	m.machine.Syncing(peer.DeviceID)

	fail := func(err error) (Result, error) {
		var ae *common.AuthError
		var reason common.AuthReason
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		m.machine.Fail(peer.DeviceID, reason)
		log.Warn(ctx, "sync failed", "error", err)
		return res, err
	}

	state, err := m.state(ctx, peer.DeviceID)
	if err != nil {
		return fail(err)
	}
	out, err := m.engine.ExportFor(ctx, state.LastSyncAt, peer.DeviceID)
	if err != nil {
		return fail(err)
	}
	sealed, err := m.seal(ctx, out, peer.DeviceID)
	if err != nil {
		return fail(err)
	}
	res.Sent = len(out.Deltas)

	reply, err := m.remote.Sync(ctx, peer, sealed)
	if err != nil {
		return fail(err)
	}
	in, err := m.open(ctx, reply, peer.DeviceID)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	sum, err := m.engine.Apply(ctx, in, peer.DeviceID)
	if err != nil {
		return fail(err)
	}
	res.Received = sum

	if err := m.advance(ctx, peer.DeviceID, s.StartedAt, in.Checksum); err != nil {
		return fail(err)
	}
	if err := m.remote.Ping(ctx, peer, in.Checksum); err != nil {
		// The peer resends the same changes next time; applying them again
		// is a no-op.
		log.Warn(ctx, "acknowledge sync reply", "error", err)
	}
	if err := m.peers.Touch(ctx, peer.DeviceID, ""); err != nil {
		log.Warn(ctx, "touch peer", "error", err)
	}

	res.FinishedAt = m.dev.Clock().Now()
	m.machine.Done(peer.DeviceID)
	log.Info(ctx, "sync finished", "sent", res.Sent, "applied", sum.Applied, "skipped", sum.Skipped, "conflicts", sum.Conflicts)
	return res, nil
}

// HandleSync is the responder side: apply what the peer sent, then answer
// with everything changed here since the last acknowledged session.
func (m *Manager) HandleSync(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	release, err := m.acquire(peerID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := m.dev.Clock().Now()
	log := m.log.With("peer_id", peerID)
	m.machine.Syncing(peerID)

	reply, err := m.respond(ctx, peerID, payload, start)
	if err != nil {
		var ae *common.AuthError
		var reason common.AuthReason
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		m.machine.Fail(peerID, reason)
		log.Warn(ctx, "sync request failed", "error", err)
		return nil, err
	}
	m.machine.Done(peerID)
	return reply, nil
}

func (m *Manager) respond(ctx context.Context, peerID string, payload []byte, start time.Time) ([]byte, error) {
	in, err := m.open(ctx, payload, peerID)
	if err != nil {
		return nil, err
	}
	sum, err := m.engine.Apply(ctx, in, peerID)
	if err != nil {
		return nil, err
	}

	state, err := m.state(ctx, peerID)
	if err != nil {
		return nil, err
	}
	out, err := m.engine.ExportFor(ctx, state.LastSyncAt, peerID)
	if err != nil {
		return nil, err
	}
	sealed, err := m.seal(ctx, out, peerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pending[peerID] = pendingAck{start: start, checksum: out.Checksum}
	m.mu.Unlock()

	m.log.Info(ctx, "sync request applied", "peer_id", peerID,
		"applied", sum.Applied, "skipped", sum.Skipped, "conflicts", sum.Conflicts, "sent", len(out.Deltas))
	return sealed, nil
}

// Acknowledge advances the responder's marker once the peer confirms it
// applied the reply.
func (m *Manager) Acknowledge(ctx context.Context, peerID, checksum string) error {
	m.mu.Lock()
	p, ok := m.pending[peerID]
	if ok && p.checksum == checksum {
		delete(m.pending, peerID)
	}
	m.mu.Unlock()

	if !ok || p.checksum != checksum {
		return fmt.Errorf("sync reply %s for %s: %w", checksum, peerID, common.ErrNotFound)
	}
	return m.advance(ctx, peerID, p.start, checksum)
}

func (m *Manager) seal(ctx context.Context, cs *changeset.Changeset, peerID string) ([]byte, error) {
	payload, err := changeset.Encode(cs)
	if err != nil {
		return nil, err
	}
	return m.engine.Seal(ctx, payload, peerID)
}

// open unseals a payload and checks that it is a changeset from peerID.
func (m *Manager) open(ctx context.Context, payload []byte, peerID string) (*changeset.Changeset, error) {
	inner, sender, err := m.engine.Unseal(ctx, payload)
	if err != nil {
		return nil, err
	}
	if sender != peerID {
		return nil, &common.IntegrityError{Reason: "sync payload sealed by " + sender + ", expected " + peerID}
	}
	cs, err := changeset.DecodeChangeset(inner)
	if err != nil {
		return nil, err
	}
	if cs.DeviceID != peerID {
		return nil, &common.IntegrityError{Reason: "changeset device does not match envelope sender"}
	}
	return cs, nil
}

func (m *Manager) state(ctx context.Context, peerID string) (models.SyncState, error) {
	return syncstate.NewSQLiteRepository(m.store.DB()).Get(ctx, peerID)
}

func (m *Manager) advance(ctx context.Context, peerID string, start time.Time, checksum string) error {
	return m.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return syncstate.NewSQLiteRepository(tx).Set(ctx, models.SyncState{
			PeerID:       peerID,
			LastSyncAt:   &start,
			LastChecksum: checksum,
			UpdatedAt:    m.dev.Clock().Now(),
		})
	})
}

// Status lists every paired peer with its marker.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	list, err := m.peers.Peers(ctx)
	if err != nil {
		return Status{}, err
	}
	states, err := syncstate.NewSQLiteRepository(m.store.DB()).List(ctx)
	if err != nil {
		return Status{}, err
	}
	byPeer := make(map[string]models.SyncState, len(states))
	for _, s := range states {
		byPeer[s.PeerID] = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := Status{State: m.machine.State(), Peers: make([]PeerStatus, 0, len(list))}
	for _, p := range list {
		st := byPeer[p.DeviceID]
		out.Peers = append(out.Peers, PeerStatus{
			Peer:         p,
			LastSyncAt:   st.LastSyncAt,
			LastChecksum: st.LastChecksum,
			Syncing:      m.active[p.DeviceID],
		})
	}
	sort.Slice(out.Peers, func(i, j int) bool { return out.Peers[i].Peer.DeviceID < out.Peers[j].Peer.DeviceID })
	return out, nil
}
