package peersync

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/classbook/internal/changeset"
)

// Result describes a finished sync session.
type Result struct {
	SessionID  string            `json:"session_id" yaml:"session_id"`
	PeerID     string            `json:"peer_id" yaml:"peer_id"`
	StartedAt  time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time         `json:"finished_at" yaml:"finished_at"`
	Sent       int               `json:"sent" yaml:"sent"`
	Received   changeset.Summary `json:"received" yaml:"received"`
}

// Session is a sync running in the background.
type Session struct {
	ID        string
	PeerID    string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newSession(id, peerID string, started time.Time, cancel context.CancelFunc) *Session {
	return &Session{ID: id, PeerID: peerID, StartedAt: started, cancel: cancel, done: make(chan struct{})}
}

func (s *Session) finish(res Result, err error) {
	s.once.Do(func() {
		s.result, s.err = res, err
		s.cancel()
		close(s.done)
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result blocks until the session ends.
func (s *Session) Result() (Result, error) {
	<-s.done
	return s.result, s.err
}

// Wait is Result bounded by ctx.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts a running session. Nothing is committed after cancellation.
func (s *Session) Cancel() { s.cancel() }
