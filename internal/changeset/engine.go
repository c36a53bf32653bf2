package changeset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const sealLabel = "changeset"

// Store is the transactional boundary of the engine.
type Store interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	ReadTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

// Device is the local identity and its at-rest cipher.
type Device interface {
	ID() string
	Clock() timex.Clock
	SealText(rowID string, plaintext []byte) ([]byte, error)
	OpenText(rowID string, sealed []byte) ([]byte, error)
}

// Envelopes hands out the transfer cipher shared with a paired peer.
type Envelopes interface {
	Envelope(ctx context.Context, peerID string) (*cryptox.Envelope, error)
}

// Summary is the outcome of one apply.
type Summary struct {
	Format    string                    `json:"format" yaml:"format"`
	Source    string                    `json:"source" yaml:"source"`
	Checksum  string                    `json:"checksum" yaml:"checksum"`
	Applied   int                       `json:"applied" yaml:"applied"`
	Skipped   int                       `json:"skipped" yaml:"skipped"`
	Conflicts int                       `json:"conflicts" yaml:"conflicts"`
	Counts    map[string]map[string]int `json:"counts" yaml:"counts"`
}

func (s *Summary) count(table string, op Op) {
	if s.Counts == nil {
		s.Counts = map[string]map[string]int{}
	}
	if s.Counts[table] == nil {
		s.Counts[table] = map[string]int{}
	}
	s.Counts[table][string(op)]++
	s.Applied++
}

type Engine struct {
	store     Store
	dev       Device
	envelopes Envelopes
	log       logging.Logger
}

// NewEngine builds an engine. envelopes may be nil, in which case sealed
// transfers are refused with common.ErrNotPaired.
func NewEngine(store Store, dev Device, envelopes Envelopes, log logging.Logger) *Engine {
	return &Engine{store: store, dev: dev, envelopes: envelopes, log: log.With("module", "changeset")}
}

func (e *Engine) now() time.Time { return e.dev.Clock().Now() }

// Seal wraps an encoded changeset or snapshot for peerID.
func (e *Engine) Seal(ctx context.Context, payload []byte, peerID string) ([]byte, error) {
	env, err := e.envelope(ctx, peerID)
	if err != nil {
		return nil, err
	}
	sealed, err := env.Seal(payload, sealLabel)
	if err != nil {
		return nil, fmt.Errorf("seal changeset: %w", err)
	}
	return json.Marshal(Sealed{
		Format:     FormatSealed,
		Sender:     e.dev.ID(),
		Nonce:      sealed[:chacha20poly1305.NonceSize],
		Ciphertext: sealed[chacha20poly1305.NonceSize:],
	})
}

// Unseal opens a sealed envelope and returns the inner payload and the
// sending device.
func (e *Engine) Unseal(ctx context.Context, payload []byte) ([]byte, string, error) {
	var s Sealed
	if err := decodeStrict(payload, &s); err != nil {
		return nil, "", err
	}
	if s.Format != FormatSealed || s.Sender == "" || len(s.Nonce) != chacha20poly1305.NonceSize {
		return nil, "", &common.IntegrityError{Reason: "malformed sealed envelope"}
	}
	env, err := e.envelope(ctx, s.Sender)
	if err != nil {
		return nil, "", err
	}
	inner, err := env.Open(append(append([]byte{}, s.Nonce...), s.Ciphertext...), sealLabel)
	if err != nil {
		return nil, "", &common.IntegrityError{Reason: "sealed envelope from " + s.Sender + " does not authenticate"}
	}
	return inner, s.Sender, nil
}

func (e *Engine) envelope(ctx context.Context, peerID string) (*cryptox.Envelope, error) {
	if e.envelopes == nil {
		return nil, common.ErrNotPaired
	}
	env, err := e.envelopes.Envelope(ctx, peerID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewAuthError(common.ReasonUnknownPeer)
	}
	return env, err
}

// Import detects the payload format and applies it. Sealed envelopes are
// opened first; their inner payload must be a changeset or a full export.
func (e *Engine) Import(ctx context.Context, payload []byte, actor string) (Summary, error) {
	format, err := Format(payload)
	if err != nil {
		return Summary{}, err
	}
	source := ""
	if format == FormatSealed {
		if payload, source, err = e.Unseal(ctx, payload); err != nil {
			return Summary{}, err
		}
		if format, err = Format(payload); err != nil {
			return Summary{}, err
		}
		if format == FormatSealed {
			return Summary{}, &common.IntegrityError{Reason: "nested sealed envelope"}
		}
	}

	switch format {
	case FormatChangeset:
		cs, err := DecodeChangeset(payload)
		if err != nil {
			return Summary{}, err
		}
		if source != "" && cs.DeviceID != source {
			return Summary{}, &common.IntegrityError{Reason: "changeset device does not match envelope sender"}
		}
		return e.Apply(ctx, cs, actor)
	default:
		snap, err := DecodeSnapshot(payload)
		if err != nil {
			return Summary{}, err
		}
		if source != "" && snap.DeviceID != source {
			return Summary{}, &common.IntegrityError{Reason: "snapshot device does not match envelope sender"}
		}
		return e.ApplySnapshot(ctx, snap, actor)
	}
}
