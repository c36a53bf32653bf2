// Package peers persists paired devices and their pinned certificate
// fingerprints.
package peers

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/models"
)

type Repository interface {
	// Pin stores or replaces the trust record for a peer.
	Pin(ctx context.Context, p models.Peer) error
	Get(ctx context.Context, deviceID string) (models.Peer, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (models.Peer, error)
	List(ctx context.Context) ([]models.Peer, error)
	Touch(ctx context.Context, deviceID, address string, at time.Time) error
	Delete(ctx context.Context, deviceID string) error
}
