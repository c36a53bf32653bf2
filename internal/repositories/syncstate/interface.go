// Package syncstate persists the per-peer "last successful sync" marker.
package syncstate

import (
	"context"

	"github.com/dmitrijs2005/classbook/internal/models"
)

type Repository interface {
	// Get returns the zero state (nil LastSyncAt) for a peer never synced.
	Get(ctx context.Context, peerID string) (models.SyncState, error)
	Set(ctx context.Context, s models.SyncState) error
	List(ctx context.Context) ([]models.SyncState, error)
}
