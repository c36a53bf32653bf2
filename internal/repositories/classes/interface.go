// Package classes persists Class rows.
package classes

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, c models.Class) error
	Update(ctx context.Context, c models.Class) error
	Upsert(ctx context.Context, c models.Class, changedAt time.Time) error
	Get(ctx context.Context, id string) (models.Class, error)
	List(ctx context.Context) ([]models.Class, error)
	// ChangedSince returns rows written locally at or after since; nil means
	// all rows.
	ChangedSince(ctx context.Context, since *time.Time) ([]models.Class, error)
	Delete(ctx context.Context, id string) error
}
