// Package categories persists observation categories.
package categories

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, c models.Category) error
	Update(ctx context.Context, c models.Category) error
	Upsert(ctx context.Context, c models.Category, changedAt time.Time) error
	Get(ctx context.Context, id string) (models.Category, error)
	GetByName(ctx context.Context, name string) (models.Category, error)
	List(ctx context.Context, includeInactive bool) ([]models.Category, error)
	ChangedSince(ctx context.Context, since *time.Time) ([]models.Category, error)
	Delete(ctx context.Context, id string) error
}
