// Package students persists Student rows.
package students

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, s models.Student) error
	Update(ctx context.Context, s models.Student) error
	Upsert(ctx context.Context, s models.Student, changedAt time.Time) error
	SetStatus(ctx context.Context, id string, status models.StudentStatus, at time.Time, deviceID string) error
	Get(ctx context.Context, id string) (models.Student, error)
	ListByClass(ctx context.Context, classID string, includeDeleted bool) ([]models.Student, error)
	IDsByClass(ctx context.Context, classID string) ([]string, error)
	CountActiveInClass(ctx context.Context, classID string) (int, error)
	ChangedSince(ctx context.Context, since *time.Time) ([]models.Student, error)
	Delete(ctx context.Context, id string) error
}
