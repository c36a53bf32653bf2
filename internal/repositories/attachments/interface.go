// Package attachments persists sealed attachment payloads.
package attachments

import (
	"context"

	"github.com/dmitrijs2005/classbook/internal/models"
)

// Repository stores Attachment metadata together with the encrypted payload.
// List methods never load payloads.
type Repository interface {
	Insert(ctx context.Context, a models.Attachment, sealedPayload []byte) error
	Get(ctx context.Context, id string) (models.Attachment, []byte, error)
	ListByObservation(ctx context.Context, observationID string) ([]models.Attachment, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Attachment, error)
	IDs(ctx context.Context) ([]string, error)
	UpdatePayload(ctx context.Context, id string, sealedPayload []byte) error
	CountByStudent(ctx context.Context, studentID string) (int, error)
	DeleteByObservation(ctx context.Context, observationID string) (int64, error)
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)
}
