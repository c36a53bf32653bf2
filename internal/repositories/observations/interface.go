// Package observations persists Observation rows. Text never reaches this
// layer in plaintext: callers hand in and receive the sealed ciphertext.
package observations

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/models"
)

// Sealed is an Observation as stored: Text is empty and Ciphertext holds the
// encrypted text.
type Sealed struct {
	models.Observation
	Ciphertext []byte
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	StudentID  string
	CategoryID string
	Since      *time.Time
}

type Repository interface {
	Insert(ctx context.Context, o Sealed) error
	Update(ctx context.Context, o Sealed) error
	Upsert(ctx context.Context, o Sealed, changedAt time.Time) error
	UpdateCiphertext(ctx context.Context, id string, ciphertext []byte) error
	Get(ctx context.Context, id string) (Sealed, error)
	List(ctx context.Context, f Filter) ([]Sealed, error)
	ChangedSince(ctx context.Context, since *time.Time) ([]Sealed, error)
	IDsByStudent(ctx context.Context, studentID string) ([]string, error)
	CountByStudent(ctx context.Context, studentID string) (int, error)
	CountByCategory(ctx context.Context, categoryID string) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)
}
