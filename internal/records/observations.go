package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/categories"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

type ObservationInput struct {
	StudentID  string
	AuthorID   string
	CategoryID string
	Text       string
	Tags       []string
}

type ObservationPatch struct {
	CategoryID *string
	Text       *string
	Tags       *[]string
}

type ObservationFilter struct {
	StudentID  string
	CategoryID string
	Since      *time.Time
}

// normalizeTags trims, drops empties and removes duplicates while keeping
// the first occurrence's position.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func (s *Service) seal(o models.Observation) (observations.Sealed, error) {
	ct, err := s.dev.SealText(o.ID, []byte(o.Text))
	if err != nil {
		return observations.Sealed{}, fmt.Errorf("seal observation %s: %w", o.ID, err)
	}
	sealed := observations.Sealed{Observation: o, Ciphertext: ct}
	sealed.Text = ""
	return sealed, nil
}

func (s *Service) open(o observations.Sealed) (models.Observation, error) {
	plain, err := s.dev.OpenText(o.ID, o.Ciphertext)
	if err != nil {
		return models.Observation{}, fmt.Errorf("observation %s: %w", o.ID, err)
	}
	obs := o.Observation
	obs.Text = string(plain)
	return obs, nil
}

func checkCategory(ctx context.Context, tx dbx.DBTX, id string) error {
	if id == "" {
		return nil
	}
	c, err := categories.NewSQLiteRepository(tx).Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("category %s is inactive: %w", id, common.ErrValidation)
	}
	return nil
}

func (s *Service) CreateObservation(ctx context.Context, in ObservationInput, actor string) (models.Observation, error) {
	if strings.TrimSpace(in.Text) == "" {
		return models.Observation{}, fmt.Errorf("observation text is required: %w", common.ErrValidation)
	}
	author := in.AuthorID
	if author == "" {
		author = actor
	}

	now := s.now()
	o := models.Observation{
		ID:             uuid.NewString(),
		StudentID:      in.StudentID,
		AuthorID:       author,
		CategoryID:     in.CategoryID,
		Text:           in.Text,
		Tags:           normalizeTags(in.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
		SourceDeviceID: s.dev.ID(),
	}
	sealed, err := s.seal(o)
	if err != nil {
		return models.Observation{}, err
	}

	err = s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		st, err := students.NewSQLiteRepository(tx).Get(ctx, o.StudentID)
		if err != nil {
			return err
		}
		if st.Status == models.StudentDeleted {
			return fmt.Errorf("student %s is deleted: %w", st.ID, common.ErrValidation)
		}
		if err := checkCategory(ctx, tx, o.CategoryID); err != nil {
			return err
		}
		if err := observations.NewSQLiteRepository(tx).Insert(ctx, sealed); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailCreate, models.ObjectObservation, o.ID, actor,
			map[string]string{"student_id": o.StudentID})
	})
	if err != nil {
		return models.Observation{}, err
	}
	return o, nil
}

func (s *Service) UpdateObservation(ctx context.Context, id string, p ObservationPatch, actor string) (models.Observation, error) {
	var o models.Observation
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := observations.NewSQLiteRepository(tx)
		stored, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}

		var fields []string
		if p.Text != nil {
			if strings.TrimSpace(*p.Text) == "" {
				return fmt.Errorf("observation text is required: %w", common.ErrValidation)
			}
			o = stored.Observation
			o.Text = *p.Text
			fields = append(fields, "text")
		} else {
			// Keeping the text requires it to be readable under the current key.
			if o, err = s.open(stored); err != nil {
				return err
			}
		}
		if p.CategoryID != nil {
			if err := checkCategory(ctx, tx, *p.CategoryID); err != nil {
				return err
			}
			o.CategoryID = *p.CategoryID
			fields = append(fields, "category_id")
		}
		if p.Tags != nil {
			o.Tags = normalizeTags(*p.Tags)
			fields = append(fields, "tags")
		}
		if len(fields) == 0 {
			return nil
		}

		o.UpdatedAt = s.now()
		o.SourceDeviceID = s.dev.ID()
		sealed, err := s.seal(o)
		if err != nil {
			return err
		}
		if err := repo.Update(ctx, sealed); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailUpdate, models.ObjectObservation, id, actor, changed{fields})
	})
	if err != nil {
		return models.Observation{}, err
	}
	return o, nil
}

// GetObservation returns the decrypted observation, or ErrUndecryptable if
// its text was sealed under a rotated key.
func (s *Service) GetObservation(ctx context.Context, id string) (models.Observation, error) {
	stored, err := observations.NewSQLiteRepository(s.db()).Get(ctx, id)
	if err != nil {
		return models.Observation{}, err
	}
	return s.open(stored)
}

// ListObservations decrypts every match. Entries that cannot be decrypted
// are returned with Undecryptable set and an empty Text.
func (s *Service) ListObservations(ctx context.Context, f ObservationFilter) ([]models.Observation, error) {
	list, err := observations.NewSQLiteRepository(s.db()).List(ctx, observations.Filter{
		StudentID: f.StudentID, CategoryID: f.CategoryID, Since: f.Since,
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Observation, 0, len(list))
	undecryptable := 0
	for _, stored := range list {
		o, err := s.open(stored)
		switch {
		case errors.Is(err, common.ErrUndecryptable):
			o = stored.Observation
			o.Undecryptable = true
			undecryptable++
		case err != nil:
			return nil, err
		}
		out = append(out, o)
	}
	if undecryptable > 0 {
		s.log.Warn(ctx, "observations sealed under a previous key", "count", undecryptable)
	}
	return out, nil
}

// SearchObservations matches query case-insensitively against decrypted
// text and tags. Filtering has to happen after decryption since the store
// only holds ciphertext.
func (s *Service) SearchObservations(ctx context.Context, query string, f ObservationFilter) ([]models.Observation, error) {
	list, err := s.ListObservations(ctx, f)
	if err != nil {
		return nil, err
	}
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))
	if q == "" {
		return list, nil
	}

	var out []models.Observation
	for _, o := range list {
		if o.Undecryptable {
			continue
		}
		if strings.Contains(fold.String(o.Text), q) || tagMatch(fold, o.Tags, q) {
			out = append(out, o)
		}
	}
	return out, nil
}

func tagMatch(fold cases.Caser, tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(fold.String(t), q) {
			return true
		}
	}
	return false
}
