package records

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/categories"
)

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type CategoryInput struct {
	Name            string
	Color           string
	BackgroundColor string
	TextColor       string
	SortOrder       int
}

type CategoryPatch struct {
	Name            *string
	Color           *string
	BackgroundColor *string
	TextColor       *string
	SortOrder       *int
	IsActive        *bool
}

func validColors(colors ...string) error {
	for _, c := range colors {
		if c != "" && !hexColor.MatchString(c) {
			return fmt.Errorf("color %q: %w", c, common.ErrValidation)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// nameTaken fails when another category already uses name.
func nameTaken(ctx context.Context, repo *categories.SQLiteRepository, name, selfID string) error {
	other, err := repo.GetByName(ctx, name)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if other.ID == selfID {
		return nil
	}
	return fmt.Errorf("category %q already exists: %w", name, common.ErrConflict)
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput, actor string) (models.Category, error) {
	name := trimSpace(in.Name)
	if name == "" {
		return models.Category{}, fmt.Errorf("category name is required: %w", common.ErrValidation)
	}
	if err := validColors(in.Color, in.BackgroundColor, in.TextColor); err != nil {
		return models.Category{}, err
	}

	now := s.now()
	c := models.Category{
		ID:              uuid.NewString(),
		Name:            name,
		Color:           orDefault(in.Color, "#3B82F6"),
		BackgroundColor: orDefault(in.BackgroundColor, "#EBF8FF"),
		TextColor:       orDefault(in.TextColor, "#1E3A8A"),
		IsActive:        true,
		SortOrder:       in.SortOrder,
		CreatedAt:       now,
		UpdatedAt:       now,
		SourceDeviceID:  s.dev.ID(),
	}
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := categories.NewSQLiteRepository(tx)
		if err := nameTaken(ctx, repo, name, ""); err != nil {
			return err
		}
		if err := repo.Insert(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailCreate, models.ObjectCategory, c.ID, actor, map[string]string{"name": c.Name})
	})
	if err != nil {
		return models.Category{}, err
	}
	return c, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id string, p CategoryPatch, actor string) (models.Category, error) {
	var c models.Category
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := categories.NewSQLiteRepository(tx)
		var err error
		if c, err = repo.Get(ctx, id); err != nil {
			return err
		}

		var fields []string
		if v, ok := trimmed(p.Name); ok {
			if v == "" {
				return fmt.Errorf("category name is required: %w", common.ErrValidation)
			}
			if err := nameTaken(ctx, repo, v, id); err != nil {
				return err
			}
			c.Name = v
			fields = append(fields, "name")
		}
		for _, f := range []struct {
			name string
			src  *string
			dst  *string
		}{
			{"color", p.Color, &c.Color},
			{"background_color", p.BackgroundColor, &c.BackgroundColor},
			{"text_color", p.TextColor, &c.TextColor},
		} {
			if f.src == nil {
				continue
			}
			if err := validColors(*f.src); err != nil {
				return err
			}
			*f.dst = *f.src
			fields = append(fields, f.name)
		}
		if p.SortOrder != nil {
			c.SortOrder = *p.SortOrder
			fields = append(fields, "sort_order")
		}
		if p.IsActive != nil {
			c.IsActive = *p.IsActive
			fields = append(fields, "is_active")
		}
		if len(fields) == 0 {
			return nil
		}

		c.UpdatedAt = s.now()
		c.SourceDeviceID = s.dev.ID()
		if err := repo.Update(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailUpdate, models.ObjectCategory, id, actor, changed{fields})
	})
	if err != nil {
		return models.Category{}, err
	}
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context, includeInactive bool) ([]models.Category, error) {
	return categories.NewSQLiteRepository(s.db()).List(ctx, includeInactive)
}
