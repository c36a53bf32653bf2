package records

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
)

type ClassPatch struct {
	Name       *string
	SchoolYear *string
}

func (s *Service) CreateClass(ctx context.Context, name, schoolYear, actor string) (models.Class, error) {
	name = trimSpace(name)
	if name == "" {
		return models.Class{}, fmt.Errorf("class name is required: %w", common.ErrValidation)
	}
	now := s.now()
	c := models.Class{
		ID:             uuid.NewString(),
		Name:           name,
		SchoolYear:     trimSpace(schoolYear),
		CreatedAt:      now,
		UpdatedAt:      now,
		SourceDeviceID: s.dev.ID(),
	}
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := classes.NewSQLiteRepository(tx).Insert(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailCreate, models.ObjectClass, c.ID, actor, nil)
	})
	if err != nil {
		return models.Class{}, err
	}
	return c, nil
}

func (s *Service) UpdateClass(ctx context.Context, id string, p ClassPatch, actor string) (models.Class, error) {
	var c models.Class
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := classes.NewSQLiteRepository(tx)
		var err error
		if c, err = repo.Get(ctx, id); err != nil {
			return err
		}

		var fields []string
		if v, ok := trimmed(p.Name); ok {
			if v == "" {
				return fmt.Errorf("class name is required: %w", common.ErrValidation)
			}
			c.Name = v
			fields = append(fields, "name")
		}
		if v, ok := trimmed(p.SchoolYear); ok {
			c.SchoolYear = v
			fields = append(fields, "school_year")
		}
		if len(fields) == 0 {
			return nil
		}

		c.UpdatedAt = s.now()
		c.SourceDeviceID = s.dev.ID()
		if err := repo.Update(ctx, c); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailUpdate, models.ObjectClass, id, actor, changed{fields})
	})
	if err != nil {
		return models.Class{}, err
	}
	return c, nil
}

func (s *Service) GetClass(ctx context.Context, id string) (models.Class, error) {
	return classes.NewSQLiteRepository(s.db()).Get(ctx, id)
}

func (s *Service) ListClasses(ctx context.Context) ([]models.Class, error) {
	return classes.NewSQLiteRepository(s.db()).List(ctx)
}
