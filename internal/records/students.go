package records

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

type StudentPatch struct {
	ClassID   *string
	FirstName *string
	LastName  *string
	// Status may move between active and inactive. Deletion and restore go
	// through the deletion engine.
	Status *models.StudentStatus
}

func (s *Service) CreateStudent(ctx context.Context, classID, firstName, lastName string, status models.StudentStatus, actor string) (models.Student, error) {
	if status == "" {
		status = models.StudentActive
	}
	if status == models.StudentDeleted || !status.Valid() {
		return models.Student{}, fmt.Errorf("student status %q: %w", status, common.ErrValidation)
	}
	firstName, lastName = trimSpace(firstName), trimSpace(lastName)
	if firstName == "" || lastName == "" {
		return models.Student{}, fmt.Errorf("student name is required: %w", common.ErrValidation)
	}

	now := s.now()
	st := models.Student{
		ID:             uuid.NewString(),
		ClassID:        classID,
		FirstName:      firstName,
		LastName:       lastName,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
		SourceDeviceID: s.dev.ID(),
	}
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := classes.NewSQLiteRepository(tx).Get(ctx, classID); err != nil {
			return err
		}
		if err := students.NewSQLiteRepository(tx).Insert(ctx, st); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailCreate, models.ObjectStudent, st.ID, actor, nil)
	})
	if err != nil {
		return models.Student{}, err
	}
	return st, nil
}

func (s *Service) UpdateStudent(ctx context.Context, id string, p StudentPatch, actor string) (models.Student, error) {
	var st models.Student
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := students.NewSQLiteRepository(tx)
		var err error
		if st, err = repo.Get(ctx, id); err != nil {
			return err
		}
		if st.Status == models.StudentDeleted {
			return fmt.Errorf("student %s is deleted; restore it first: %w", id, common.ErrValidation)
		}

		var fields []string
		if p.ClassID != nil && *p.ClassID != st.ClassID {
			if _, err := classes.NewSQLiteRepository(tx).Get(ctx, *p.ClassID); err != nil {
				return err
			}
			st.ClassID = *p.ClassID
			fields = append(fields, "class_id")
		}
		if v, ok := trimmed(p.FirstName); ok {
			if v == "" {
				return fmt.Errorf("first name is required: %w", common.ErrValidation)
			}
			st.FirstName = v
			fields = append(fields, "first_name")
		}
		if v, ok := trimmed(p.LastName); ok {
			if v == "" {
				return fmt.Errorf("last name is required: %w", common.ErrValidation)
			}
			st.LastName = v
			fields = append(fields, "last_name")
		}
		if p.Status != nil {
			if *p.Status == models.StudentDeleted || !p.Status.Valid() {
				return fmt.Errorf("student status %q: %w", *p.Status, common.ErrValidation)
			}
			st.Status = *p.Status
			fields = append(fields, "status")
		}
		if len(fields) == 0 {
			return nil
		}

		st.UpdatedAt = s.now()
		st.SourceDeviceID = s.dev.ID()
		if err := repo.Update(ctx, st); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailUpdate, models.ObjectStudent, id, actor, changed{fields})
	})
	if err != nil {
		return models.Student{}, err
	}
	return st, nil
}

func (s *Service) GetStudent(ctx context.Context, id string) (models.Student, error) {
	return students.NewSQLiteRepository(s.db()).Get(ctx, id)
}

// ListStudents returns the students of a class in German alphabetical
// order. Soft-deleted students are included only on request.
func (s *Service) ListStudents(ctx context.Context, classID string, includeDeleted bool) ([]models.Student, error) {
	if _, err := classes.NewSQLiteRepository(s.db()).Get(ctx, classID); err != nil {
		return nil, err
	}
	list, err := students.NewSQLiteRepository(s.db()).ListByClass(ctx, classID, includeDeleted)
	if err != nil {
		return nil, err
	}
	SortStudents(list)
	return list, nil
}
