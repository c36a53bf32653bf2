// Package deletion implements the deletion policies for students, classes,
// observations and categories.
//
// Every call runs in one write transaction together with its audit entries:
// a cascade that fails partway leaves neither rows removed nor entries
// written.
package deletion

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/categories"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const actionDelete = "delete"

// Writer is the transactional boundary the engine runs in.
type Writer interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

// Identity is the local device as far as the engine is concerned.
type Identity interface {
	ID() string
	Clock() timex.Clock
}

// Result describes what a deletion did.
type Result struct {
	Detail  models.AuditDetail `json:"detail" yaml:"detail"`
	Removed Counts             `json:"removed" yaml:"removed"`
}

type Engine struct {
	store Writer
	dev   Identity
	log   logging.Logger
}

func NewEngine(store Writer, dev Identity, log logging.Logger) *Engine {
	return &Engine{store: store, dev: dev, log: log.With("module", "deletion")}
}

func (e *Engine) ledger(tx dbx.DBTX) *audit.Ledger {
	return audit.New(tx, e.dev.Clock(), e.dev.ID())
}

func (e *Engine) now() time.Time { return e.dev.Clock().Now() }

// DeleteStudent removes a student that has no observations outright
// (safe_delete). Otherwise it marks the student deleted (soft_delete), or
// with force erases the student, its observations and their attachments
// (hard_delete).
func (e *Engine) DeleteStudent(ctx context.Context, id string, force bool, actor string) (Result, error) {
	var res Result
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		r, err := e.deleteStudent(ctx, tx, id, force, actor)
		res = r
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Info(ctx, "student deleted", "student_id", id, "detail", res.Detail,
		"observations", res.Removed.Observations, "attachments", res.Removed.Attachments)
	return res, nil
}

func (e *Engine) deleteStudent(ctx context.Context, tx dbx.DBTX, id string, force bool, actor string) (Result, error) {
	repo := students.NewSQLiteRepository(tx)
	s, err := repo.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	n, err := observations.NewSQLiteRepository(tx).CountByStudent(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch {
	case n == 0:
		if res.Removed, err = PurgeStudent(ctx, tx, id); err != nil {
			return Result{}, err
		}
		res.Detail = models.DetailSafeDelete
	case !force:
		if err := repo.SetStatus(ctx, id, models.StudentDeleted, e.now(), e.dev.ID()); err != nil {
			return Result{}, err
		}
		res.Detail = models.DetailSoftDelete
	default:
		if res.Removed, err = PurgeStudent(ctx, tx, id); err != nil {
			return Result{}, err
		}
		res.Detail = models.DetailHardDelete
	}

	_, err = e.ledger(tx).Log(ctx, audit.Record{
		Action:     actionDelete,
		ObjectType: models.ObjectStudent,
		ObjectID:   id,
		ActorID:    actor,
		Detail:     res.Detail,
		Payload:    studentPayload{ClassID: s.ClassID, Removed: res.Removed},
	})
	return res, err
}

type studentPayload struct {
	ClassID string `json:"class_id"`
	Removed Counts `json:"removed"`
}

func (e *Engine) hardDeleteStudent(ctx context.Context, tx dbx.DBTX, id, classID, actor string) (Counts, error) {
	c, err := PurgeStudent(ctx, tx, id)
	if err != nil {
		return Counts{}, err
	}
	_, err = e.ledger(tx).Log(ctx, audit.Record{
		Action:     actionDelete,
		ObjectType: models.ObjectStudent,
		ObjectID:   id,
		ActorID:    actor,
		Detail:     models.DetailHardDelete,
		Payload:    studentPayload{ClassID: classID, Removed: c},
	})
	return c, err
}

// DeleteClass removes a class without active students (safe_delete). A class
// with active students is refused with a ConflictError carrying the count
// unless force is set, in which case every student is hard deleted first
// and the class is logged as force_delete.
//
// Inactive or soft-deleted students left in a class without active students
// go through the student contract with force before the class row is
// removed, each with its own entry.
func (e *Engine) DeleteClass(ctx context.Context, id string, force bool, actor string) (Result, error) {
	var res Result
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := classes.NewSQLiteRepository(tx).Get(ctx, id); err != nil {
			return err
		}

		studentRepo := students.NewSQLiteRepository(tx)
		active, err := studentRepo.CountActiveInClass(ctx, id)
		if err != nil {
			return err
		}
		if active > 0 && !force {
			return &common.ConflictError{Object: models.ObjectClass, ID: id, Count: active}
		}

		ids, err := studentRepo.IDsByClass(ctx, id)
		if err != nil {
			return err
		}
		for _, sid := range ids {
			var c Counts
			if active > 0 {
				c, err = e.hardDeleteStudent(ctx, tx, sid, id, actor)
			} else {
				var r Result
				r, err = e.deleteStudent(ctx, tx, sid, true, actor)
				c = r.Removed
			}
			if err != nil {
				return err
			}
			res.Removed.add(c)
		}

		if err := classes.NewSQLiteRepository(tx).Delete(ctx, id); err != nil {
			return err
		}

		res.Detail = models.DetailSafeDelete
		if active > 0 {
			res.Detail = models.DetailForceDelete
		}
		_, err = e.ledger(tx).Log(ctx, audit.Record{
			Action:     actionDelete,
			ObjectType: models.ObjectClass,
			ObjectID:   id,
			ActorID:    actor,
			Detail:     res.Detail,
			Payload:    classPayload{ActiveStudents: active, Removed: res.Removed},
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Info(ctx, "class deleted", "class_id", id, "detail", res.Detail, "students", res.Removed.Students)
	return res, nil
}

type classPayload struct {
	ActiveStudents int    `json:"active_students"`
	Removed        Counts `json:"removed"`
}

// DeleteObservation erases one observation and its attachments. Only the
// author may delete it (hard_delete); with force anyone may (force_delete).
func (e *Engine) DeleteObservation(ctx context.Context, id string, force bool, actor string) (Result, error) {
	var res Result
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		o, err := observations.NewSQLiteRepository(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		own := o.AuthorID == actor
		if !own && !force {
			return common.NewAuthError(common.ReasonNotAuthor)
		}
		if res.Removed, err = PurgeObservation(ctx, tx, id); err != nil {
			return err
		}
		res.Detail = models.DetailHardDelete
		if !own {
			res.Detail = models.DetailForceDelete
		}
		_, err = e.ledger(tx).Log(ctx, audit.Record{
			Action:     actionDelete,
			ObjectType: models.ObjectObservation,
			ObjectID:   id,
			ActorID:    actor,
			Detail:     res.Detail,
			Payload:    map[string]any{"student_id": o.StudentID, "attachments": res.Removed.Attachments},
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// DeleteCategory deactivates a category still used by observations
// (soft_delete) and removes an unused one (safe_delete).
func (e *Engine) DeleteCategory(ctx context.Context, id string, actor string) (Result, error) {
	var res Result
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := categories.NewSQLiteRepository(tx)
		c, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		used, err := observations.NewSQLiteRepository(tx).CountByCategory(ctx, id)
		if err != nil {
			return err
		}

		if used > 0 {
			c.IsActive = false
			c.UpdatedAt = e.now()
			c.SourceDeviceID = e.dev.ID()
			if err := repo.Update(ctx, c); err != nil {
				return err
			}
			res.Detail = models.DetailSoftDelete
		} else {
			if err := repo.Delete(ctx, id); err != nil {
				return err
			}
			res.Detail = models.DetailSafeDelete
		}

		_, err = e.ledger(tx).Log(ctx, audit.Record{
			Action:     actionDelete,
			ObjectType: models.ObjectCategory,
			ObjectID:   id,
			ActorID:    actor,
			Detail:     res.Detail,
			Payload:    map[string]any{"name": c.Name, "observations": used},
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RestoreStudent reverses a soft delete.
func (e *Engine) RestoreStudent(ctx context.Context, id string, actor string) (models.Student, error) {
	var s models.Student
	err := e.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := students.NewSQLiteRepository(tx)
		var err error
		if s, err = repo.Get(ctx, id); err != nil {
			return err
		}
		if s.Status != models.StudentDeleted {
			return fmt.Errorf("student %s is %s, not deleted: %w", id, s.Status, common.ErrValidation)
		}
		s.Status = models.StudentActive
		s.UpdatedAt = e.now()
		s.SourceDeviceID = e.dev.ID()
		if err := repo.SetStatus(ctx, id, s.Status, s.UpdatedAt, s.SourceDeviceID); err != nil {
			return err
		}
		_, err = e.ledger(tx).Log(ctx, audit.Record{
			Action:     "restore",
			ObjectType: models.ObjectStudent,
			ObjectID:   id,
			ActorID:    actor,
			Detail:     models.DetailUpdate,
		})
		return err
	})
	return s, err
}
