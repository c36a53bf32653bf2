package records

import (
	"context"
	"errors"
	"sort"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/attachments"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

// StudentExport is everything stored about one student, for a data subject
// access request.
type StudentExport struct {
	ExportedAt   string               `json:"exported_at" yaml:"exported_at"`
	DeviceID     string               `json:"device_id" yaml:"device_id"`
	Student      models.Student       `json:"student" yaml:"student"`
	Class        models.Class         `json:"class" yaml:"class"`
	Observations []models.Observation `json:"observations" yaml:"observations"`
	Attachments  []models.Attachment  `json:"attachments" yaml:"attachments"`
	AuditTrail   []models.AuditEntry  `json:"audit_trail" yaml:"audit_trail"`
}

// ExportStudentData reads the student, its class, decrypted observations,
// attachment metadata and the ledger entries about the student and its
// observations, all from one snapshot.
func (s *Service) ExportStudentData(ctx context.Context, id string) (StudentExport, error) {
	out := StudentExport{DeviceID: s.dev.ID()}
	out.ExportedAt = s.now().UTC().Format("2006-01-02T15:04:05Z")

	err := s.store.ReadTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if out.Student, err = students.NewSQLiteRepository(tx).Get(ctx, id); err != nil {
			return err
		}
		if out.Class, err = classes.NewSQLiteRepository(tx).Get(ctx, out.Student.ClassID); err != nil {
			return err
		}

		stored, err := observations.NewSQLiteRepository(tx).List(ctx, observations.Filter{StudentID: id})
		if err != nil {
			return err
		}
		out.Observations = make([]models.Observation, 0, len(stored))
		for _, o := range stored {
			obs, err := s.open(o)
			if errors.Is(err, common.ErrUndecryptable) {
				obs = o.Observation
				obs.Undecryptable = true
			} else if err != nil {
				return err
			}
			out.Observations = append(out.Observations, obs)
		}

		if out.Attachments, err = attachments.NewSQLiteRepository(tx).ListByStudent(ctx, id); err != nil {
			return err
		}

		reader := audit.NewReader(tx)
		if out.AuditTrail, err = reader.List(ctx, audit.Filter{ObjectType: models.ObjectStudent, ObjectID: id}); err != nil {
			return err
		}
		for _, o := range out.Observations {
			trail, err := reader.List(ctx, audit.Filter{ObjectType: models.ObjectObservation, ObjectID: o.ID})
			if err != nil {
				return err
			}
			out.AuditTrail = append(out.AuditTrail, trail...)
		}
		sort.Slice(out.AuditTrail, func(i, j int) bool { return out.AuditTrail[i].Seq < out.AuditTrail[j].Seq })
		return nil
	})
	if err != nil {
		return StudentExport{}, err
	}
	return out, nil
}
