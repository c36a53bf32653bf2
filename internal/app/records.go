package app

import (
	"context"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/deletion"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

func (c *Core) CreateClass(ctx context.Context, name, schoolYear string) (models.Class, error) {
	return c.records.CreateClass(ctx, name, schoolYear, c.actor)
}

func (c *Core) UpdateClass(ctx context.Context, id string, p records.ClassPatch) (models.Class, error) {
	return c.records.UpdateClass(ctx, id, p, c.actor)
}

func (c *Core) GetClass(ctx context.Context, id string) (models.Class, error) {
	return c.records.GetClass(ctx, id)
}

func (c *Core) ListClasses(ctx context.Context) ([]models.Class, error) {
	return c.records.ListClasses(ctx)
}

// DeleteClass refuses a class with active students unless force is set.
func (c *Core) DeleteClass(ctx context.Context, id string, force bool) (deletion.Result, error) {
	return c.deletion.DeleteClass(ctx, id, force, c.actor)
}

func (c *Core) CreateStudent(ctx context.Context, classID, firstName, lastName string, status models.StudentStatus) (models.Student, error) {
	return c.records.CreateStudent(ctx, classID, firstName, lastName, status, c.actor)
}

func (c *Core) UpdateStudent(ctx context.Context, id string, p records.StudentPatch) (models.Student, error) {
	return c.records.UpdateStudent(ctx, id, p, c.actor)
}

func (c *Core) GetStudent(ctx context.Context, id string) (models.Student, error) {
	return c.records.GetStudent(ctx, id)
}

func (c *Core) ListStudents(ctx context.Context, classID string, includeDeleted bool) ([]models.Student, error) {
	return c.records.ListStudents(ctx, classID, includeDeleted)
}

// DeleteStudent soft-deletes a student with observations and erases one
// without; force erases either way.
func (c *Core) DeleteStudent(ctx context.Context, id string, force bool) (deletion.Result, error) {
	return c.deletion.DeleteStudent(ctx, id, force, c.actor)
}

func (c *Core) RestoreStudent(ctx context.Context, id string) (models.Student, error) {
	return c.deletion.RestoreStudent(ctx, id, c.actor)
}

func (c *Core) ExportStudentData(ctx context.Context, id string) (records.StudentExport, error) {
	return c.records.ExportStudentData(ctx, id)
}

func (c *Core) CreateCategory(ctx context.Context, in records.CategoryInput) (models.Category, error) {
	return c.records.CreateCategory(ctx, in, c.actor)
}

func (c *Core) UpdateCategory(ctx context.Context, id string, p records.CategoryPatch) (models.Category, error) {
	return c.records.UpdateCategory(ctx, id, p, c.actor)
}

func (c *Core) ListCategories(ctx context.Context, includeInactive bool) ([]models.Category, error) {
	return c.records.ListCategories(ctx, includeInactive)
}

func (c *Core) DeleteCategory(ctx context.Context, id string) (deletion.Result, error) {
	return c.deletion.DeleteCategory(ctx, id, c.actor)
}

// CreateObservation records an observation authored on this device.
func (c *Core) CreateObservation(ctx context.Context, in records.ObservationInput) (models.Observation, error) {
	if in.AuthorID == "" {
		in.AuthorID = c.actor
	}
	return c.records.CreateObservation(ctx, in, c.actor)
}

func (c *Core) UpdateObservation(ctx context.Context, id string, p records.ObservationPatch) (models.Observation, error) {
	return c.records.UpdateObservation(ctx, id, p, c.actor)
}

func (c *Core) GetObservation(ctx context.Context, id string) (models.Observation, error) {
	return c.records.GetObservation(ctx, id)
}

func (c *Core) ListObservations(ctx context.Context, f records.ObservationFilter) ([]models.Observation, error) {
	return c.records.ListObservations(ctx, f)
}

func (c *Core) SearchObservations(ctx context.Context, query string, f records.ObservationFilter) ([]models.Observation, error) {
	return c.records.SearchObservations(ctx, query, f)
}

func (c *Core) DeleteObservation(ctx context.Context, id string, force bool) (deletion.Result, error) {
	return c.deletion.DeleteObservation(ctx, id, force, c.actor)
}

func (c *Core) AddAttachment(ctx context.Context, observationID, filename, contentType string, data []byte) (models.Attachment, error) {
	return c.records.AddAttachment(ctx, observationID, filename, contentType, data, c.actor)
}

func (c *Core) GetAttachment(ctx context.Context, id string) (models.Attachment, error) {
	return c.records.GetAttachment(ctx, id)
}

func (c *Core) ListAttachments(ctx context.Context, observationID string) ([]models.Attachment, error) {
	return c.records.ListAttachments(ctx, observationID)
}

func (c *Core) AuditEntries(ctx context.Context, f audit.Filter) ([]models.AuditEntry, error) {
	return audit.NewReader(c.store.DB()).List(ctx, f)
}

func (c *Core) AuditStatistics(ctx context.Context) (map[models.AuditDetail]int, error) {
	return audit.NewReader(c.store.DB()).Statistics(ctx)
}

// VerifyAudit walks the hash chain and returns the number of entries
// checked.
func (c *Core) VerifyAudit(ctx context.Context) (int, error) {
	return audit.NewReader(c.store.DB()).Verify(ctx)
}
