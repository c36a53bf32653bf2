package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type fixture struct {
	svc   *Service
	st    *store.Store
	dev   *device.Context
	clock *timex.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t)
	clock := timex.NewManual(time.Date(2025, 3, 3, 7, 30, 0, 0, time.UTC))
	dev, err := device.Init(context.Background(), st, keystore.NewMemory(), clock, device.Defaults{Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return &fixture{svc: NewService(st, dev, logging.Nop{}), st: st, dev: dev, clock: clock}
}

func (f *fixture) class(t *testing.T) models.Class {
	t.Helper()
	c, err := f.svc.CreateClass(context.Background(), "7b", "2024/25", "teacher")
	require.NoError(t, err)
	return c
}

func (f *fixture) student(t *testing.T, classID, first, last string) models.Student {
	t.Helper()
	s, err := f.svc.CreateStudent(context.Background(), classID, first, last, "", "teacher")
	require.NoError(t, err)
	return s
}

func TestClassCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateClass(ctx, "  ", "", "teacher")
	assert.ErrorIs(t, err, common.ErrValidation)

	c := f.class(t)
	assert.Equal(t, f.dev.ID(), c.SourceDeviceID)

	f.clock.Advance(time.Minute)
	name := "8b"
	updated, err := f.svc.UpdateClass(ctx, c.ID, ClassPatch{Name: &name}, "teacher")
	require.NoError(t, err)
	assert.Equal(t, "8b", updated.Name)
	assert.True(t, updated.UpdatedAt.After(c.UpdatedAt))

	got, err := f.svc.GetClass(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "8b", got.Name)

	list, err := f.svc.ListClasses(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.UpdateClass(ctx, "missing", ClassPatch{Name: &name}, "teacher")
	assert.ErrorIs(t, err, common.ErrNotFound)

	trail, err := audit.NewReader(f.st.DB()).List(ctx, audit.Filter{ObjectID: c.ID})
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.DetailCreate, trail[0].Detail)
	assert.Equal(t, models.DetailUpdate, trail[1].Detail)
	assert.JSONEq(t, `{"fields":["name"]}`, string(trail[1].Payload))
}

func TestStudents_GermanOrder(t *testing.T) {
	f := newFixture(t)
	c := f.class(t)
	f.student(t, c.ID, "Lena", "Zimmer")
	f.student(t, c.ID, "Jonas", "Ärmel")
	f.student(t, c.ID, "Mia", "Bauer")
	f.student(t, c.ID, "Anna", "Armel")

	list, err := f.svc.ListStudents(context.Background(), c.ID, false)
	require.NoError(t, err)
	var names []string
	for _, s := range list {
		names = append(names, s.LastName)
	}
	assert.Equal(t, []string{"Armel", "Ärmel", "Bauer", "Zimmer"}, names)
}

func TestStudents_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)

	_, err := f.svc.CreateStudent(ctx, "missing", "A", "B", "", "teacher")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.svc.CreateStudent(ctx, c.ID, "A", "B", models.StudentDeleted, "teacher")
	assert.ErrorIs(t, err, common.ErrValidation)

	s := f.student(t, c.ID, "Mia", "Bauer")
	inactive := models.StudentInactive
	s, err = f.svc.UpdateStudent(ctx, s.ID, StudentPatch{Status: &inactive}, "teacher")
	require.NoError(t, err)
	assert.Equal(t, models.StudentInactive, s.Status)

	deleted := models.StudentDeleted
	_, err = f.svc.UpdateStudent(ctx, s.ID, StudentPatch{Status: &deleted}, "teacher")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestObservations_EncryptedAtRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)
	s := f.student(t, c.ID, "Mia", "Bauer")

	o, err := f.svc.CreateObservation(ctx, ObservationInput{
		StudentID:  s.ID,
		CategoryID: "category-sozial",
		Text:       "Mia hilft beim Aufräumen",
		Tags:       []string{"hilfsbereit", " hilfsbereit ", "", "ordnung"},
	}, "teacher")
	require.NoError(t, err)
	assert.Equal(t, []string{"hilfsbereit", "ordnung"}, o.Tags)
	assert.Equal(t, "teacher", o.AuthorID)

	var raw []byte
	require.NoError(t, f.st.DB().QueryRow(`SELECT text_ciphertext FROM observations WHERE id = ?`, o.ID).Scan(&raw))
	assert.NotContains(t, string(raw), "Aufräumen")

	got, err := f.svc.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mia hilft beim Aufräumen", got.Text)

	text := "Mia hilft immer"
	updated, err := f.svc.UpdateObservation(ctx, o.ID, ObservationPatch{Text: &text}, "teacher")
	require.NoError(t, err)
	assert.Equal(t, "Mia hilft immer", updated.Text)
	assert.Equal(t, []string{"hilfsbereit", "ordnung"}, updated.Tags)

	_, err = f.svc.CreateObservation(ctx, ObservationInput{StudentID: s.ID, Text: "x", CategoryID: "nope"}, "teacher")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestObservations_SearchAndFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)
	a := f.student(t, c.ID, "Mia", "Bauer")
	b := f.student(t, c.ID, "Tim", "Koch")

	for _, in := range []ObservationInput{
		{StudentID: a.ID, CategoryID: "category-sozial", Text: "Streit in der PAUSE geschlichtet"},
		{StudentID: a.ID, CategoryID: "category-fachlich", Text: "Bruchrechnung sicher", Tags: []string{"Mathe"}},
		{StudentID: b.ID, CategoryID: "category-fachlich", Text: "Vokabeltest gut"},
	} {
		_, err := f.svc.CreateObservation(ctx, in, "teacher")
		require.NoError(t, err)
	}

	hits, err := f.svc.SearchObservations(ctx, "pause", ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].StudentID)

	hits, err = f.svc.SearchObservations(ctx, "mathe", ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	list, err := f.svc.ListObservations(ctx, ObservationFilter{CategoryID: "category-fachlich"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListObservations(ctx, ObservationFilter{StudentID: a.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestObservations_AfterRotationWithoutReencrypt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)
	s := f.student(t, c.ID, "Mia", "Bauer")
	o, err := f.svc.CreateObservation(ctx, ObservationInput{StudentID: s.ID, Text: "alt"}, "teacher")
	require.NoError(t, err)

	_, err = f.dev.RotateKey(ctx, device.RotateOptions{Confirm: true})
	require.NoError(t, err)

	_, err = f.svc.GetObservation(ctx, o.ID)
	assert.ErrorIs(t, err, common.ErrUndecryptable)

	list, err := f.svc.ListObservations(ctx, ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Undecryptable)
	assert.Empty(t, list[0].Text)

	// new text can still be written over it
	text := "neu"
	_, err = f.svc.UpdateObservation(ctx, o.ID, ObservationPatch{Text: &text}, "teacher")
	require.NoError(t, err)
	got, err := f.svc.GetObservation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "neu", got.Text)
}

func TestAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)
	s := f.student(t, c.ID, "Mia", "Bauer")
	o, err := f.svc.CreateObservation(ctx, ObservationInput{StudentID: s.ID, Text: "Arbeitsblatt"}, "teacher")
	require.NoError(t, err)

	a, err := f.svc.AddAttachment(ctx, o.ID, "../blatt.txt", "", []byte("hello attachment"), "teacher")
	require.NoError(t, err)
	assert.Equal(t, "blatt.txt", a.Filename)
	assert.Equal(t, int64(16), a.Size)
	assert.Contains(t, a.ContentType, "text/plain")

	got, err := f.svc.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(got.Payload))

	list, err := f.svc.ListAttachments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Payload)

	_, err = f.svc.AddAttachment(ctx, "missing", "x.txt", "", []byte("x"), "teacher")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.svc.AddAttachment(ctx, o.ID, "x.txt", "", nil, "teacher")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	list, err := f.svc.ListCategories(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "Sozial", list[0].Name)

	_, err = f.svc.CreateCategory(ctx, CategoryInput{Name: "Sozial"}, "teacher")
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = f.svc.CreateCategory(ctx, CategoryInput{Name: "Sport", Color: "red"}, "teacher")
	assert.ErrorIs(t, err, common.ErrValidation)

	c, err := f.svc.CreateCategory(ctx, CategoryInput{Name: "Sport", Color: "#10B981", SortOrder: 6}, "teacher")
	require.NoError(t, err)
	assert.True(t, c.IsActive)
	assert.Equal(t, "#EBF8FF", c.BackgroundColor)

	off := false
	c, err = f.svc.UpdateCategory(ctx, c.ID, CategoryPatch{IsActive: &off}, "teacher")
	require.NoError(t, err)
	assert.False(t, c.IsActive)

	list, err = f.svc.ListCategories(ctx, false)
	require.NoError(t, err)
	assert.Len(t, list, 5)
	list, err = f.svc.ListCategories(ctx, true)
	require.NoError(t, err)
	assert.Len(t, list, 6)

	taken := "Fachlich"
	_, err = f.svc.UpdateCategory(ctx, c.ID, CategoryPatch{Name: &taken}, "teacher")
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestExportStudentData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.class(t)
	s := f.student(t, c.ID, "Mia", "Bauer")
	other := f.student(t, c.ID, "Tim", "Koch")

	o, err := f.svc.CreateObservation(ctx, ObservationInput{StudentID: s.ID, Text: "liest gern"}, "teacher")
	require.NoError(t, err)
	_, err = f.svc.AddAttachment(ctx, o.ID, "lesen.txt", "text/plain", []byte("Buchliste"), "teacher")
	require.NoError(t, err)
	_, err = f.svc.CreateObservation(ctx, ObservationInput{StudentID: other.ID, Text: "nicht exportieren"}, "teacher")
	require.NoError(t, err)

	exp, err := f.svc.ExportStudentData(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, exp.Student.ID)
	assert.Equal(t, c.ID, exp.Class.ID)
	require.Len(t, exp.Observations, 1)
	assert.Equal(t, "liest gern", exp.Observations[0].Text)
	require.Len(t, exp.Attachments, 1)
	assert.Nil(t, exp.Attachments[0].Payload)

	// student create + observation create
	require.Len(t, exp.AuditTrail, 2)
	assert.Less(t, exp.AuditTrail[0].Seq, exp.AuditTrail[1].Seq)

	_, err = f.svc.ExportStudentData(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
