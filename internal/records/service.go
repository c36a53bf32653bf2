// Package records is the local CRUD surface of the Record Store. Each write
// runs in one transaction with its audit entry; observation text and
// attachment payloads are sealed with the device data key before they reach
// a repository.
package records

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

// Store is the transactional boundary of the service.
type Store interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	ReadTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	DB() *sql.DB
}

// Device provides identity and at-rest encryption.
type Device interface {
	ID() string
	Clock() timex.Clock
	SealText(rowID string, plaintext []byte) ([]byte, error)
	OpenText(rowID string, sealed []byte) ([]byte, error)
}

type Service struct {
	store Store
	dev   Device
	log   logging.Logger
}

func NewService(store Store, dev Device, log logging.Logger) *Service {
	return &Service{store: store, dev: dev, log: log.With("module", "records")}
}

func (s *Service) now() time.Time { return s.dev.Clock().Now() }

// db is the read handle; single-table reads need no transaction.
func (s *Service) db() dbx.DBTX { return s.store.DB() }

func (s *Service) audit(ctx context.Context, tx dbx.DBTX, detail models.AuditDetail, objectType, id, actor string, payload any) error {
	action := "create"
	if detail == models.DetailUpdate {
		action = "update"
	}
	_, err := audit.New(tx, s.dev.Clock(), s.dev.ID()).Log(ctx, audit.Record{
		Action:     action,
		ObjectType: objectType,
		ObjectID:   id,
		ActorID:    actor,
		Detail:     detail,
		Payload:    payload,
	})
	return err
}

// changed is the audit payload of an update: field names only, never values.
type changed struct {
	Fields []string `json:"fields"`
}

func trimSpace(v string) string { return strings.TrimSpace(v) }

func trimmed(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	return strings.TrimSpace(*p), true
}

// SortStudents orders students by last then first name using German
// collation, so "Ärmel" sorts next to "Armel" and not after "Zimmer".
func SortStudents(list []models.Student) {
	col := collate.New(language.German, collate.IgnoreCase)
	sort.SliceStable(list, func(i, j int) bool {
		if c := col.CompareString(list[i].LastName, list[j].LastName); c != 0 {
			return c < 0
		}
		if c := col.CompareString(list[i].FirstName, list[j].FirstName); c != 0 {
			return c < 0
		}
		return list[i].ID < list[j].ID
	})
}
