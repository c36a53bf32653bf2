package deletion

import (
	"context"

	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/repositories/attachments"
	"github.com/dmitrijs2005/classbook/internal/repositories/classes"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/students"
)

// Counts tallies the rows a cascade removed.
type Counts struct {
	Students     int `json:"students,omitempty" yaml:"students,omitempty"`
	Observations int `json:"observations,omitempty" yaml:"observations,omitempty"`
	Attachments  int `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

func (c *Counts) add(o Counts) {
	c.Students += o.Students
	c.Observations += o.Observations
	c.Attachments += o.Attachments
}

// The Purge functions physically remove a row and its children, children
// first, on the caller's transaction. They write no audit entry; callers
// log the operation that caused the purge.

func PurgeObservation(ctx context.Context, tx dbx.DBTX, id string) (Counts, error) {
	n, err := attachments.NewSQLiteRepository(tx).DeleteByObservation(ctx, id)
	if err != nil {
		return Counts{}, err
	}
	if err := observations.NewSQLiteRepository(tx).Delete(ctx, id); err != nil {
		return Counts{}, err
	}
	return Counts{Observations: 1, Attachments: int(n)}, nil
}

func PurgeStudent(ctx context.Context, tx dbx.DBTX, id string) (Counts, error) {
	atts, err := attachments.NewSQLiteRepository(tx).DeleteByStudent(ctx, id)
	if err != nil {
		return Counts{}, err
	}
	obs, err := observations.NewSQLiteRepository(tx).DeleteByStudent(ctx, id)
	if err != nil {
		return Counts{}, err
	}
	if err := students.NewSQLiteRepository(tx).Delete(ctx, id); err != nil {
		return Counts{}, err
	}
	return Counts{Students: 1, Observations: int(obs), Attachments: int(atts)}, nil
}

func PurgeClass(ctx context.Context, tx dbx.DBTX, id string) (Counts, error) {
	ids, err := students.NewSQLiteRepository(tx).IDsByClass(ctx, id)
	if err != nil {
		return Counts{}, err
	}
	var total Counts
	for _, sid := range ids {
		c, err := PurgeStudent(ctx, tx, sid)
		if err != nil {
			return Counts{}, err
		}
		total.add(c)
	}
	if err := classes.NewSQLiteRepository(tx).Delete(ctx, id); err != nil {
		return Counts{}, err
	}
	return total, nil
}
