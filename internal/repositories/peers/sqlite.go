package peers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const columns = `device_id, name, fingerprint, certificate_pem, address, paired_at, last_seen`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scan(r interface{ Scan(...any) error }) (models.Peer, error) {
	var p models.Peer
	err := r.Scan(&p.DeviceID, &p.Name, &p.Fingerprint, &p.CertificatePEM, &p.Address,
		timex.Into(&p.PairedAt), timex.Into(&p.LastSeen))
	return p, err
}

func scanRows(rows *sql.Rows) (models.Peer, error) { return scan(rows) }

func (r *SQLiteRepository) Pin(ctx context.Context, p models.Peer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO peers (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			fingerprint = excluded.fingerprint,
			certificate_pem = excluded.certificate_pem,
			address = excluded.address,
			paired_at = excluded.paired_at,
			last_seen = excluded.last_seen`,
		p.DeviceID, p.Name, p.Fingerprint, p.CertificatePEM, p.Address, timex.Format(p.PairedAt), timex.Format(p.LastSeen))
	if err != nil {
		return fmt.Errorf("pin peer %s: %w", p.DeviceID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (models.Peer, error) {
	return r.getBy(ctx, "device_id", deviceID)
}

func (r *SQLiteRepository) GetByFingerprint(ctx context.Context, fingerprint string) (models.Peer, error) {
	return r.getBy(ctx, "fingerprint", fingerprint)
}

func (r *SQLiteRepository) getBy(ctx context.Context, col, v string) (models.Peer, error) {
	p, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM peers WHERE `+col+` = ?`, v))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Peer{}, fmt.Errorf("peer %s: %w", v, common.ErrNotFound)
	}
	if err != nil {
		return models.Peer{}, fmt.Errorf("get peer %s: %w", v, err)
	}
	return p, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.Peer, error) {
	list, err := dbx.QueryAll(ctx, r.db, scanRows, `SELECT `+columns+` FROM peers ORDER BY paired_at, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return list, nil
}

func (r *SQLiteRepository) Touch(ctx context.Context, deviceID, address string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE peers SET last_seen = ?, address = CASE WHEN ? = '' THEN address ELSE ? END
		WHERE device_id = ?`, timex.Format(at), address, address, deviceID)
	if err != nil {
		return fmt.Errorf("touch peer %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("peer %s: %w", deviceID, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, deviceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_state WHERE peer_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete sync state of peer %s: %w", deviceID, err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete peer %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("peer %s: %w", deviceID, common.ErrNotFound)
	}
	return nil
}
