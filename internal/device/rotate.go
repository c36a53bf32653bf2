package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/attachments"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
	"github.com/dmitrijs2005/classbook/internal/repositories/settings"
	"github.com/dmitrijs2005/classbook/internal/shared"
)

type RotateOptions struct {
	Confirm   bool
	Reencrypt bool
	ActorID   string
}

type RotateResult struct {
	KeyID        string `json:"key_id" yaml:"key_id"`
	PreviousID   string `json:"previous_key_id" yaml:"previous_key_id"`
	Observations int    `json:"observations_reencrypted" yaml:"observations_reencrypted"`
	Attachments  int    `json:"attachments_reencrypted" yaml:"attachments_reencrypted"`
	Unreadable   int    `json:"unreadable" yaml:"unreadable"`
}

// RotateKey replaces the data key. Without Reencrypt every existing
// observation text and attachment becomes unreadable, which is why the
// caller must pass Confirm.
//
// The new key is staged under keystore.DataKeyPending, the store is updated
// in one write transaction and the key is promoted after commit.
func (c *Context) RotateKey(ctx context.Context, opts RotateOptions) (RotateResult, error) {
	if !opts.Confirm {
		return RotateResult{}, common.ErrConfirmationRequired
	}

	newKey := cryptox.NewDataKey()
	if err := c.keys.Set(keystore.DataKeyPending, newKey); err != nil {
		return RotateResult{}, fmt.Errorf("stage key: %w", err)
	}

	var (
		res    RotateResult
		locked bool
	)
	defer func() {
		if locked {
			c.mu.Unlock()
		}
	}()

	err := c.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		// Writers are already excluded by the write transaction; the lock
		// keeps readers off the key until the swap below.
		c.mu.Lock()
		locked = true

		res = RotateResult{KeyID: KeyID(newKey), PreviousID: KeyID(c.dataKey)}
		if opts.Reencrypt {
			if err := reencrypt(ctx, tx, c.dataKey, newKey, &res); err != nil {
				return err
			}
		}

		if err := settings.NewSQLiteRepository(tx).Set(ctx, settings.KeyDataKeyID, []byte(res.KeyID)); err != nil {
			return err
		}

		_, err := audit.New(tx, c.clock, c.id).Log(ctx, audit.Record{
			Action:     "rotate_key",
			ObjectType: models.ObjectDeviceKey,
			ObjectID:   c.id,
			ActorID:    opts.ActorID,
			Detail:     models.DetailUpdate,
			Payload:    res,
		})
		return err
	})
	if err != nil {
		_ = c.keys.Delete(keystore.DataKeyPending)
		return RotateResult{}, err
	}

	// A failure here is repaired by the next Init, which promotes a pending
	// key whose id matches the committed one.
	if err := c.keys.Set(keystore.DataKey, newKey); err != nil {
		return res, fmt.Errorf("promote key: %w", err)
	}
	_ = c.keys.Delete(keystore.DataKeyPending)

	shared.WipeByteArray(c.dataKey)
	c.dataKey = newKey
	return res, nil
}

func reencrypt(ctx context.Context, tx dbx.DBTX, oldKey, newKey []byte, res *RotateResult) error {
	obsRepo := observations.NewSQLiteRepository(tx)
	list, err := obsRepo.ChangedSince(ctx, nil)
	if err != nil {
		return err
	}
	for _, o := range list {
		text, err := cryptox.Open(oldKey, o.Ciphertext, []byte(o.ID))
		if errors.Is(err, common.ErrUndecryptable) {
			res.Unreadable++
			continue
		}
		if err != nil {
			return err
		}
		sealed, err := cryptox.Seal(newKey, text, []byte(o.ID))
		shared.WipeByteArray(text)
		if err != nil {
			return err
		}
		if err := obsRepo.UpdateCiphertext(ctx, o.ID, sealed); err != nil {
			return err
		}
		res.Observations++
	}

	attRepo := attachments.NewSQLiteRepository(tx)
	ids, err := attRepo.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, payload, err := attRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		plain, err := cryptox.Open(oldKey, payload, []byte(id))
		if errors.Is(err, common.ErrUndecryptable) {
			res.Unreadable++
			continue
		}
		if err != nil {
			return err
		}
		sealed, err := cryptox.Seal(newKey, plain, []byte(id))
		shared.WipeByteArray(plain)
		if err != nil {
			return err
		}
		if err := attRepo.UpdatePayload(ctx, id, sealed); err != nil {
			return err
		}
		res.Attachments++
	}
	return nil
}
