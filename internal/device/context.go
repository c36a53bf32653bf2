// Package device owns the identity of the running device: its id, display
// name, data key and certificate. Exactly one Context exists per process;
// it is built by Init at startup and torn down by Close.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/repositories/settings"
	"github.com/dmitrijs2005/classbook/internal/shared"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type Type string

const (
	TypeComputer Type = "computer"
	TypeNotebook Type = "notebook"
)

func (t Type) Valid() bool { return t == TypeComputer || t == TypeNotebook }

// Defaults seed a fresh device.
type Defaults struct {
	Name string
	Type Type
}

// Info is the public view of the device identity.
type Info struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Type        Type   `json:"type" yaml:"type"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	KeyID       string `json:"key_id" yaml:"key_id"`
	Keystore    string `json:"keystore" yaml:"keystore"`
}

type Context struct {
	id    string
	cert  *cryptox.DeviceCert
	store *store.Store
	keys  keystore.Keystore
	clock timex.Clock

	mu      sync.RWMutex
	name    string
	typ     Type
	dataKey []byte
	closed  bool
}

// Init loads the device identity from st and ks, creating whatever is
// missing on first start. A rotation interrupted between commit and key
// promotion is completed here.
func Init(ctx context.Context, st *store.Store, ks keystore.Keystore, clock timex.Clock, d Defaults) (*Context, error) {
	c := &Context{store: st, keys: ks, clock: clock}

	var certPEM []byte
	var keyID string
	err := st.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := settings.NewSQLiteRepository(tx)

		id, err := getOrSet(ctx, repo, settings.KeyDeviceID, func() string { return uuid.NewString() })
		if err != nil {
			return err
		}
		name, err := getOrSet(ctx, repo, settings.KeyDeviceName, func() string { return defaultName(d.Name) })
		if err != nil {
			return err
		}
		typ, err := getOrSet(ctx, repo, settings.KeyDeviceType, func() string {
			if d.Type.Valid() {
				return string(d.Type)
			}
			return string(TypeComputer)
		})
		if err != nil {
			return err
		}
		c.id, c.name, c.typ = id, name, Type(typ)

		if certPEM, err = repo.Get(ctx, settings.KeyDeviceCert); err != nil {
			return err
		}
		v, err := repo.Get(ctx, settings.KeyDataKeyID)
		if err != nil {
			return err
		}
		keyID = string(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("device init: %w", err)
	}

	if err := c.loadDataKey(ctx, keyID); err != nil {
		return nil, fmt.Errorf("device init: %w", err)
	}
	if err := c.loadCert(ctx, certPEM); err != nil {
		return nil, fmt.Errorf("device init: %w", err)
	}
	return c, nil
}

func getOrSet(ctx context.Context, repo settings.Repository, key string, def func() string) (string, error) {
	v, err := repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(v) > 0 {
		return string(v), nil
	}
	s := def()
	return s, repo.Set(ctx, key, []byte(s))
}

func defaultName(name string) string {
	if name != "" {
		return name
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "classbook"
}

// KeyID is a short, non-secret identifier of a data key.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func (c *Context) loadDataKey(ctx context.Context, storedID string) error {
	if pending, err := c.keys.Get(keystore.DataKeyPending); err == nil {
		if storedID != "" && KeyID(pending) == storedID {
			if err := c.keys.Set(keystore.DataKey, pending); err != nil {
				return err
			}
		}
		if err := c.keys.Delete(keystore.DataKeyPending); err != nil {
			return err
		}
	} else if !errors.Is(err, keystore.ErrKeyNotFound) {
		return err
	}

	key, err := c.keys.Get(keystore.DataKey)
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		key = cryptox.NewDataKey()
		if err := c.keys.Set(keystore.DataKey, key); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if KeyID(key) != storedID {
		err := c.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			return settings.NewSQLiteRepository(tx).Set(ctx, settings.KeyDataKeyID, []byte(KeyID(key)))
		})
		if err != nil {
			return err
		}
	}
	c.dataKey = key
	return nil
}

func (c *Context) loadCert(ctx context.Context, certPEM []byte) error {
	if len(certPEM) > 0 {
		keyPEM, err := c.keys.Get(keystore.DeviceKey)
		if err == nil {
			cert, err := cryptox.DecodePEM(certPEM, keyPEM)
			if err == nil && cert.DeviceID() == c.id {
				c.cert = cert
				return nil
			}
		} else if !errors.Is(err, keystore.ErrKeyNotFound) {
			return err
		}
	}

	cert, err := cryptox.GenerateDeviceCert(c.id, c.clock.Now())
	if err != nil {
		return err
	}
	newCertPEM, keyPEM, err := cert.EncodePEM()
	if err != nil {
		return err
	}
	if err := c.keys.Set(keystore.DeviceKey, keyPEM); err != nil {
		return err
	}
	err = c.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return settings.NewSQLiteRepository(tx).Set(ctx, settings.KeyDeviceCert, newCertPEM)
	})
	if err != nil {
		return err
	}
	c.cert = cert
	return nil
}

func (c *Context) ID() string                { return c.id }
func (c *Context) Cert() *cryptox.DeviceCert { return c.cert }
func (c *Context) Fingerprint() string       { return c.cert.Fingerprint() }
func (c *Context) Clock() timex.Clock        { return c.clock }
func (c *Context) Now() time.Time            { return c.clock.Now() }
func (c *Context) Store() *store.Store       { return c.store }

func (c *Context) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Context) Type() Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typ
}

func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:          c.id,
		Name:        c.name,
		Type:        c.typ,
		Fingerprint: c.cert.Fingerprint(),
		KeyID:       KeyID(c.dataKey),
		Keystore:    c.keys.Backend(),
	}
}

// SetConfig updates the display name and type. Empty values keep the
// current setting.
func (c *Context) SetConfig(ctx context.Context, name string, typ Type) (Info, error) {
	if typ != "" && !typ.Valid() {
		return Info{}, fmt.Errorf("device type %q: %w", typ, common.ErrValidation)
	}
	err := c.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := settings.NewSQLiteRepository(tx)
		if name != "" {
			if err := repo.Set(ctx, settings.KeyDeviceName, []byte(name)); err != nil {
				return err
			}
		}
		if typ != "" {
			return repo.Set(ctx, settings.KeyDeviceType, []byte(typ))
		}
		return nil
	})
	if err != nil {
		return Info{}, err
	}

	c.mu.Lock()
	if name != "" {
		c.name = name
	}
	if typ != "" {
		c.typ = typ
	}
	c.mu.Unlock()
	return c.Info(), nil
}

// SealText encrypts a sensitive field of row rowID with the data key.
func (c *Context) SealText(rowID string, plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errors.New("device context closed")
	}
	return cryptox.Seal(c.dataKey, plaintext, []byte(rowID))
}

// OpenText decrypts a field sealed by SealText. Text sealed under a key
// that has since been rotated away yields common.ErrUndecryptable.
func (c *Context) OpenText(rowID string, sealed []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errors.New("device context closed")
	}
	return cryptox.Open(c.dataKey, sealed, []byte(rowID))
}

// Close wipes key material. The Context is unusable afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	shared.WipeByteArray(c.dataKey)
	c.dataKey = nil
	return nil
}
