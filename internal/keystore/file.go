package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/filex"
	"github.com/dmitrijs2005/classbook/internal/shared"
)

const saltSize = 16

var validName = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// ErrNoPassphrase is returned when the file backend is selected without a
// passphrase to wrap entries with.
var ErrNoPassphrase = errors.New("file keystore requires a passphrase")

// File keeps one file per entry under dir. Each file is
// salt || Seal(DeriveKey(passphrase, salt), value, name).
type File struct {
	dir        string
	passphrase []byte
}

func NewFile(dir string, passphrase []byte) (*File, error) {
	if len(passphrase) == 0 {
		return nil, ErrNoPassphrase
	}
	d, err := filex.EnsureDir(dir, "")
	if err != nil {
		return nil, fmt.Errorf("file keystore: %w", err)
	}
	return &File{dir: d, passphrase: append([]byte(nil), passphrase...)}, nil
}

func (f *File) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	return filepath.Join(f.dir, name+".key"), nil
}

func (f *File) Get(name string) ([]byte, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file keystore get %s: %w", name, err)
	}
	if len(raw) < saltSize {
		return nil, fmt.Errorf("file keystore get %s: truncated entry", name)
	}

	wrap := cryptox.DeriveKey(f.passphrase, raw[:saltSize])
	defer shared.WipeByteArray(wrap)

	v, err := cryptox.Open(wrap, raw[saltSize:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("file keystore get %s: %w", name, err)
	}
	return v, nil
}

func (f *File) Set(name string, value []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	salt := shared.GenerateRandByteArray(saltSize)
	wrap := cryptox.DeriveKey(f.passphrase, salt)
	defer shared.WipeByteArray(wrap)

	sealed, err := cryptox.Seal(wrap, value, []byte(name))
	if err != nil {
		return fmt.Errorf("file keystore set %s: %w", name, err)
	}
	return filex.WriteFileAtomic(p, append(salt, sealed...), 0o600)
}

func (f *File) Delete(name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file keystore delete %s: %w", name, err)
	}
	return nil
}

func (f *File) Backend() string { return BackendFile }
