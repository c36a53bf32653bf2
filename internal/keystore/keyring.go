package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const probeEntry = "probe"

// Keyring stores entries in the OS keyring under one service name. Values
// are base64 encoded since keyring backends expect text.
type Keyring struct {
	service string
}

func NewKeyring(service string) *Keyring {
	if service == "" {
		service = "classbook"
	}
	return &Keyring{service: service}
}

// Probe round-trips a throwaway entry to check the keyring is usable.
func (k *Keyring) Probe() error {
	if err := keyring.Set(k.service, probeEntry, "ok"); err != nil {
		return err
	}
	if _, err := keyring.Get(k.service, probeEntry); err != nil {
		return err
	}
	return keyring.Delete(k.service, probeEntry)
}

func (k *Keyring) Get(name string) ([]byte, error) {
	s, err := keyring.Get(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get %s: %w", name, err)
	}
	v, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keyring get %s: %w", name, err)
	}
	return v, nil
}

func (k *Keyring) Set(name string, value []byte) error {
	if err := keyring.Set(k.service, name, base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	return nil
}

func (k *Keyring) Delete(name string) error {
	err := keyring.Delete(k.service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}

func (k *Keyring) Backend() string { return BackendKeyring }
