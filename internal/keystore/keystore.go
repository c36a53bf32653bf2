// Package keystore keeps device key material outside the Record Store.
//
// The default backend is the operating system keyring. When it is not
// available (headless Linux without a secret service, CI containers) a file
// backend is used instead, which wraps every entry with a key derived from a
// passphrase supplied through the environment.
package keystore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by Get for a name that was never stored.
var ErrKeyNotFound = errors.New("key not found")

// Well-known entry names.
const (
	DataKey        = "data_key"
	DataKeyPending = "data_key.pending"
	DeviceKey      = "device_key"
)

// Keystore stores named secrets.
type Keystore interface {
	Get(name string) ([]byte, error)
	Set(name string, value []byte) error
	Delete(name string) error
	Backend() string
}

// Backend names accepted by Open.
const (
	BackendAuto    = "auto"
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Service    string
	Dir        string
	Passphrase []byte
}

// Open returns the keystore named by opts.Backend. With BackendAuto the
// keyring is probed first and the file backend is used when the probe fails.
func Open(opts Options) (Keystore, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendAuto:
		kr := NewKeyring(opts.Service)
		if err := kr.Probe(); err == nil {
			return kr, nil
		}
		return NewFile(opts.Dir, opts.Passphrase)
	case BackendKeyring:
		kr := NewKeyring(opts.Service)
		if err := kr.Probe(); err != nil {
			return nil, fmt.Errorf("keyring unavailable: %w", err)
		}
		return kr, nil
	case BackendFile:
		return NewFile(opts.Dir, opts.Passphrase)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown keystore backend %q", opts.Backend)
}

// Memory is an in-process Keystore used by tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[name]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

func (m *Memory) Backend() string { return BackendMemory }
