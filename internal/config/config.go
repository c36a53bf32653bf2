// Package config loads classbook settings. Layers, lowest first: defaults,
// the config file, CLASSBOOK_* environment variables, command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const (
	EnvPrefix = "CLASSBOOK"

	DefaultListenAddress = ":47321"
	DefaultDatabaseFile  = "classbook.db"
)

// Config holds runtime settings for classbook.
type Config struct {
	DataDir               string         `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	DatabaseFile          string         `mapstructure:"database_file" json:"database_file" yaml:"database_file"`
	ListenAddress         string         `mapstructure:"listen_address" json:"listen_address" yaml:"listen_address"`
	DeviceName            string         `mapstructure:"device_name" json:"device_name" yaml:"device_name"`
	DeviceType            string         `mapstructure:"device_type" json:"device_type" yaml:"device_type"`
	PINTTL                timex.Duration `mapstructure:"pin_ttl" json:"pin_ttl" yaml:"pin_ttl"`
	HandshakeTimeout      timex.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout" yaml:"handshake_timeout"`
	SyncTimeout           timex.Duration `mapstructure:"sync_timeout" json:"sync_timeout" yaml:"sync_timeout"`
	DiscoveryTimeout      timex.Duration `mapstructure:"discovery_timeout" json:"discovery_timeout" yaml:"discovery_timeout"`
	Keystore              string         `mapstructure:"keystore" json:"keystore" yaml:"keystore"`
	KeystorePassphraseEnv string         `mapstructure:"keystore_passphrase_env" json:"keystore_passphrase_env" yaml:"keystore_passphrase_env"`
	LogLevel              string         `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	Output                string         `mapstructure:"output" json:"output" yaml:"output"`
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "classbook")
	}
	return ".classbook"
}

// Defaults lists every key with its default value.
func Defaults() map[string]any {
	return map[string]any{
		"data_dir":                defaultDataDir(),
		"database_file":           DefaultDatabaseFile,
		"listen_address":          DefaultListenAddress,
		"device_name":             "",
		"device_type":             string(device.TypeComputer),
		"pin_ttl":                 5 * time.Minute,
		"handshake_timeout":       30 * time.Second,
		"sync_timeout":            2 * time.Minute,
		"discovery_timeout":       5 * time.Second,
		"keystore":                keystore.BackendAuto,
		"keystore_passphrase_env": EnvPrefix + "_KEYSTORE_PASSPHRASE",
		"log_level":               "info",
		"output":                  "text",
	}
}

// LoadDefaults populates c with the defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = defaultDataDir()
	c.DatabaseFile = DefaultDatabaseFile
	c.ListenAddress = DefaultListenAddress
	c.DeviceName = ""
	c.DeviceType = string(device.TypeComputer)
	c.PINTTL = timex.Duration{Duration: 5 * time.Minute}
	c.HandshakeTimeout = timex.Duration{Duration: 30 * time.Second}
	c.SyncTimeout = timex.Duration{Duration: 2 * time.Minute}
	c.DiscoveryTimeout = timex.Duration{Duration: 5 * time.Second}
	c.Keystore = keystore.BackendAuto
	c.KeystorePassphraseEnv = EnvPrefix + "_KEYSTORE_PASSPHRASE"
	c.LogLevel = "info"
	c.Output = "text"
}

// DatabasePath resolves DatabaseFile against DataDir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.DatabaseFile) {
		return c.DatabaseFile
	}
	return filepath.Join(c.DataDir, c.DatabaseFile)
}

// KeystoreDir is where the file keystore keeps its entries.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// Passphrase reads the file keystore passphrase from the configured
// environment variable.
func (c *Config) Passphrase() []byte {
	if c.KeystorePassphraseEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.KeystorePassphraseEnv))
}

var outputs = map[string]bool{"text": true, "json": true, "yaml": true}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.DatabaseFile == "" {
		return fmt.Errorf("database_file must be set")
	}
	if !device.Type(c.DeviceType).Valid() {
		return fmt.Errorf("device_type %q: must be %s or %s", c.DeviceType, device.TypeComputer, device.TypeNotebook)
	}
	if !outputs[c.Output] {
		return fmt.Errorf("output %q: must be text, json or yaml", c.Output)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Keystore {
	case keystore.BackendAuto, keystore.BackendKeyring, keystore.BackendFile:
	default:
		return fmt.Errorf("keystore %q: must be auto, keyring or file", c.Keystore)
	}
	for name, d := range map[string]timex.Duration{
		"pin_ttl":           c.PINTTL,
		"handshake_timeout": c.HandshakeTimeout,
		"sync_timeout":      c.SyncTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
