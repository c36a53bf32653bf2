package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dmitrijs2005/classbook/internal/timex"
)

// FlagConfig names the config file flag.
const FlagConfig = "config"

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"data-dir":                "data_dir",
	"database-file":           "database_file",
	"listen":                  "listen_address",
	"device-name":             "device_name",
	"device-type":             "device_type",
	"pin-ttl":                 "pin_ttl",
	"handshake-timeout":       "handshake_timeout",
	"sync-timeout":            "sync_timeout",
	"discovery-timeout":       "discovery_timeout",
	"keystore":                "keystore",
	"keystore-passphrase-env": "keystore_passphrase_env",
	"log-level":               "log_level",
	"output":                  "output",
}

// RegisterFlags adds the config flags to fs. Flag defaults are left empty;
// the defaults layer owns them.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "config file (json or yaml)")
	fs.String("data-dir", "", "directory holding the database and file keystore")
	fs.String("database-file", "", "database file, relative to --data-dir unless absolute")
	fs.String("listen", "", "address the sync server listens on")
	fs.String("device-name", "", "display name of this device")
	fs.String("device-type", "", "computer or notebook")
	fs.Duration("pin-ttl", 0, "lifetime of a pairing pin")
	fs.Duration("handshake-timeout", 0, "pairing handshake timeout")
	fs.Duration("sync-timeout", 0, "sync session timeout")
	fs.Duration("discovery-timeout", 0, "how long to browse the local network for peers")
	fs.String("keystore", "", "auto, keyring or file")
	fs.String("keystore-passphrase-env", "", "environment variable holding the file keystore passphrase")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.StringP("output", "o", "", "text, json or yaml")
}

// durationHook decodes strings, numbers and time.Duration into timex.Duration.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(timex.Duration{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		return timex.Duration{Duration: d}, nil
	case time.Duration:
		return timex.Duration{Duration: v}, nil
	case int:
		return timex.Duration{Duration: time.Duration(v)}, nil
	case int64:
		return timex.Duration{Duration: time.Duration(v)}, nil
	case float64:
		return timex.Duration{Duration: time.Duration(v)}, nil
	}
	return data, nil
}

// Load builds a Config from every layer. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if file, _ := fs.GetString(FlagConfig); file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var _ mapstructure.DecodeHookFuncType = durationHook
