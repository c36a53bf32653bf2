// Package settings is a small key/value table for device-local state such
// as the device id and display name.
package settings

import "context"

type Repository interface {
	// Get returns nil, nil for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
}

const (
	KeyDeviceID   = "device_id"
	KeyDeviceName = "device_name"
	KeyDeviceType = "device_type"
	KeyDataKeyID  = "data_key_id"
	KeyDeviceCert = "device_cert"
)
