// Package store is the durable key/value state that survives power loss.
package store

import (
	"context"
	"errors"
	"strconv"
)

var ErrNotFound = errors.New("store: key not found")

// Persisted keys.
const (
	KeyDeviceID           = "device_id"
	KeyProvisioned        = "provisioned"
	KeyNetworkCredentials = "network_credentials"
	KeyUserID             = "user_id"
	KeyLastSleep          = "last_sleep_ms"
	KeyWakeProgram        = "wake_program"
	KeyBatchSeq           = "batch_seq"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Erase removes key; erasing a missing key is not an error.
	Erase(ctx context.Context, key string) error
	Close() error
}

func GetString(ctx context.Context, s Store, key string) (string, error) {
	b, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func SetString(ctx context.Context, s Store, key, value string) error {
	return s.Set(ctx, key, []byte(value))
}

// GetBool treats a missing key as false.
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(string(b))
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, []byte(strconv.FormatBool(v)))
}

// GetUint treats a missing key as zero.
func GetUint(ctx context.Context, s Store, key string) (uint64, error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(b), 10, 64)
}

func SetUint(ctx context.Context, s Store, key string, v uint64) error {
	return s.Set(ctx, key, []byte(strconv.FormatUint(v, 10)))
}
