// Package store provides the shared key-value store used for the remote
// configuration override, dedupe markers and notification history.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable is returned when the store is not configured or cannot
	// be reached. Callers treat it like a missing key.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the contract every backend satisfies. A zero ttl means no expiry.
type Store interface {
	// Configured reports whether a real backend sits behind the store.
	Configured() bool
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by backends that keep expired keys on disk until
// they are purged.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Unconfigured is the Store used when no backend is set up.
type Unconfigured struct{}

func (Unconfigured) Configured() bool { return false }

func (Unconfigured) Get(context.Context, string) (string, error) { return "", ErrUnavailable }

func (Unconfigured) Set(context.Context, string, string, time.Duration) error {
	return ErrUnavailable
}

func (Unconfigured) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, ErrUnavailable
}

func (Unconfigured) Delete(context.Context, string) error { return ErrUnavailable }

var _ Store = Unconfigured{}
