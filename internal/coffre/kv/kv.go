// Package kv defines the key/value store contract the access and workflow
// layers are written against: string values with per-key expiry, string sets,
// TTL inspection, and a non-blocking key-pattern scan.
//
// Three backends satisfy it: rediskv (production), store (SQLite, single node)
// and memkv (tests and throwaway deployments).
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrMalformed is returned by the JSON helpers when a stored value cannot
	// be decoded into the requested record type.
	ErrMalformed = errors.New("kv: malformed value")
)

// TTL sentinels, matching Redis' TTL reply semantics.
const (
	// NoExpiry is returned by TTL for a key that exists without an expiry.
	NoExpiry time.Duration = -1
	// Missing is returned by TTL for a key that does not exist.
	Missing time.Duration = -2
)

// Store is the KV-TTL contract. Implementations must be safe for concurrent
// use. Patterns passed to Scan use Redis glob syntax (*, ?, [...]).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// TTL reports the remaining lifetime of key, or NoExpiry / Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire sets a new lifetime on an existing key. It is a no-op for
	// missing keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Scan returns every live key matching pattern without blocking the
	// store (cursor based on Redis).
	Scan(ctx context.Context, pattern string) ([]string, error)
	// MGet returns the values of the live keys among keys. Absent keys are
	// simply missing from the result.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
}
