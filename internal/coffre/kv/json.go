package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON loads key and decodes it into v. It returns ErrNotFound for absent
// keys and an error wrapping ErrMalformed when the stored value does not
// decode.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key. A ttl of zero stores the value
// without expiry.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	if ttl <= 0 {
		return s.Set(ctx, key, string(data))
	}
	return s.SetWithTTL(ctx, key, string(data), ttl)
}

// ScanJSON scans pattern, multi-gets the matching keys and decodes each value
// as a T. Values that do not decode are skipped and their keys returned in
// skipped so callers can log them.
func ScanJSON[T any](ctx context.Context, s Store, pattern string) (records map[string]*T, skipped []string, err error) {
	keys, err := s.Scan(ctx, pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("kv: scan %s: %w", pattern, err)
	}
	return MGetJSON[T](ctx, s, keys...)
}

// MGetJSON multi-gets keys and decodes each value as a T, skipping (and
// reporting) values that do not decode.
func MGetJSON[T any](ctx context.Context, s Store, keys ...string) (records map[string]*T, skipped []string, err error) {
	records = make(map[string]*T, len(keys))
	if len(keys) == 0 {
		return records, nil, nil
	}

	values, err := s.MGet(ctx, keys...)
	if err != nil {
		return nil, nil, fmt.Errorf("kv: mget: %w", err)
	}
	for key, raw := range values {
		rec := new(T)
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			skipped = append(skipped, key)
			continue
		}
		records[key] = rec
	}
	return records, skipped, nil
}
