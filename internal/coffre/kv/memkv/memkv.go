// Package memkv is an in-process kv.Store. Expiry is evaluated lazily
// against an injected clock, which lets tests move time forward instead of
// sleeping.
package memkv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

type entry struct {
	value     string
	set       map[string]struct{}
	isSet     bool
	expiresAt time.Time // zero means no expiry
}

// Store holds keys in memory.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]*entry
}

var _ kv.Store = (*Store)(nil)

// New creates an empty Store. A nil clock uses the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{clock: clk, data: make(map[string]*entry)}
}

// live returns the entry for key, evicting it first if it has expired.
// Callers must hold s.mu.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.isSet {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{value: value}
	return nil
}

func (s *Store) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{value: value, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	switch {
	case e == nil:
		return kv.Missing, nil
	case e.expiresAt.IsZero():
		return kv.NoExpiry, nil
	default:
		return e.expiresAt.Sub(s.clock.Now()), nil
	}
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key); e != nil {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *Store) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || !e.isSet {
		e = &entry{isSet: true, set: make(map[string]struct{})}
		s.data[key] = e
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || !e.isSet {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	// Redis drops empty sets.
	if len(e.set) == 0 {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || !e.isSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if s.live(k) == nil {
			continue
		}
		if kv.Match(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if e := s.live(k); e != nil && !e.isSet {
			out[k] = e.value
		}
	}
	return out, nil
}
