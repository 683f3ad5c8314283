// Copyright concrnt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvs

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/jonboulle/clockwork"
)

// defaultCapacity bounds the number of entries MemoryStore will retain
// before evicting the least recently used one. It has nothing to do with
// application-level cache TTLs (those are computed by package cache and
// package liveness by comparing Entry.Timestamp); it is purely a memory
// bound on the backing map.
const defaultCapacity = 8192

// entryLifetime is the housekeeping TTL handed to the underlying ttlmap so
// entries nobody has touched in a long time are reclaimed even if this
// store outlives every caller's own freshness window.
const entryLifetime = 24 * time.Hour

// MemoryStore is the trivial in-memory KVS backend, built on
// github.com/gravitational/ttlmap so a long-lived process (e.g. a CLI tool
// that never restarts) doesn't grow its cache without bound.
type MemoryStore struct {
	clock clockwork.Clock
	m     *ttlmap.TtlMap
}

// Config configures a MemoryStore.
type Config struct {
	// Capacity bounds the number of retained entries. Zero selects
	// defaultCapacity.
	Capacity int
	// Clock is used to stamp entries; nil selects the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates and fills in Config defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = defaultCapacity
	}
	if c.Capacity < 0 {
		return trace.BadParameter("capacity must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryStore{clock: cfg.Clock, m: m}, nil
}

type storedEntry struct {
	data      []byte
	timestamp time.Time
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, data []byte) error {
	se := storedEntry{data: data, timestamp: s.clock.Now()}
	if err := s.m.Set(key, se, int(entryLifetime.Seconds())); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	v, ok := s.m.Get(key)
	if !ok {
		return nil, nil
	}
	se, ok := v.(storedEntry)
	if !ok {
		return nil, trace.BadParameter("corrupt entry at key %q", key)
	}
	return &Entry{Data: se.data, Timestamp: se.timestamp}, nil
}

// Invalidate implements Store.
func (s *MemoryStore) Invalidate(_ context.Context, key string) error {
	s.m.Remove(key)
	return nil
}
