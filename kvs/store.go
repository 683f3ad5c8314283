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

// Package kvs implements C1, the abstract timestamped key-value store that
// every other component (cache entries, liveness back-off entries) is
// built on. Implementations are asynchronous in contract via
// context.Context even when internally synchronous, per spec.
package kvs

import (
	"context"
	"time"
)

// Entry is a single stored value together with the time it was written.
// Data == nil is a valid negative entry (e.g. recording a 404).
type Entry struct {
	Data      []byte
	Timestamp time.Time
}

// Age reports how long ago the entry was written, relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Store is the abstract contract every backend (in-memory, browser-indexed,
// file-backed) must satisfy. A store holds at most one Entry per key.
type Store interface {
	// Set overwrites the entry at key, stamping Timestamp = now.
	Set(ctx context.Context, key string, data []byte) error
	// Get returns the entry at key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Invalidate removes the entry at key, if any.
	Invalidate(ctx context.Context, key string) error
}
