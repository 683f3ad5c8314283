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

// Package liveness implements C3, per-host liveness tracking with
// exponential back-off, backed by package kvs.
package liveness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/concrnt/go-sdk/kvs"
)

const (
	baseInterval  = 500 * time.Millisecond
	multiplier    = 1.5
	maxFailCount  = 15
	probeTTL      = 5 * time.Second
	offlinePrefix = "offline:"
	onlinePrefix  = "online:"
)

// Tracker tracks per-host liveness using exponential back-off on repeated
// failures, and an independent short-lived positive-probe marker.
type Tracker struct {
	store kvs.Store
	clock clockwork.Clock
}

// NewTracker constructs a Tracker over the given store.
func NewTracker(store kvs.Store, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{store: store, clock: clock}
}

type livenessEntry struct {
	FailCount int `json:"failCount"`
}

// BackoffDuration computes 500ms * 1.5^min(failCount,15). The initial
// interval and multiplier are held in a cenkalti/backoff/v4
// ExponentialBackOff, but the power is computed by the multiplication loop
// below rather than by NextBackOff, so no MaxInterval cap applies.
// Exported so package realtime's reconnect supervisor can share the
// identical formula.
func BackoffDuration(failCount int) time.Duration {
	if failCount > maxFailCount {
		failCount = maxFailCount
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	interval := b.InitialInterval
	for i := 0; i < failCount; i++ {
		next := time.Duration(float64(interval) * b.Multiplier)
		interval = next
	}
	return interval
}

// IsOnline reports whether host should currently be considered reachable:
// true if no liveness entry exists, or if the existing entry is older than
// its back-off threshold.
func (t *Tracker) IsOnline(ctx context.Context, host string) (bool, error) {
	entry, err := t.store.Get(ctx, offlinePrefix+host)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if entry == nil {
		return true, nil
	}
	var le livenessEntry
	if err := json.Unmarshal(entry.Data, &le); err != nil {
		return false, trace.Wrap(err)
	}
	threshold := BackoffDuration(le.FailCount)
	return entry.Age(t.clock.Now()) >= threshold, nil
}

// MarkOnline clears any back-off entry for host.
func (t *Tracker) MarkOnline(ctx context.Context, host string) error {
	return trace.Wrap(t.store.Invalidate(ctx, offlinePrefix+host))
}

// MarkOffline increments host's failure count and resets its back-off
// window to start now.
func (t *Tracker) MarkOffline(ctx context.Context, host string) error {
	entry, err := t.store.Get(ctx, offlinePrefix+host)
	if err != nil {
		return trace.Wrap(err)
	}
	failCount := 0
	if entry != nil {
		var le livenessEntry
		if err := json.Unmarshal(entry.Data, &le); err != nil {
			return trace.Wrap(err)
		}
		failCount = le.FailCount
	}
	data, err := json.Marshal(livenessEntry{FailCount: failCount + 1})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.store.Set(ctx, offlinePrefix+host, data))
}

// Probe records a positive liveness check against the independent
// 'online:<host>' key with a fixed 5s freshness window. It does not gate
// ordinary requests and does not reset the offline fail count — the two
// keys are deliberately independent (see spec Open Question in DESIGN.md).
func (t *Tracker) Probe(ctx context.Context, host string) error {
	return trace.Wrap(t.store.Set(ctx, onlinePrefix+host, []byte("1")))
}

// LastProbeFresh reports whether a Probe was recorded within the last 5s.
func (t *Tracker) LastProbeFresh(ctx context.Context, host string) (bool, error) {
	entry, err := t.store.Get(ctx, onlinePrefix+host)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if entry == nil {
		return false, nil
	}
	return entry.Age(t.clock.Now()) < probeTTL, nil
}
