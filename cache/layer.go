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

// Package cache implements C5, the cache layer: a read-through wrapper over
// the fetch engine with TTL, negative caching, stale-while-revalidate and
// in-flight request coalescing.
package cache

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/concrnt/go-sdk/ccerrors"
	"github.com/concrnt/go-sdk/kvs"
	"github.com/concrnt/go-sdk/transport"
)

var logger = log.WithField("component", "cache")

// Mode selects the caching strategy for a single Get call, matching the
// five values of spec.md's `cache` read option.
type Mode int

const (
	// ModeSWR is the default: serve a stale value immediately while
	// revalidating in the background.
	ModeSWR Mode = iota
	// ModeForceCache never fetches: a cache miss (or a stale positive
	// entry) fails with ccerrors.CacheMiss.
	ModeForceCache
	// ModeNoCache always fetches, ignoring any cached entry on read (the
	// result is still written back to the cache on success).
	ModeNoCache
	// ModeBestEffort serves a stale negative entry as NotFound while
	// revalidating in the background, rather than blocking on the network.
	ModeBestEffort
	// ModeNegativeOnly fetches normally but only ever writes negative
	// entries back to the cache; positive results are returned to the
	// caller without being cached.
	ModeNegativeOnly
)

const (
	// defaultCacheTTL represents the spec's "+Infinity" default: a cached
	// positive entry never goes stale unless Options.TTL overrides it.
	defaultCacheTTL = time.Duration(math.MaxInt64)
	// negativeCacheTTL bounds how long a 404 is remembered before a read
	// tries the network again.
	negativeCacheTTL = 300 * time.Second
	// recentNegativeCapacity bounds the fast-path negative-hit guard.
	recentNegativeCapacity = 512
)

// Promotable is the "cls" promotion hook of spec.md §9: a type that can
// populate itself from the raw JSON bytes a cache entry stores.
type Promotable interface {
	FromJSON(raw []byte) error
}

// Options configures a single Get call.
type Options struct {
	Mode   Mode
	TTL    time.Duration
	NoAuth bool
	// Timeout overrides the fetch engine's default per-request timeout.
	Timeout time.Duration
	// ExpressGetter, if set, is invoked synchronously the moment a value
	// (cached or freshly fetched) becomes available.
	ExpressGetter func(raw []byte)
}

var (
	hitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concrnt",
		Name:      "cache_lookups_total",
		Help:      "Cache layer lookups by outcome.",
	}, []string{"outcome"})
)

// Collectors returns the prometheus collectors this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{hitCounter}
}

type future struct {
	done chan struct{}
	raw  []byte
	err  error
}

// Layer is the read-through cache wrapping a transport.Engine.
type Layer struct {
	store  kvs.Store
	engine *transport.Engine
	clock  clockwork.Clock

	negLRU   *lru.Cache
	inflight sync.Map // cacheKey -> *future
}

// NewLayer constructs a Layer.
func NewLayer(store kvs.Store, engine *transport.Engine, clock clockwork.Clock) (*Layer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	negLRU, err := lru.New(recentNegativeCapacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Layer{store: store, engine: engine, clock: clock, negLRU: negLRU}, nil
}

// Invalidate drops cacheKey from both the primary store and the negative
// fast-path guard, per the C7/C8 invalidation contracts.
func (l *Layer) Invalidate(ctx context.Context, cacheKey string) error {
	l.negLRU.Remove(cacheKey)
	return trace.Wrap(l.store.Invalidate(ctx, cacheKey))
}

// Upsert writes raw directly under cacheKey, bypassing the read-through
// fetch path. Used by the realtime socket (C8) to apply a pushed message
// update without waiting on a read.
func (l *Layer) Upsert(ctx context.Context, cacheKey string, raw []byte) error {
	l.negLRU.Remove(cacheKey)
	return trace.Wrap(l.store.Set(ctx, cacheKey, raw))
}

type lookupResult struct {
	found    bool
	negative bool
	raw      []byte
	stale    bool
}

// lookup consults the negative fast-path guard first (so a hot 404 loop
// never pays a KVS round trip), falling back to the primary store.
func (l *Layer) lookup(ctx context.Context, cacheKey string, ttl time.Duration) (lookupResult, error) {
	if ts, hit := l.negLRU.Get(cacheKey); hit {
		age := l.clock.Now().Sub(ts.(time.Time))
		return lookupResult{found: true, negative: true, stale: age >= negativeCacheTTL}, nil
	}
	entry, err := l.store.Get(ctx, cacheKey)
	if err != nil {
		return lookupResult{}, trace.Wrap(err)
	}
	if entry == nil {
		return lookupResult{}, nil
	}
	age := entry.Age(l.clock.Now())
	if entry.Data == nil {
		return lookupResult{found: true, negative: true, raw: nil, stale: age >= negativeCacheTTL}, nil
	}
	return lookupResult{found: true, negative: false, raw: entry.Data, stale: age >= ttl}, nil
}

// Get implements the decision procedure of spec.md §4.5: cache lookup,
// negative caching, stale-while-revalidate, force-cache/no-cache/
// best-effort/negative-only modes, and in-flight request coalescing.
func Get[T Promotable](ctx context.Context, l *Layer, host, path, cacheKey string, newT func() T, opts Options) (T, error) {
	var zero T
	ttl := opts.TTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}

	if opts.Mode != ModeNoCache {
		res, err := l.lookup(ctx, cacheKey, ttl)
		if err != nil {
			return zero, trace.Wrap(err)
		}
		if res.found {
			if res.negative {
				if !res.stale {
					hitCounter.WithLabelValues("negative_hit").Inc()
					return zero, trace.Wrap(&ccerrors.NotFound{Message: cacheKey})
				}
				if opts.Mode == ModeBestEffort {
					hitCounter.WithLabelValues("negative_stale_best_effort").Inc()
					l.revalidateAsync(host, path, cacheKey, opts)
					return zero, trace.Wrap(&ccerrors.NotFound{Message: cacheKey})
				}
				// Stale negative entry and not best-effort: fall through
				// to a synchronous revalidation below.
			} else {
				value := newT()
				if err := value.FromJSON(res.raw); err != nil {
					return zero, trace.Wrap(err)
				}
				if opts.ExpressGetter != nil {
					opts.ExpressGetter(res.raw)
				}
				if !res.stale {
					hitCounter.WithLabelValues("hit").Inc()
					return value, nil
				}
				if opts.Mode == ModeForceCache {
					return zero, trace.Wrap(&ccerrors.CacheMiss{Key: cacheKey})
				}
				// Stale-while-revalidate: serve the cached value now,
				// refresh it in the background.
				hitCounter.WithLabelValues("stale_swr").Inc()
				l.revalidateAsync(host, path, cacheKey, opts)
				return value, nil
			}
		}
	}

	if opts.Mode == ModeForceCache {
		return zero, trace.Wrap(&ccerrors.CacheMiss{Key: cacheKey})
	}

	hitCounter.WithLabelValues("miss").Inc()
	raw, err := l.fetch(ctx, host, path, cacheKey, opts)
	if err != nil {
		if ccerrors.KindOf(err) == ccerrors.KindNotFound {
			l.storeNegative(ctx, cacheKey)
		} else {
			logger.WithError(err).WithField("cache_key", cacheKey).Warn("cache fetch failed")
		}
		return zero, err
	}

	if opts.Mode != ModeNegativeOnly {
		l.storePositive(ctx, cacheKey, raw)
	}
	if opts.ExpressGetter != nil {
		opts.ExpressGetter(raw)
	}
	value := newT()
	if err := value.FromJSON(raw); err != nil {
		return zero, trace.Wrap(err)
	}
	return value, nil
}

func (l *Layer) storePositive(ctx context.Context, cacheKey string, raw []byte) {
	_ = l.store.Set(ctx, cacheKey, raw)
	l.negLRU.Remove(cacheKey)
}

func (l *Layer) storeNegative(ctx context.Context, cacheKey string) {
	_ = l.store.Set(ctx, cacheKey, nil)
	l.negLRU.Add(cacheKey, l.clock.Now())
}

// revalidateAsync launches a background fetch that shares the same
// in-flight coalescing map as a foreground caller would use, detached from
// the triggering request's context so it survives that request returning.
func (l *Layer) revalidateAsync(host, path, cacheKey string, opts Options) {
	go func() {
		raw, err := l.fetch(context.Background(), host, path, cacheKey, opts)
		if err != nil {
			if ccerrors.KindOf(err) == ccerrors.KindNotFound {
				l.storeNegative(context.Background(), cacheKey)
				return
			}
			logger.WithError(err).WithField("cache_key", cacheKey).Warn("background revalidation failed")
			return
		}
		if opts.Mode != ModeNegativeOnly {
			l.storePositive(context.Background(), cacheKey, raw)
		}
	}()
}

// fetch executes (or joins) the single in-flight network request for
// cacheKey, per spec.md §4.5 step 3.
func (l *Layer) fetch(ctx context.Context, host, path, cacheKey string, opts Options) ([]byte, error) {
	fut := &future{done: make(chan struct{})}
	actual, loaded := l.inflight.LoadOrStore(cacheKey, fut)
	fut = actual.(*future)
	if loaded {
		<-fut.done
		return fut.raw, fut.err
	}
	defer func() {
		l.inflight.Delete(cacheKey)
		close(fut.done)
	}()

	topts := transport.Options{NoAuth: opts.NoAuth, Timeout: opts.Timeout}
	fut.raw, fut.err = l.engine.DoBlob(ctx, http.MethodGet, host, path, nil, nil, topts)
	return fut.raw, fut.err
}
