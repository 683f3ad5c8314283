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

// Package concrnt is the top-level client facade: it wires together the
// credential provider, fetch engine, cache layer, resolver, commit
// pipeline, and (optionally) the realtime socket into a single entry point.
package concrnt

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/cache"
	"github.com/concrnt/go-sdk/commit"
	"github.com/concrnt/go-sdk/kvs"
	"github.com/concrnt/go-sdk/liveness"
	"github.com/concrnt/go-sdk/realtime"
	"github.com/concrnt/go-sdk/resolve"
	"github.com/concrnt/go-sdk/transport"
)

// IdentityMode selects which auth.Provider variant New constructs.
type IdentityMode int

const (
	// IdentityGuest constructs an auth.GuestProvider: reads only, no
	// signing or passport.
	IdentityGuest IdentityMode = iota
	// IdentityMasterKey constructs an auth.MasterKeyProvider from
	// Config.MasterKeyPEM.
	IdentityMasterKey
	// IdentitySubKey constructs an auth.SubKeyProvider from
	// Config.SubKeyBlob.
	IdentitySubKey
)

// Config configures a Client.
type Config struct {
	// Home is the default domain for requests and the realtime socket.
	Home string
	// IdentityMode selects the credential provider variant.
	IdentityMode IdentityMode
	// MasterKeyPEM is required when IdentityMode == IdentityMasterKey.
	MasterKeyPEM []byte
	// SubKeyBlob is required when IdentityMode == IdentitySubKey.
	SubKeyBlob []byte
	// Clock is used throughout the client for testability; nil selects
	// the real clock.
	Clock clockwork.Clock
	// KVSCapacity bounds the in-memory cache store; zero selects its
	// package default.
	KVSCapacity int
	// EnableRealtime starts the realtime socket during New.
	EnableRealtime bool
}

// CheckAndSetDefaults validates and fills in Config defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Home == "" {
		return trace.BadParameter("home is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.IdentityMode == IdentityMasterKey && len(c.MasterKeyPEM) == 0 {
		return trace.BadParameter("masterKeyPEM is required for IdentityMasterKey")
	}
	if c.IdentityMode == IdentitySubKey && len(c.SubKeyBlob) == 0 {
		return trace.BadParameter("subKeyBlob is required for IdentitySubKey")
	}
	return nil
}

// Client is the top-level entry point composing C1-C8.
type Client struct {
	cfg Config

	store      kvs.Store
	live       *liveness.Tracker
	authP      auth.Provider
	engine     *transport.Engine
	cacheLayer *cache.Layer
	resolver   *resolve.Resolver
	pipeline   *commit.Pipeline
	socket     *realtime.Socket
	registry   *prometheus.Registry
}

// New constructs a Client, wiring every component together per
// Config, mirroring the teacher's Config.CheckAndSetDefaults + New idiom.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := kvs.NewMemoryStore(kvs.Config{Capacity: cfg.KVSCapacity, Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	live := liveness.NewTracker(store, cfg.Clock)

	authP, err := newAuthProvider(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine := transport.New(cfg.Home, authP, live, cfg.Clock)

	cacheLayer, err := cache.NewLayer(store, engine, cfg.Clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolver := resolve.New(cacheLayer, live, cfg.Home)
	pipeline := commit.New(authP, engine, cacheLayer)

	registry := prometheus.NewRegistry()
	var collectors []prometheus.Collector
	collectors = append(collectors, transport.Collectors()...)
	collectors = append(collectors, cache.Collectors()...)
	if err := registerAll(registry, collectors); err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Client{
		cfg:        cfg,
		store:      store,
		live:       live,
		authP:      authP,
		engine:     engine,
		cacheLayer: cacheLayer,
		resolver:   resolver,
		pipeline:   pipeline,
		registry:   registry,
	}

	if cfg.EnableRealtime {
		c.socket = realtime.New(cfg.Home, authP, cacheLayer, cfg.Clock)
		c.socket.Connect(ctx)
	}

	return c, nil
}

func newAuthProvider(cfg Config) (auth.Provider, error) {
	switch cfg.IdentityMode {
	case IdentityMasterKey:
		return auth.NewMasterKeyProvider(cfg.MasterKeyPEM, cfg.Home, cfg.Clock)
	case IdentitySubKey:
		return auth.NewSubKeyProvider(cfg.SubKeyBlob, cfg.Clock)
	default:
		return auth.NewGuestProvider(cfg.Home), nil
	}
}

func registerAll(registry *prometheus.Registry, collectors []prometheus.Collector) error {
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Registry exposes the client's prometheus collectors for an embedding
// application to serve or aggregate.
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// Auth returns the client's credential provider.
func (c *Client) Auth() auth.Provider { return c.authP }

// Liveness returns the client's per-host liveness tracker.
func (c *Client) Liveness() *liveness.Tracker { return c.live }

// Resolver returns the client's domain resolver.
func (c *Client) Resolver() *resolve.Resolver { return c.resolver }

// Socket returns the client's realtime socket, or nil if
// Config.EnableRealtime was false.
func (c *Client) Socket() *realtime.Socket { return c.socket }

// Close disposes background resources, most importantly the realtime
// socket's supervisors.
func (c *Client) Close() error {
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}
