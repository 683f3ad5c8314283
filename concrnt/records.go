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

package concrnt

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/concrnt/go-sdk/cache"
	"github.com/concrnt/go-sdk/commit"
	"github.com/concrnt/go-sdk/transport"
)

// rawRecord promotes a cache entry to its untouched JSON bytes. The facade's
// representative helpers return json.RawMessage rather than typed structs
// since concrnt's wire schemas are a server-side concern this SDK doesn't
// own; embedding applications unmarshal into their own types.
type rawRecord struct {
	raw json.RawMessage
}

func (r *rawRecord) FromJSON(raw []byte) error {
	r.raw = append(json.RawMessage(nil), raw...)
	return nil
}

func newRawRecord() *rawRecord { return &rawRecord{} }

func (c *Client) getRaw(ctx context.Context, host, path, cacheKey string, opts cache.Options) (json.RawMessage, error) {
	rec, err := cache.Get[*rawRecord](ctx, c.cacheLayer, host, path, cacheKey, newRawRecord, opts)
	if err != nil {
		return nil, err
	}
	return rec.raw, nil
}

// GetEntity fetches the entity record for ccid, per spec.md's entity
// resource.
func (c *Client) GetEntity(ctx context.Context, ccid string) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/entity/"+ccid, "entity:"+ccid, cache.Options{Mode: cache.ModeBestEffort})
}

// GetMessage fetches a message by id, resolving its serving host through
// the resolver first.
func (c *Client) GetMessage(ctx context.Context, id string) (json.RawMessage, error) {
	host, err := c.resolver.ResolveTimelineHost(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.getRaw(ctx, host, "/message/"+id, "message:"+id, cache.Options{})
}

// GetProfile fetches an entity's profile document.
func (c *Client) GetProfile(ctx context.Context, ccid string) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/profile/"+ccid, "profile:"+ccid, cache.Options{})
}

// GetTimeline fetches a timeline document, resolving its serving host.
func (c *Client) GetTimeline(ctx context.Context, id string) (json.RawMessage, error) {
	host, err := c.resolver.ResolveTimelineHost(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.getRaw(ctx, host, "/timeline/"+id, "timeline:"+id, cache.Options{})
}

// GetAssociation fetches an association document by id.
func (c *Client) GetAssociation(ctx context.Context, id string) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/association/"+id, "association:"+id, cache.Options{})
}

// GetSubscription fetches a subscription list by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/subscription/"+id, "subscription:"+id, cache.Options{})
}

// GetDomain fetches this client's home domain's self-description.
func (c *Client) GetDomain(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/domain", "domain:"+c.cfg.Home, cache.Options{})
}

// GetKey fetches a sub-key record by ckid.
func (c *Client) GetKey(ctx context.Context, ckid string) (json.RawMessage, error) {
	return c.getRaw(ctx, c.cfg.Home, "/key/"+ckid, "key:"+ckid, cache.Options{})
}

// GetPassport returns this client's own passport credential, minting it on
// first use.
func (c *Client) GetPassport(ctx context.Context) (string, error) {
	return c.authP.GetPassport(ctx)
}

// GetKV reads a key from the home domain's server-side key-value store.
// Unlike the other helpers this bypasses package cache: server-side KV is
// explicitly mutable out-of-band, so the client always reads through.
func (c *Client) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := c.engine.DoBlob(ctx, http.MethodGet, c.cfg.Home, "/kv/"+key, nil, nil, transport.Options{})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// PutKV writes a key to the home domain's server-side key-value store and
// drops any cached read of it.
func (c *Client) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	opts := transport.Options{Headers: http.Header{"Content-Type": []string{"application/json"}}}
	if _, err := c.engine.DoBlob(ctx, http.MethodPut, c.cfg.Home, "/kv/"+key, nil, value, opts); err != nil {
		return err
	}
	return c.cacheLayer.Invalidate(ctx, "kv:"+key)
}

// Commit signs and submits doc to host (or the home domain if host is
// empty), invalidating doc.InvalidateKeys on success. This is the single
// write entry point backing every domain-specific "create"/"update"
// operation a caller builds on top of the facade.
func (c *Client) Commit(ctx context.Context, host string, doc commit.Document) (*commit.Result, error) {
	if host == "" {
		host = c.cfg.Home
	}
	return c.pipeline.Commit(ctx, host, doc)
}

// ResolveDomain exposes the resolver directly for callers that need a
// domain without fetching a resource through it.
func (c *Client) ResolveDomain(ctx context.Context, id, hint string) (string, error) {
	return c.resolver.ResolveDomain(ctx, id, hint)
}
