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

// Package resolve implements C6, the resolver: turning a CCID, CSID, or
// "<id>@<host>" resource identifier into the domain that serves it.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/concrnt/go-sdk/cache"
	"github.com/concrnt/go-sdk/ccerrors"
	"github.com/concrnt/go-sdk/identity"
	"github.com/concrnt/go-sdk/liveness"
)

type domainRecord struct {
	Domain string `json:"domain"`
}

func (d *domainRecord) FromJSON(raw []byte) error { return json.Unmarshal(raw, d) }

type entityRecord struct {
	Domain string `json:"domain"`
}

func (e *entityRecord) FromJSON(raw []byte) error { return json.Unmarshal(raw, e) }

// Resolver resolves identifiers and timeline ids to serving domains,
// per spec.md §4.6.
type Resolver struct {
	cacheLayer *cache.Layer
	live       *liveness.Tracker
	home       string
}

// New constructs a Resolver. home is the default host consulted when an
// identifier carries no "@host" suffix.
func New(cacheLayer *cache.Layer, live *liveness.Tracker, home string) *Resolver {
	return &Resolver{cacheLayer: cacheLayer, live: live, home: home}
}

// ResolveDomain resolves id (a CCID or CSID) to the domain that serves it.
// hint is consulted only when the default host is itself offline, per
// spec.md §4.6.
func (r *Resolver) ResolveDomain(ctx context.Context, id string, hint string) (string, error) {
	host := r.home
	if hint != "" && r.live != nil {
		online, err := r.live.IsOnline(ctx, r.home)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !online {
			host = hint
		}
	}

	if identity.IsCSID(id) {
		rec, err := cache.Get[*domainRecord](ctx, r.cacheLayer, host, fmt.Sprintf("/domain/csid/%s", id), "domain:csid:"+id,
			func() *domainRecord { return &domainRecord{} }, cache.Options{})
		if err != nil {
			return "", err
		}
		return rec.Domain, nil
	}

	rec, err := cache.Get[*entityRecord](ctx, r.cacheLayer, host, fmt.Sprintf("/entity/%s", id), "entity:"+id,
		func() *entityRecord { return &entityRecord{} }, cache.Options{Mode: cache.ModeBestEffort})
	if err != nil {
		return "", err
	}
	if rec.Domain == "" {
		return "", trace.Wrap(&ccerrors.NotFound{Message: id})
	}
	return rec.Domain, nil
}

// ResolveTimelineHost resolves the home domain for a timeline id of the
// form "<id>" or "<id>@<suffix>", per spec.md §4.6: no suffix means the
// default host; an FQDN suffix is used directly; a CCID/CSID suffix is
// resolved recursively through ResolveDomain.
func (r *Resolver) ResolveTimelineHost(ctx context.Context, timelineID string) (string, error) {
	_, suffix, ok := identity.SplitHost(timelineID)
	if !ok {
		return r.home, nil
	}
	switch identity.ClassifySuffix(suffix) {
	case identity.SuffixCCID, identity.SuffixCSID:
		return r.ResolveDomain(ctx, suffix, "")
	default:
		return suffix, nil
	}
}
