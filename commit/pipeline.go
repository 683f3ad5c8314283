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

// Package commit implements C7, the commit pipeline: sign a document,
// POST it, and invalidate the cache keys it affects.
package commit

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/cache"
	"github.com/concrnt/go-sdk/transport"
)

var logger = log.WithField("component", "commit")

// Invalidator is the narrow cache surface the pipeline needs; satisfied by
// *cache.Layer.
type Invalidator interface {
	Invalidate(ctx context.Context, cacheKey string) error
}

var _ Invalidator = (*cache.Layer)(nil)

// Document is a plain record to be committed, along with the cache keys
// its write affects, per spec.md §4.7 step 6.
type Document struct {
	// Record is marshaled to canonical JSON and signed.
	Record interface{}
	// InvalidateKeys lists the cache keys to drop after a successful
	// commit (e.g. "profile:<id>", "timeline:<id>").
	InvalidateKeys []string
}

// Result is the server's response to a commit, still as raw JSON so the
// caller can promote it to a runtime type.
type Result struct {
	Raw []byte
}

// Pipeline implements C7.
type Pipeline struct {
	authP  auth.Provider
	engine *transport.Engine
	inval  Invalidator
}

// New constructs a Pipeline.
func New(authP auth.Provider, engine *transport.Engine, inval Invalidator) *Pipeline {
	return &Pipeline{authP: authP, engine: engine, inval: inval}
}

type commitEnvelope struct {
	Document  string `json:"document"`
	Signature string `json:"signature"`
}

type commitResponse struct {
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content"`
	Error   string          `json:"error,omitempty"`
}

// Commit signs doc.Record, POSTs it to host's commit endpoint, and
// invalidates doc.InvalidateKeys on success, per spec.md §4.7.
func (p *Pipeline) Commit(ctx context.Context, host string, doc Document) (*Result, error) {
	signed, err := p.withSignerFields(doc.Record)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	documentText, err := canonicalJSON(signed)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	signature, err := p.authP.Sign(documentText)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	body, err := json.Marshal(commitEnvelope{Document: string(documentText), Signature: signature})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	raw, err := p.engine.DoBlob(ctx, http.MethodPost, host, "/commit", nil, body,
		transport.Options{Headers: http.Header{"Content-Type": []string{"application/json"}}})
	if err != nil {
		return nil, err
	}

	var resp commitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Status != "ok" {
		logger.WithField("host", host).WithField("reason", resp.Error).Warn("commit rejected by server")
		return nil, trace.Wrap(&commitFailure{message: resp.Error})
	}

	for _, key := range doc.InvalidateKeys {
		if err := p.inval.Invalidate(ctx, key); err != nil {
			logger.WithError(err).WithField("cache_key", key).Warn("post-commit cache invalidation failed")
		}
	}

	return &Result{Raw: resp.Content}, nil
}

type commitFailure struct{ message string }

func (e *commitFailure) Error() string { return "commit rejected: " + e.message }

// withSignerFields sets record["signer"] = ccid and, if the provider has an
// active sub-key, record["keyID"] = ckid, per spec.md §4.7 step 1. record is
// round-tripped through JSON so callers can pass any marshalable struct or
// map.
func (p *Pipeline) withSignerFields(record interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	ccid, err := p.authP.GetCCID()
	if err != nil {
		return nil, err
	}
	out["signer"] = ccid
	if ckid, err := p.authP.GetCKID(); err == nil {
		out["keyID"] = ckid
	}
	return out, nil
}

// canonicalJSON marshals v with map keys sorted recursively, so the same
// logical record always signs to the same byte string regardless of field
// iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
