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

// Package transport implements C4, the fetch engine: authenticated HTTPS
// request execution with per-host liveness gating, timeout, and response
// classification into the ccerrors kinds.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/ccerrors"
	"github.com/concrnt/go-sdk/liveness"
)

// DefaultTimeout is the per-request timeout applied unless Options.Timeout
// overrides it, per spec §4.4 step 4.
const DefaultTimeout = 5000 * time.Millisecond

var tracer = otel.Tracer("concrnt/transport")

// scheme is a package var rather than a hardcoded literal purely so tests
// can point the engine at a plain-HTTP httptest.Server; production callers
// never change it from "https".
var scheme = "https"

// SetSchemeForTesting overrides the URL scheme used for outbound requests
// and returns a function that restores the previous value. Intended for use
// by httptest.Server-backed tests in other packages; never call this from
// production code.
func SetSchemeForTesting(s string) (restore func()) {
	old := scheme
	scheme = s
	return func() { scheme = old }
}

var (
	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "concrnt",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of outbound HTTPS requests made by the fetch engine.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host", "outcome"})
	fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concrnt",
		Name:      "fetch_errors_total",
		Help:      "Outbound HTTPS requests classified by error kind.",
	}, []string{"kind"})
)

// Collectors returns the prometheus collectors this package registers, for
// an embedding application to add to its own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{fetchDuration, fetchErrors}
}

// Options configures a single outbound request.
type Options struct {
	// Headers are merged on top of the default Accept header and below
	// AuthProvider-derived headers.
	Headers http.Header
	// NoAuth skips attaching AuthProvider headers entirely.
	NoAuth bool
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// Engine executes HTTPS requests against a default host, consulting an
// auth.Provider for credentials and a liveness.Tracker for the liveness
// gate, per spec §4.4.
type Engine struct {
	defaultHost string
	authP       auth.Provider
	live        *liveness.Tracker
	httpClient  *http.Client
	clock       clockwork.Clock
}

// New constructs an Engine. A nil clock defaults to the real wall clock.
func New(defaultHost string, authP auth.Provider, live *liveness.Tracker, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		defaultHost: defaultHost,
		authP:       authP,
		live:        live,
		httpClient:  &http.Client{},
		clock:       clock,
	}
}

func (e *Engine) target(host string) string {
	if host == "" {
		return e.defaultHost
	}
	return host
}

func (e *Engine) timeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return DefaultTimeout
}

// buildHeaders merges the Accept header (for JSON modes), caller headers,
// then AuthProvider headers, per spec §4.4 step 3. A failure to obtain
// auth headers is logged and the request proceeds without them.
func (e *Engine) buildHeaders(ctx context.Context, target string, opts Options, jsonMode bool) http.Header {
	h := http.Header{}
	if jsonMode {
		h.Set("Accept", "application/json")
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if !opts.NoAuth && e.authP != nil {
		authHeaders, err := e.authP.GetHeaders(ctx, target)
		if err != nil {
			log.WithError(err).WithField("host", target).Warn("failed to obtain auth headers, proceeding without them")
		} else {
			for k, v := range authHeaders {
				h.Set(k, v)
			}
		}
	}
	return h
}

// ApiResponse is the JSON envelope every read responds with, per spec §6.
type ApiResponse[T any] struct {
	Status  string `json:"status"`
	Content T      `json:"content"`
	Error   string `json:"error,omitempty"`
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

// DoJSON executes a credentialed JSON request and returns the parsed
// ApiResponse, per spec §4.4 shape 1.
func DoJSON[T any](ctx context.Context, e *Engine, method, host, path string, query url.Values, body []byte, opts Options) (*ApiResponse[T], error) {
	target := e.target(host)
	raw, status, err := e.do(ctx, target, method, path, query, body, opts, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, trace.Wrap(&ccerrors.NotFound{Message: path})
	}
	var env ApiResponse[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, trace.Wrap(&ccerrors.Transport{Status: status, Body: string(raw)})
	}
	if env.Status != "ok" {
		return nil, trace.Wrap(&ccerrors.Application{Message: env.Error})
	}
	return &env, nil
}

// DoBlob executes a credentialed raw-byte request, per spec §4.4 shape 2.
func (e *Engine) DoBlob(ctx context.Context, method, host, path string, query url.Values, body []byte, opts Options) ([]byte, error) {
	target := e.target(host)
	raw, status, err := e.do(ctx, target, method, path, query, body, opts, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, trace.Wrap(&ccerrors.NotFound{Message: path})
	}
	return raw, nil
}

// do executes the shared request/response/classification pipeline of spec
// §4.4 steps 1-6, returning the raw response body and status code for the
// JSON/blob variants to interpret.
func (e *Engine) do(ctx context.Context, target, method, path string, query url.Values, body []byte, opts Options, jsonMode bool) (raw []byte, status int, err error) {
	requestID := uuid.NewString()
	entry := log.WithFields(log.Fields{"request_id": requestID, "host": target, "path": path})

	spanCtx, span := tracer.Start(ctx, "transport.do")
	span.SetAttributes(attribute.String("host", target), attribute.String("path", path))
	defer span.End()

	start := e.clock.Now()
	outcome := "error"
	defer func() {
		fetchDuration.WithLabelValues(target, outcome).Observe(e.clock.Now().Sub(start).Seconds())
	}()

	if e.live != nil {
		online, livenessErr := e.live.IsOnline(spanCtx, target)
		if livenessErr != nil {
			return nil, 0, trace.Wrap(livenessErr)
		}
		if !online {
			fetchErrors.WithLabelValues("domain_offline").Inc()
			span.SetStatus(codes.Error, "domain offline")
			return nil, 0, trace.Wrap(&ccerrors.DomainOffline{Host: target})
		}
	}

	timeoutCtx, cancel := context.WithTimeout(spanCtx, e.timeout(opts))
	defer cancel()

	client, clientErr := roundtrip.NewClient(scheme+"://"+target, "")
	if clientErr != nil {
		return nil, 0, trace.Wrap(clientErr)
	}

	headers := e.buildHeaders(timeoutCtx, target, opts, jsonMode)
	headers.Set("X-Request-Id", requestID)

	req, reqErr := http.NewRequestWithContext(timeoutCtx, method, client.Endpoint("api", "v1")+path, bodyReader(body))
	if reqErr != nil {
		return nil, 0, trace.Wrap(reqErr)
	}
	req.Header = headers
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}

	resp, doErr := e.httpClient.Do(req)
	if doErr != nil {
		if isConnRefusedOrNotFound(doErr) {
			if e.live != nil {
				_ = e.live.MarkOffline(spanCtx, target)
			}
			fetchErrors.WithLabelValues("domain_offline").Inc()
			return nil, 0, trace.Wrap(&ccerrors.DomainOffline{Host: target})
		}
		return nil, 0, trace.Wrap(doErr)
	}
	defer resp.Body.Close()

	raw, readErr := readAll(resp.Body)
	if readErr != nil {
		return nil, 0, trace.Wrap(readErr)
	}

	entry.WithField("status", resp.StatusCode).Debug("fetch complete")

	switch {
	case resp.StatusCode == http.StatusForbidden:
		fetchErrors.WithLabelValues("permission").Inc()
		return nil, resp.StatusCode, trace.Wrap(&ccerrors.Permission{Message: string(raw)})
	case resp.StatusCode == http.StatusNotFound:
		outcome = "not_found"
		return raw, resp.StatusCode, nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		if e.live != nil {
			_ = e.live.MarkOffline(spanCtx, target)
		}
		fetchErrors.WithLabelValues("domain_offline").Inc()
		return nil, resp.StatusCode, trace.Wrap(&ccerrors.DomainOffline{Host: target})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		fetchErrors.WithLabelValues("transport").Inc()
		return nil, resp.StatusCode, trace.Wrap(&ccerrors.Transport{Status: resp.StatusCode, Body: string(raw)})
	default:
		if e.live != nil {
			_ = e.live.MarkOnline(spanCtx, target)
		}
		outcome = "ok"
		return raw, resp.StatusCode, nil
	}
}
