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

package auth

import (
	"context"
	"sync"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/concrnt/go-sdk/ccerrors"
)

// passportFuture memoizes a single in-flight (or settled-successful)
// passport fetch so concurrent GetPassport callers share one HTTP request,
// per spec §4.2 invariant 5 ("fetched at most once per provider lifetime
// before first success") and §9's "Passport future" design note, which
// says the future is replaced on an explicit re-fetch. Unlike sync.Once,
// a failed attempt does not wedge the provider: the next caller after a
// failure starts a fresh attempt. It is intentionally a hand-rolled future
// rather than a dependency: the corpus offers no shared-future primitive
// that fits this single-producer/many-consumer shape any better than a
// mutex and a done channel.
type passportFuture struct {
	mu      sync.Mutex
	settled bool
	value   string
	pending chan struct{}
}

func newPassportFuture() *passportFuture {
	return &passportFuture{}
}

// resolve runs fn for the first caller (or the first caller since the last
// failure) and shares its result with every caller that arrives while it is
// in flight. Once fn succeeds, the value is cached for the lifetime of the
// future; an error is never cached, so the next call retries.
func (f *passportFuture) resolve(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	f.mu.Lock()
	if f.settled {
		value := f.value
		f.mu.Unlock()
		return value, nil
	}
	if f.pending != nil {
		pending := f.pending
		f.mu.Unlock()
		<-pending
		return f.resolve(ctx, fn)
	}

	pending := make(chan struct{})
	f.pending = pending
	f.mu.Unlock()

	value, err := fn(ctx)

	f.mu.Lock()
	if err == nil {
		f.settled = true
		f.value = value
	}
	f.pending = nil
	f.mu.Unlock()
	close(pending)

	return value, err
}

// passportScheme is a package var rather than a hardcoded literal purely so
// tests can point fetchPassport at a plain-HTTP httptest.Server; production
// callers never change it from "https".
var passportScheme = "https"

// SetSchemeForTesting overrides the URL scheme fetchPassport uses and
// returns a function that restores the previous value. Intended for use by
// httptest.Server-backed tests in other packages; never call this from
// production code.
func SetSchemeForTesting(s string) (restore func()) {
	old := passportScheme
	passportScheme = s
	return func() { passportScheme = old }
}

// fetchPassport performs the GET described in spec §4.2: a bearer-token
// authenticated request to https://<home>/api/v1/auth/passport, returning
// the raw textual credential body.
func fetchPassport(ctx context.Context, host, bearerToken string) (string, error) {
	client, err := roundtrip.NewClient(passportScheme+"://"+host, "", roundtrip.BearerAuth(bearerToken))
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := client.Get(ctx, client.Endpoint("api", "v1", "auth", "passport"), nil)
	if err != nil {
		logger.WithError(err).WithField("host", host).Warn("passport fetch failed")
		return "", trace.Wrap(err)
	}
	if resp.Code() < 200 || resp.Code() >= 300 {
		err := &ccerrors.Transport{Status: resp.Code(), Body: string(resp.Bytes())}
		logger.WithError(err).WithField("host", host).Warn("passport fetch failed")
		return "", trace.Wrap(err)
	}
	return string(resp.Bytes()), nil
}
