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

// Package auth implements C2, the authentication/credential provider: a
// Master-key, Sub-key and Guest variant producing authorization headers
// and a passport for any remote domain.
package auth

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/concrnt/go-sdk/ccerrors"
)

var logger = log.WithField("component", "auth")

// Provider is the interface satisfied by all three variants.
type Provider interface {
	// GetCCID returns the provider's account-root identifier. Guest
	// providers return ccerrors.NotImplemented.
	GetCCID() (string, error)
	// GetCKID returns the provider's sub-key identifier, if any. Guest
	// and Master-key providers (no active sub-key) return
	// ccerrors.NotImplemented.
	GetCKID() (string, error)
	// GetHost returns the provider's home domain.
	GetHost() string
	// Sign returns a detached signature over data. Guest providers
	// return ccerrors.NotImplemented.
	Sign(data []byte) (string, error)
	// IssueJWT mints a compact JWT for claims, filling in "iss" from the
	// provider's identity if absent. Guest providers return
	// ccerrors.NotImplemented.
	IssueJWT(claims map[string]interface{}) (string, error)
	// GetAuthToken returns a cached bearer token for remote if fresh,
	// otherwise mints and caches a new one.
	GetAuthToken(ctx context.Context, remote string) (string, error)
	// GetPassport fetches (once per provider lifetime) and returns this
	// provider's passport credential.
	GetPassport(ctx context.Context) (string, error)
	// GetHeaders returns the headers to attach to a request bound for
	// domain: {authorization, passport} for Master/Sub, {} for Guest.
	GetHeaders(ctx context.Context, domain string) (map[string]string, error)
}

// jwtSubject is the fixed "sub" claim concrnt uses for bearer tokens, per
// spec §4.2.
const jwtSubject = "concrnt"

// defaultTokenTTL bounds how long a minted bearer token is reused before
// GetAuthToken mints a fresh one.
const defaultTokenTTL = 5 * time.Minute

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// passportEndpoint builds the passport URL for a home domain.
func passportEndpoint(host string) string {
	return "https://" + host + "/api/v1/auth/passport"
}

// notImplemented is a small helper shared by Guest operations.
func notImplemented(op string) error {
	return trace.Wrap(&ccerrors.NotImplemented{Operation: op})
}
