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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/concrnt/go-sdk/ccrypto"
)

// MasterKeyProvider is the Master-key variant of Provider: its ccid is
// derived from the public key of privatekey, it has no ckid, can sign,
// mint JWTs with iss=ccid, and has a passport.
type MasterKeyProvider struct {
	ccid    string
	host    string
	keyPair *ccrypto.KeyPair
	clock   clockwork.Clock

	mu     sync.Mutex
	tokens map[string]tokenEntry

	passportOnce *passportFuture
}

// NewMasterKeyProvider parses a PEM-encoded private key and constructs a
// MasterKeyProvider for host.
func NewMasterKeyProvider(pemBytes []byte, host string, clock clockwork.Clock) (*MasterKeyProvider, error) {
	kp, err := ccrypto.LoadKey(pemBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MasterKeyProvider{
		ccid:         ccrypto.ComputeCCID(kp.Public),
		host:         host,
		keyPair:      kp,
		clock:        clock,
		tokens:       make(map[string]tokenEntry),
		passportOnce: newPassportFuture(),
	}, nil
}

func (p *MasterKeyProvider) GetCCID() (string, error) { return p.ccid, nil }

func (p *MasterKeyProvider) GetCKID() (string, error) {
	return "", notImplemented("getCKID")
}

func (p *MasterKeyProvider) GetHost() string { return p.host }

func (p *MasterKeyProvider) Sign(data []byte) (string, error) {
	return ccrypto.Sign(p.keyPair.Private, data), nil
}

func (p *MasterKeyProvider) IssueJWT(claims map[string]interface{}) (string, error) {
	out := cloneClaims(claims)
	if _, ok := out["iss"]; !ok {
		out["iss"] = p.ccid
	}
	return signCompactJWT(p.keyPair, out)
}

func (p *MasterKeyProvider) GetAuthToken(ctx context.Context, remote string) (string, error) {
	return getAuthTokenFor(&p.mu, p.tokens, p.clock, p.ccid, p.keyPair, remote)
}

func (p *MasterKeyProvider) GetPassport(ctx context.Context) (string, error) {
	token, err := p.GetAuthToken(ctx, p.host)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return p.passportOnce.resolve(ctx, func(ctx context.Context) (string, error) {
		return fetchPassport(ctx, p.host, token)
	})
}

func (p *MasterKeyProvider) GetHeaders(ctx context.Context, domain string) (map[string]string, error) {
	return standardHeaders(ctx, p, domain)
}

// cloneClaims makes a shallow copy so callers don't observe mutation of
// the claims map they passed in.
func cloneClaims(claims map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(claims)+1)
	for k, v := range claims {
		out[k] = v
	}
	return out
}

// getAuthTokenFor is shared by Master- and Sub-key providers: return a
// cached token for remote if still fresh, else mint and cache a new one.
func getAuthTokenFor(
	mu *sync.Mutex,
	tokens map[string]tokenEntry,
	clock clockwork.Clock,
	issuer string,
	keyPair *ccrypto.KeyPair,
	remote string,
) (string, error) {
	mu.Lock()
	entry, ok := tokens[remote]
	mu.Unlock()
	if ok && clock.Now().Before(entry.expiresAt) {
		return entry.token, nil
	}

	now := clock.Now()
	expiresAt := now.Add(defaultTokenTTL)
	claims := map[string]interface{}{
		"aud": remote,
		"iss": issuer,
		"sub": jwtSubject,
		"iat": unixSeconds(now),
		"exp": unixSeconds(expiresAt),
	}
	token, err := signCompactJWT(keyPair, claims)
	if err != nil {
		logger.WithError(err).WithField("remote", remote).Warn("failed to mint bearer token")
		return "", trace.Wrap(err)
	}

	mu.Lock()
	tokens[remote] = tokenEntry{token: token, expiresAt: expiresAt}
	mu.Unlock()
	return token, nil
}

// standardHeaders builds the {authorization, passport} header map shared
// by Master- and Sub-key providers.
func standardHeaders(ctx context.Context, p Provider, domain string) (map[string]string, error) {
	token, err := p.GetAuthToken(ctx, domain)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	passport, err := p.GetPassport(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"passport":      passport,
	}, nil
}
