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

// SubKeyProvider is the Sub-key variant of Provider: ccid and ckid are
// both supplied (rather than derived), it can sign, and it has a passport
// scoped to its home domain. IssueJWT mints JWTs with iss=ckid (unless the
// caller set iss) and a keyID=ckid claim; bearer tokens minted by
// GetAuthToken carry iss=ckid but no keyID claim.
type SubKeyProvider struct {
	ccid    string
	ckid    string
	host    string
	keyPair *ccrypto.KeyPair
	clock   clockwork.Clock

	mu     sync.Mutex
	tokens map[string]tokenEntry

	passportOnce *passportFuture
}

// NewSubKeyProvider parses a sub-key credential blob and constructs a
// SubKeyProvider.
func NewSubKeyProvider(blob []byte, clock clockwork.Clock) (*SubKeyProvider, error) {
	material, err := ccrypto.LoadSubKey(blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SubKeyProvider{
		ccid:         material.CCID,
		ckid:         material.CKID,
		host:         material.Domain,
		keyPair:      material.KeyPair,
		clock:        clock,
		tokens:       make(map[string]tokenEntry),
		passportOnce: newPassportFuture(),
	}, nil
}

func (p *SubKeyProvider) GetCCID() (string, error) { return p.ccid, nil }
func (p *SubKeyProvider) GetCKID() (string, error) { return p.ckid, nil }
func (p *SubKeyProvider) GetHost() string          { return p.host }

func (p *SubKeyProvider) Sign(data []byte) (string, error) {
	return ccrypto.Sign(p.keyPair.Private, data), nil
}

func (p *SubKeyProvider) IssueJWT(claims map[string]interface{}) (string, error) {
	out := cloneClaims(claims)
	if _, ok := out["iss"]; !ok {
		out["iss"] = p.ckid
	}
	out["keyID"] = p.ckid
	return signCompactJWT(p.keyPair, out)
}

func (p *SubKeyProvider) GetAuthToken(ctx context.Context, remote string) (string, error) {
	return getAuthTokenFor(&p.mu, p.tokens, p.clock, p.ckid, p.keyPair, remote)
}

func (p *SubKeyProvider) GetPassport(ctx context.Context) (string, error) {
	token, err := p.GetAuthToken(ctx, p.host)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return p.passportOnce.resolve(ctx, func(ctx context.Context) (string, error) {
		return fetchPassport(ctx, p.host, token)
	})
}

func (p *SubKeyProvider) GetHeaders(ctx context.Context, domain string) (map[string]string, error) {
	return standardHeaders(ctx, p, domain)
}
