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

import "context"

// GuestProvider is the identity-less variant: it can make unauthenticated
// reads but cannot sign, mint JWTs, or obtain a passport. Modeled as a
// distinct type (per spec §9 design note) so call sites that require an
// identity fail fast and type-checkably, rather than nil-checking a
// generic provider.
type GuestProvider struct {
	host string
}

// NewGuestProvider constructs a GuestProvider whose GetHeaders always
// returns an empty header set.
func NewGuestProvider(host string) *GuestProvider {
	return &GuestProvider{host: host}
}

func (p *GuestProvider) GetCCID() (string, error) { return "", notImplemented("getCCID") }
func (p *GuestProvider) GetCKID() (string, error) { return "", notImplemented("getCKID") }
func (p *GuestProvider) GetHost() string          { return p.host }

func (p *GuestProvider) Sign([]byte) (string, error) {
	return "", notImplemented("sign")
}

func (p *GuestProvider) IssueJWT(map[string]interface{}) (string, error) {
	return "", notImplemented("issueJWT")
}

func (p *GuestProvider) GetAuthToken(context.Context, string) (string, error) {
	return "", notImplemented("getAuthToken")
}

func (p *GuestProvider) GetPassport(context.Context) (string, error) {
	return "", notImplemented("getPassport")
}

func (p *GuestProvider) GetHeaders(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}
