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
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	"github.com/concrnt/go-sdk/ccrypto"
)

// signCompactJWT mints a compact JWT over claims using priv, delegating the
// actual header/claims assembly and signing to ccrypto.IssueJWT (the
// package-level crypto interface of spec §6) rather than inlining it here.
func signCompactJWT(priv *ccrypto.KeyPair, claims map[string]interface{}) (string, error) {
	return ccrypto.IssueJWT(priv, claims)
}

// unixSeconds stamps t using go-jose's NumericDate encoding, the same
// second-precision epoch representation the teacher's lib/jwt package uses
// for "exp"/"iat"/"nbf".
func unixSeconds(t time.Time) float64 {
	return float64(josejwt.NewNumericDate(t))
}

// VerifyJWT reports whether token was signed by pub, delegating to
// ccrypto.CheckJwtIsValid. A caller holding a provider's public key (e.g. to
// validate a token it minted, or one presented by a sub-key it recognizes)
// uses this rather than reimplementing compact-JWT parsing.
func VerifyJWT(pub *secp256k1.PublicKey, token string) bool {
	return ccrypto.CheckJwtIsValid(pub, token)
}
