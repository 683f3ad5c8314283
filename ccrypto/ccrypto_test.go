package ccrypto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func generateTestPEM(t *testing.T) ([]byte, *secp256k1.PrivateKey) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: priv.Serialize()}
	return pem.EncodeToMemory(block), priv
}

func TestLoadKeyAndComputeCCID(t *testing.T) {
	pemBytes, priv := generateTestPEM(t)
	kp, err := LoadKey(pemBytes)
	require.NoError(t, err)
	require.Equal(t, priv.PubKey().SerializeCompressed(), kp.Public.SerializeCompressed())

	ccid := ComputeCCID(kp.Public)
	require.Len(t, ccid, 42)
	require.Regexp(t, "^con1", ccid)
}

func TestSignVerify(t *testing.T) {
	_, priv := generateTestPEM(t)
	data := []byte(`{"type":"message"}`)
	sig := Sign(priv, data)
	require.True(t, Verify(priv.PubKey(), data, sig))
	require.False(t, Verify(priv.PubKey(), []byte("tampered"), sig))
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	_, err := LoadKey([]byte("not pem"))
	require.Error(t, err)
}

func TestIssueJWTAndCheckJwtIsValid(t *testing.T) {
	_, priv := generateTestPEM(t)
	kp := &KeyPair{Private: priv, Public: priv.PubKey()}
	claims := map[string]interface{}{"aud": "example.com", "iss": "con1test"}

	token, err := IssueJWT(kp, claims)
	require.NoError(t, err)
	require.True(t, CheckJwtIsValid(kp.Public, token))

	otherKp, _ := generateTestPEM(t)
	otherPriv, err := LoadKey(otherKp)
	require.NoError(t, err)
	require.False(t, CheckJwtIsValid(otherPriv.Public, token), "verification must fail against the wrong key")
	require.False(t, CheckJwtIsValid(kp.Public, token+"tampered"))
}

func TestIssueJWTStampsKeyID(t *testing.T) {
	_, priv := generateTestPEM(t)
	kp := &KeyPair{Private: priv, Public: priv.PubKey()}

	token, err := IssueJWT(kp, map[string]interface{}{"iss": "cck1test"}, "cck1test")
	require.NoError(t, err)
	require.True(t, CheckJwtIsValid(kp.Public, token))

	header, err := base64.RawURLEncoding.DecodeString(strings.SplitN(token, ".", 2)[0])
	require.NoError(t, err)
	require.Contains(t, string(header), `"kid":"cck1test"`)
}

func TestLoadSubKeyRoundTrip(t *testing.T) {
	_, priv := generateTestPEM(t)
	blob := fmt.Sprintf("example.com|con1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa|cck1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa|%s",
		hex.EncodeToString(priv.Serialize()))

	material, err := LoadSubKey([]byte(blob))
	require.NoError(t, err)
	require.Equal(t, "example.com", material.Domain)
	require.Equal(t, priv.PubKey().SerializeCompressed(), material.KeyPair.Public.SerializeCompressed())
}
