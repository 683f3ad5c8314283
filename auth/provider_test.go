package auth

import (
	"context"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/go-sdk/ccerrors"
)

func realPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: priv.Serialize()}
	return pem.EncodeToMemory(block)
}

func TestMasterKeyProviderIdentity(t *testing.T) {
	pemBytes := realPEM(t)
	p, err := NewMasterKeyProvider(pemBytes, "a.example", clockwork.NewFakeClock())
	require.NoError(t, err)

	ccid, err := p.GetCCID()
	require.NoError(t, err)
	require.Len(t, ccid, 42)

	_, err = p.GetCKID()
	require.Error(t, err)
	require.Equal(t, ccerrors.KindNotImplemented, ccerrors.KindOf(err))
}

func TestS1PassportCoalescing(t *testing.T) {
	oldScheme := passportScheme
	passportScheme = "http"
	defer func() { passportScheme = oldScheme }()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte("passport-credential"))
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	pemBytes := realPEM(t)
	p, err := NewMasterKeyProvider(pemBytes, host, clockwork.NewFakeClock())
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			headers, err := p.GetHeaders(ctx, host)
			require.NoError(t, err)
			results[i] = headers["passport"]
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, hits, "passport endpoint must be hit exactly once")
	for _, r := range results {
		require.Equal(t, "passport-credential", r)
	}
}

func TestIssueJWTVerifiesWithVerifyJWT(t *testing.T) {
	pemBytes := realPEM(t)
	p, err := NewMasterKeyProvider(pemBytes, "a.example", clockwork.NewFakeClock())
	require.NoError(t, err)

	token, err := p.IssueJWT(map[string]interface{}{"aud": "b.example"})
	require.NoError(t, err)
	require.True(t, VerifyJWT(p.keyPair.Public, token))
}

func TestPassportFutureRetriesAfterFailure(t *testing.T) {
	oldScheme := passportScheme
	passportScheme = "http"
	defer func() { passportScheme = oldScheme }()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("passport-credential"))
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	pemBytes := realPEM(t)
	p, err := NewMasterKeyProvider(pemBytes, host, clockwork.NewFakeClock())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.GetPassport(ctx)
	require.Error(t, err, "first fetch fails")

	passport, err := p.GetPassport(ctx)
	require.NoError(t, err, "a provider must not permanently cache a failed passport fetch")
	require.Equal(t, "passport-credential", passport)
	require.EqualValues(t, 2, hits)
}

func TestSubKeyProviderSetsKeyID(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	blob := []byte("a.example|con1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa|cck1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa|" +
		hex.EncodeToString(priv.Serialize()))
	p, err := NewSubKeyProvider(blob, clockwork.NewFakeClock())
	require.NoError(t, err)

	ckid, err := p.GetCKID()
	require.NoError(t, err)
	require.Equal(t, "cck1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ckid)
}

func TestGuestProviderNotImplemented(t *testing.T) {
	g := NewGuestProvider("a.example")
	_, err := g.GetCCID()
	require.Error(t, err)
	headers, err := g.GetHeaders(context.Background(), "a.example")
	require.NoError(t, err)
	require.Empty(t, headers)
}
