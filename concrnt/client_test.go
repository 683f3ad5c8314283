package concrnt

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/commit"
	"github.com/concrnt/go-sdk/transport"
)

func generateMasterKeyPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: priv.Serialize()}
	return pem.EncodeToMemory(block)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(transport.SetSchemeForTesting("http"))
	t.Cleanup(auth.SetSchemeForTesting("http"))

	host := strings.TrimPrefix(srv.URL, "http://")
	cl, err := New(context.Background(), Config{
		Home:         host,
		IdentityMode: IdentityMasterKey,
		MasterKeyPEM: generateMasterKeyPEM(t),
		Clock:        clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return cl, host
}

func TestNewRequiresHome(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewGuestDefaultsIdentity(t *testing.T) {
	cl, err := New(context.Background(), Config{Home: "example.com"})
	require.NoError(t, err)
	_, ccidErr := cl.Auth().GetCCID()
	require.Error(t, ccidErr, "guest identity cannot produce a ccid")
}

func TestGetEntityFetchesAndCaches(t *testing.T) {
	hits := 0
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/passport" {
			w.Write([]byte("passport-token"))
			return
		}
		hits++
		require.Equal(t, "/api/v1/entity/ccid1", r.URL.Path)
		w.Write([]byte(`{"domain":"example.com"}`))
	})

	raw, err := cl.GetEntity(context.Background(), "ccid1")
	require.NoError(t, err)
	require.JSONEq(t, `{"domain":"example.com"}`, string(raw))

	raw2, err := cl.GetEntity(context.Background(), "ccid1")
	require.NoError(t, err)
	require.JSONEq(t, `{"domain":"example.com"}`, string(raw2))
	require.Equal(t, 1, hits, "second read should be served from cache")
}

func TestCommitThroughFacadeInvalidatesCache(t *testing.T) {
	var commitSeen bool
	profileName := "before"
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/passport":
			w.Write([]byte("passport-token"))
		case "/api/v1/profile/ccid1":
			w.Write([]byte(`{"name":"` + profileName + `"}`))
		case "/api/v1/commit":
			commitSeen = true
			profileName = "after"
			w.Write([]byte(`{"status":"ok","content":{"name":"after"}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	raw, err := cl.GetProfile(context.Background(), "ccid1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"before"}`, string(raw))

	_, err = cl.Commit(context.Background(), "", commit.Document{
		Record:         map[string]interface{}{"name": "after"},
		InvalidateKeys: []string{"profile:ccid1"},
	})
	require.NoError(t, err)
	require.True(t, commitSeen)

	raw2, err := cl.GetProfile(context.Background(), "ccid1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"after"}`, string(raw2))
}

func TestRegistryAggregatesCollectors(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err := cl.GetEntity(context.Background(), "ccid1")
	require.NoError(t, err)

	families, err := cl.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families, "fetch/cache metrics should be registered and populated after a request")
}

func TestGetPassportUsesMintedToken(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/passport" {
			w.Write([]byte("passport-token"))
			return
		}
		w.Write([]byte(`{}`))
	})

	passport, err := cl.GetPassport(context.Background())
	require.NoError(t, err)
	require.Equal(t, "passport-token", passport)
}

func TestGetKVRoundTrip(t *testing.T) {
	store := map[string]json.RawMessage{}
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var v json.RawMessage
			_ = json.NewDecoder(r.Body).Decode(&v)
			store["k1"] = v
			w.Write([]byte(`{}`))
		case http.MethodGet:
			w.Write(store["k1"])
		}
	})

	require.NoError(t, cl.PutKV(context.Background(), "k1", json.RawMessage(`{"v":1}`)))
	raw, err := cl.GetKV(context.Background(), "k1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(raw))
}
