package commit

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/cache"
	"github.com/concrnt/go-sdk/kvs"
	"github.com/concrnt/go-sdk/liveness"
	"github.com/concrnt/go-sdk/transport"
)

func generateMasterKeyPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: priv.Serialize()}
	return pem.EncodeToMemory(block)
}

func TestCommitSignsPostsAndInvalidates(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/commit", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Write([]byte(`{"status":"ok","content":{"id":"m1"}}`))
	}))
	defer srv.Close()
	t.Cleanup(transport.SetSchemeForTesting("http"))

	host := strings.TrimPrefix(srv.URL, "http://")
	clock := clockwork.NewFakeClock()
	store, err := kvs.NewMemoryStore(kvs.Config{Clock: clock})
	require.NoError(t, err)
	live := liveness.NewTracker(store, clock)
	engine := transport.New(host, nil, live, clock)
	layer, err := cache.NewLayer(store, engine, clock)
	require.NoError(t, err)

	require.NoError(t, store.Set(context.Background(), "message:m1", []byte(`{"v":1}`)))

	authP, err := auth.NewMasterKeyProvider(generateMasterKeyPEM(t), host, clock)
	require.NoError(t, err)

	pipeline := New(authP, engine, layer)
	result, err := pipeline.Commit(context.Background(), host, Document{
		Record:         map[string]interface{}{"body": "hello"},
		InvalidateKeys: []string{"message:m1"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"m1"}`, string(result.Raw))

	require.NotEmpty(t, gotBody["document"])
	require.NotEmpty(t, gotBody["signature"])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(gotBody["document"]), &doc))
	require.Equal(t, "hello", doc["body"])
	ccid, _ := authP.GetCCID()
	require.Equal(t, ccid, doc["signer"])

	entry, err := store.Get(context.Background(), "message:m1")
	require.NoError(t, err)
	require.Nil(t, entry, "commit must invalidate the listed cache keys")
}

func TestCommitRejectedByServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","error":"bad signature"}`))
	}))
	defer srv.Close()
	t.Cleanup(transport.SetSchemeForTesting("http"))

	host := strings.TrimPrefix(srv.URL, "http://")
	clock := clockwork.NewFakeClock()
	store, err := kvs.NewMemoryStore(kvs.Config{Clock: clock})
	require.NoError(t, err)
	live := liveness.NewTracker(store, clock)
	engine := transport.New(host, nil, live, clock)
	layer, err := cache.NewLayer(store, engine, clock)
	require.NoError(t, err)

	authP, err := auth.NewMasterKeyProvider(generateMasterKeyPEM(t), host, clock)
	require.NoError(t, err)

	pipeline := New(authP, engine, layer)
	_, err = pipeline.Commit(context.Background(), host, Document{Record: map[string]interface{}{}})
	require.Error(t, err)
}
