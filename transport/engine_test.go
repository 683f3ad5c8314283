package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/go-sdk/ccerrors"
	"github.com/concrnt/go-sdk/kvs"
	"github.com/concrnt/go-sdk/liveness"
)

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, string) {
	t.Helper()
	t.Cleanup(SetSchemeForTesting("http"))

	clock := clockwork.NewFakeClock()
	store, err := kvs.NewMemoryStore(kvs.Config{Clock: clock})
	require.NoError(t, err)
	tracker := liveness.NewTracker(store, clock)
	host := strings.TrimPrefix(srv.URL, "http://")
	return New(host, nil, tracker, clock), host
}

func TestDoJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","content":{"name":"hi"}}`))
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	type payload struct {
		Name string `json:"name"`
	}
	resp, err := DoJSON[payload](context.Background(), engine, http.MethodGet, host, "/entity", nil, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Content.Name)
}

func TestDoJSONNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	_, err := DoJSON[struct{}](context.Background(), engine, http.MethodGet, host, "/entity", nil, nil, Options{})
	require.Error(t, err)
	require.Equal(t, ccerrors.KindNotFound, ccerrors.KindOf(err))
}

func TestDoJSONPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	_, err := DoJSON[struct{}](context.Background(), engine, http.MethodGet, host, "/entity", nil, nil, Options{})
	require.Error(t, err)
	require.Equal(t, ccerrors.KindPermission, ccerrors.KindOf(err))
}

func TestDoJSONDomainOfflineOnGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	_, err := DoJSON[struct{}](context.Background(), engine, http.MethodGet, host, "/entity", nil, nil, Options{})
	require.Error(t, err)
	require.Equal(t, ccerrors.KindDomainOffline, ccerrors.KindOf(err))

	online, onlineErr := engine.live.IsOnline(context.Background(), host)
	require.NoError(t, onlineErr)
	require.False(t, online)
}

func TestDoJSONSkippedWhenOffline(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","content":{}}`))
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	require.NoError(t, engine.live.MarkOffline(context.Background(), host))

	_, err := DoJSON[struct{}](context.Background(), engine, http.MethodGet, host, "/entity", nil, nil, Options{})
	require.Error(t, err)
	require.Equal(t, ccerrors.KindDomainOffline, ccerrors.KindOf(err))
	require.Equal(t, 0, hits, "liveness gate must short-circuit before dialing")
}

func TestDoBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("raw-bytes"))
	}))
	defer srv.Close()
	engine, host := newTestEngine(t, srv)

	raw, err := engine.DoBlob(context.Background(), http.MethodGet, host, "/media/x", nil, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "raw-bytes", string(raw))
}
