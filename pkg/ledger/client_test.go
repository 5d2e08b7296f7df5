package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOptions{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		DID:     "did:rubix:host",
	})
	require.NoError(t, err)
	return c, srv
}

func TestNewClient_RequiredFields(t *testing.T) {
	_, err := NewClient(ClientOptions{BaseURL: "http://localhost:20000", DID: "d"})
	assert.Error(t, err, "missing API key must be rejected")

	_, err = NewClient(ClientOptions{APIKey: "k", DID: "d"})
	assert.Error(t, err, "missing base URL must be rejected")
}

func TestClient_Sign(t *testing.T) {
	var gotKey string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sign", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")

		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "did:rubix:host", req.DID)

		_ = json.NewEncoder(w).Encode(signResponse{
			Status:    true,
			Signature: base64.StdEncoding.EncodeToString([]byte("sig-bytes")),
		})
	}))

	sig, err := c.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sig-bytes"), sig)
	assert.Equal(t, "test-key", gotKey)
}

func TestClient_VerifyOutcomes(t *testing.T) {
	verified := true
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{Status: true, Verified: verified})
	}))

	ok, err := c.Verify(context.Background(), "did:rubix:remote", []byte("m"), []byte("s"))
	require.NoError(t, err)
	assert.True(t, ok)

	verified = false
	ok, err = c.Verify(context.Background(), "did:rubix:remote", []byte("m"), []byte("s"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ServiceErrorOnHTTPFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Verify(context.Background(), "did:rubix:remote", []byte("m"), []byte("s"))
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
}

func TestClient_ServiceErrorOnUnreachableNode(t *testing.T) {
	c, err := NewClient(ClientOptions{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		APIKey:  "k",
		DID:     "d",
	})
	require.NoError(t, err)

	_, err = c.Sign(context.Background(), []byte("m"))
	var svcErr *ServiceError
	assert.True(t, errors.As(err, &svcErr))
}

func TestClient_RegisterAnchor(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/anchor/deploy", r.URL.Path)
		var req deployAnchorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "QmAnchorID", req.AnchorID)
		_ = json.NewEncoder(w).Encode(deployAnchorResponse{Status: true, Address: "addr-1"})
	}))

	addr, err := c.RegisterAnchor(context.Background(), "QmAnchorID", 0.001, `{"agent_name":"host"}`)
	require.NoError(t, err)
	assert.Equal(t, "addr-1", addr)
}

func TestClient_RegisterAnchorMissingAddress(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deployAnchorResponse{Status: true})
	}))

	_, err := c.RegisterAnchor(context.Background(), "QmAnchorID", 0.001, "{}")
	assert.Error(t, err)
}

func TestClient_AppendAnchor(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/anchor/execute", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ExecResult{Status: true})
	}))

	res, err := c.AppendAnchor(context.Background(), "addr-1", `{"comment":"x"}`)
	require.NoError(t, err)
	assert.True(t, res.Status)
}

func TestClient_AnchorHistory(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/anchor/history", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("latest"))
		_ = json.NewEncoder(w).Encode(historyResponse{
			Status: true,
			States: []AnchorState{{"payload": "{}"}},
		})
	}))

	states, err := c.AnchorHistory(context.Background(), "addr-1", true)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}
