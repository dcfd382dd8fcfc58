package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	state    string
	inflight int
}

func (f fakeDispatcher) State() string     { return f.state }
func (f fakeDispatcher) InflightCount() int { return f.inflight }

type fakeChecker struct {
	available bool
	lastErr   string
}

func (f fakeChecker) IsAvailable() bool { return f.available }
func (f fakeChecker) LastError() string { return f.lastErr }

func TestHealthzAlwaysOK(t *testing.T) {
	s := New(Config{Addr: ":0"}, fakeDispatcher{}, fakeChecker{available: false, lastErr: "boom"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsConnectivity(t *testing.T) {
	s := New(Config{Addr: ":0"}, fakeDispatcher{}, fakeChecker{available: false, lastErr: "no connection"})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusWithoutAuthIsOpen(t *testing.T) {
	s := New(Config{Addr: ":0"}, fakeDispatcher{state: "running", inflight: 3}, fakeChecker{available: true})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.State)
	assert.Equal(t, 3, body.Inflight)
}

func TestStatusRequiresTokenWhenConfigured(t *testing.T) {
	auth, err := NewTokenAuth("secret-token", []byte("signing-key"), "test")
	require.NoError(t, err)

	s := New(Config{Addr: ":0", Auth: auth}, fakeDispatcher{state: "running"}, fakeChecker{available: true})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tokenReq := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader([]byte(`{"token":"secret-token"}`)))
	tokenRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)

	var tr tokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tr))
	require.NotEmpty(t, tr.Token)

	authedReq := httptest.NewRequest(http.MethodGet, "/status", nil)
	authedReq.Header.Set("Authorization", "Bearer "+tr.Token)
	authedRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(authedRec, authedReq)
	assert.Equal(t, http.StatusOK, authedRec.Code)
}

func TestIssueTokenRejectsWrongBootstrapToken(t *testing.T) {
	auth, err := NewTokenAuth("secret-token", []byte("signing-key"), "test")
	require.NoError(t, err)

	_, err = auth.IssueToken("wrong")
	assert.Error(t, err)
}
