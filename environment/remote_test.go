package environment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseBearerToken(t *testing.T, authHeader, secret string) jwt.MapClaims {
	t.Helper()
	require.True(t, len(authHeader) > len("Bearer "))
	raw := authHeader[len("Bearer "):]
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	return claims
}

func TestRemote_Execute_SendsSignedTokenAndSession(t *testing.T) {
	var gotAuth string
	var gotReq remoteExecuteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"stdout":"out","stderr":"","locals":{"x":1}}`))
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1", JWTSecret: "s3cret"})
	result, err := env.Execute(context.Background(), "x = 1")
	require.NoError(t, err)
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "sess-1", gotReq.SessionID)
	assert.Equal(t, "x = 1", gotReq.Code)

	claims := parseBearerToken(t, gotAuth, "s3cret")
	assert.Equal(t, "sess-1", claims["session_id"])
}

func TestRemote_Execute_NonOKStatusReturnsFatalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("sandbox crashed"))
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1"})
	_, err := env.Execute(context.Background(), "x = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox crashed")
}

func TestRemote_FinalVar_ReturnsRemoteValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/sess-1/vars/x", r.URL.Path)
		w.Write([]byte("42"))
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1"})
	val, ok := env.FinalVar("x")
	require.True(t, ok)
	assert.Equal(t, "42", val)
}

func TestRemote_FinalVar_MissReturnsFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1"})
	_, ok := env.FinalVar("missing")
	assert.False(t, ok)
}

func TestRemote_AddContext_PushesAliasOnFirstCall(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1"})
	env.AddContext("first")
	env.AddContext("second")

	require.Len(t, bodies, 2)
	assert.Equal(t, true, bodies[0]["alias_first"])
	assert.Equal(t, "context_0", bodies[0]["name"])
	assert.Equal(t, false, bodies[1]["alias_first"])
	assert.Equal(t, "context_1", bodies[1]["name"])
	assert.Equal(t, 2, env.ContextCount())
}

func TestRemote_Cleanup_IssuesDelete(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
	}))
	defer server.Close()

	env := NewRemote(RemoteConfig{BaseURL: server.URL, SessionID: "sess-1"})
	require.NoError(t, env.Cleanup())
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/sessions/sess-1", gotPath)
}
