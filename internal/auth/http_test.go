// ABOUTME: Tests for the HTTP auth middleware
// ABOUTME: Covers header and query tokens, rejections and anonymous mode

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(Username(r.Context())))
	})
}

func TestMiddleware_BearerHeader(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	Middleware(v, nil)(echoUser()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddleware_QueryToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("bob", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/events?clientId=c1&access_token="+token, nil)
	rec := httptest.NewRecorder()
	Middleware(v, nil)(echoUser()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())
}

func TestMiddleware_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	expired, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "missing", header: "", want: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", want: "invalid authorization header format"},
		{name: "garbage", header: "Bearer nope", want: "invalid token"},
		{name: "expired", header: "Bearer " + expired, want: "token expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(v, nil)(echoUser()).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestMiddleware_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer ignored")
	rec := httptest.NewRecorder()
	Middleware(nil, nil)(echoUser()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AnonymousUser, rec.Body.String())
}
