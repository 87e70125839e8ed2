package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s, err := NewTokenService("secret")
	require.NoError(t, err)

	tok, err := s.Issue("viewer", time.Hour)
	require.NoError(t, err)

	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "viewer", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejects(t *testing.T) {
	s, _ := NewTokenService("secret")
	other, _ := NewTokenService("other")

	foreign, err := other.Issue("viewer", time.Hour)
	require.NoError(t, err)
	_, err = s.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	start := time.Now()
	s.now = func() time.Time { return start }
	expiring, err := s.Issue("viewer", time.Minute)
	require.NoError(t, err)
	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = s.Verify(expiring)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenServiceNeedsSecret(t *testing.T) {
	_, err := NewTokenService("")
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.Len(t, NewSecret(), 64)
}

func TestMiddleware(t *testing.T) {
	s, _ := NewTokenService("secret")
	tok, _ := s.Issue("viewer", time.Hour)

	var subject string
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		require.True(t, ok)
		subject = c.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "viewer", subject)
}
