package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowPerKey(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRateLimiter(1, 2)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.True(t, r.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	r := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, r.Allow("a"))
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRateLimiter(1, 1)
	r.now = func() time.Time { return now }

	r.Allow("old")
	now = now.Add(time.Hour)
	r.Allow("fresh")

	r.Cleanup(10 * time.Minute)
	assert.Equal(t, 1, r.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	r := NewRateLimiter(0.001, 1)
	rejected := 0
	h := r.Middleware(func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req.RemoteAddr = "10.0.0.1:5001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, rejected)

	req.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
