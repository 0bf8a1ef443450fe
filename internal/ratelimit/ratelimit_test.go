package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreQuota(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := range 3 {
		res, err := store.Allow(ctx, "svc-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d is inside the quota", i)
		assert.Equal(t, 3-i-1, res.Remaining)
	}

	res, err := store.Allow(ctx, "svc-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = store.Allow(ctx, "svc-b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "callers draw from independent budgets")
}

func TestMemoryStoreWindowSlides(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	res, err := store.Allow(ctx, "svc-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Allow(ctx, "svc-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(25 * time.Millisecond)

	res, err = store.Allow(ctx, "svc-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "quota frees up once the window passes")
}

func newLimitedServer(t *testing.T, m *Middleware) *httptest.Server {
	t.Helper()
	var ok http.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(m.Limit(ClientAddr)(ok))
	t.Cleanup(srv.Close)
	return srv
}

func TestMiddlewareEnforcesQuota(t *testing.T) {
	m := New(NewMemory(), 2, time.Minute, nil)
	srv := newLimitedServer(t, m)

	for range 2 {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	m := New(erroringStore{}, 1, time.Minute, nil)
	srv := newLimitedServer(t, m)

	for range 3 {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode,
			"a broken counter backend must not drop valid requests")
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	m := New(NewMemory(), 1, time.Minute, nil, WithDisabled(true))
	srv := newLimitedServer(t, m)

	for range 3 {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

type erroringStore struct{}

func (erroringStore) Allow(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, errors.New("counter backend down")
}
