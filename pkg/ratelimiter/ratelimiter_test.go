package ratelimiter_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/ratelimiter"
)

func TestNewTokenBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config ratelimiter.Config
	}{
		{"zero capacity", ratelimiter.Config{Capacity: 0, RefillRate: 1, RefillInterval: time.Second}},
		{"zero refill rate", ratelimiter.Config{Capacity: 5, RefillRate: 0, RefillInterval: time.Second}},
		{"zero interval", ratelimiter.Config{Capacity: 5, RefillRate: 1, RefillInterval: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), tc.config)
			assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
		})
	}
}

func TestTokenBucketAllow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("allows up to capacity then denies", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       3,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		for i := range 3 {
			res, err := tb.Allow(ctx, "key")
			require.NoError(t, err)
			assert.True(t, res.Allowed(), "request %d within capacity", i)
		}

		res, err := tb.Allow(ctx, "key")
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Positive(t, res.RetryAfter())
	})

	t.Run("keys are independent", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		res, err := tb.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, res.Allowed())

		res, err = tb.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, res.Allowed())

		res, err = tb.Allow(ctx, "b")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("refills over time", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)

		res, err := tb.Allow(ctx, "key")
		require.NoError(t, err)
		require.True(t, res.Allowed())

		res, err = tb.Allow(ctx, "key")
		require.NoError(t, err)
		require.False(t, res.Allowed())

		time.Sleep(30 * time.Millisecond)

		res, err = tb.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("reset restores capacity", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		_, err = tb.Allow(ctx, "key")
		require.NoError(t, err)

		require.NoError(t, tb.Reset(ctx, "key"))

		res, err := tb.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})
}

type failingStore struct{}

func (failingStore) ConsumeTokens(context.Context, string, int, ratelimiter.Config) (int, time.Time, error) {
	return 0, time.Time{}, errors.Join(ratelimiter.ErrStoreUnavailable, errors.New("connection refused"))
}

func (failingStore) Reset(context.Context, string) error { return nil }

func TestMiddleware(t *testing.T) {
	t.Parallel()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("sets rate limit headers", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       5,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		srv := ratelimiter.Middleware(tb, ratelimiter.ByRemoteAddr)(okHandler)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 when exhausted", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		srv := ratelimiter.Middleware(tb, ratelimiter.ByRemoteAddr)(okHandler)

		for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
			req.RemoteAddr = "10.0.0.2:1234"
			srv.ServeHTTP(rec, req)
			assert.Equal(t, want, rec.Code)
		}
	})

	t.Run("limits per client", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		srv := ratelimiter.Middleware(tb, ratelimiter.ByRemoteAddr)(okHandler)

		for _, addr := range []string{"10.0.0.3:1234", "10.0.0.4:1234"} {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
			req.RemoteAddr = addr
			srv.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, "first request from %s", addr)
		}
	})

	t.Run("fails open on store errors", func(t *testing.T) {
		t.Parallel()
		tb, err := ratelimiter.NewTokenBucket(failingStore{}, ratelimiter.Config{
			Capacity:       1,
			RefillRate:     1,
			RefillInterval: time.Hour,
		})
		require.NoError(t, err)

		srv := ratelimiter.Middleware(tb, ratelimiter.ByRemoteAddr)(okHandler)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestByRemoteAddr(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:55010"
	assert.Equal(t, "192.0.2.7", ratelimiter.ByRemoteAddr(req))

	req.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", ratelimiter.ByRemoteAddr(req))
}
