package requestid_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/requestid"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	handler := func(captured *string) http.Handler {
		return requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*captured = requestid.FromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))
	}

	t.Run("generates an ID when absent", func(t *testing.T) {
		t.Parallel()
		var got string
		rec := httptest.NewRecorder()
		handler(&got).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.NotEmpty(t, got)
		assert.Equal(t, got, rec.Header().Get(requestid.Header))
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	})

	t.Run("reuses a valid client ID", func(t *testing.T) {
		t.Parallel()
		var got string
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestid.Header, "client-supplied-123")
		rec := httptest.NewRecorder()
		handler(&got).ServeHTTP(rec, req)

		assert.Equal(t, "client-supplied-123", got)
		assert.Equal(t, "client-supplied-123", rec.Header().Get(requestid.Header))
	})

	t.Run("replaces malformed IDs", func(t *testing.T) {
		t.Parallel()
		for _, bad := range []string{"has spaces", "semi;colon", strings.Repeat("a", 200)} {
			var got string
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(requestid.Header, bad)
			handler(&got).ServeHTTP(httptest.NewRecorder(), req)

			require.NotEmpty(t, got)
			assert.NotEqual(t, bad, got)
		}
	})
}

func TestLogExtractor(t *testing.T) {
	t.Parallel()

	extract := requestid.LogExtractor()

	attr, ok := extract(requestid.WithContext(context.Background(), "req-1"))
	require.True(t, ok)
	assert.Equal(t, "request_id", attr.Key)
	assert.Equal(t, "req-1", attr.Value.String())

	_, ok = extract(context.Background())
	assert.False(t, ok)
}
