package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/dtos"
)

func newTestHTTPFetcher(t *testing.T, handler http.HandlerFunc, sets ...string) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPFetcher(nil, &config.SDKConfig{
		URL:          srv.URL + "/api/",
		Key:          "sdk-key-123",
		FlagSets:     sets,
		FetchTimeout: 5 * time.Second,
	})
}

func TestHTTPFetcher_FetchSplitChanges(t *testing.T) {
	t.Parallel()

	t.Run("Should send the feed query and decode the page", func(t *testing.T) {
		t.Parallel()

		requests := make(chan *http.Request, 1)
		f := newTestHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			requests <- r
			_ = json.NewEncoder(w).Encode(dtos.SplitChangesDTO{
				FeatureFlags: dtos.FeatureFlagsDTO{
					Splits: []dtos.SplitDTO{{Name: "checkout_redesign", Status: dtos.StatusActive}},
					Since:  -1,
					Till:   1700000000000,
				},
				RuleBasedSegments: dtos.RuleBasedSegmentsDTO{Since: 5, Till: 5},
			})
		}, "frontend", "backend")

		page, err := f.FetchSplitChanges(context.Background(), -1, 5, nil)
		require.NoError(t, err)

		got := <-requests
		assert.Equal(t, "/api/splitChanges", got.URL.Path)
		assert.Equal(t, "1.3", got.URL.Query().Get("s"))
		assert.Equal(t, "-1", got.URL.Query().Get("since"))
		assert.Equal(t, "5", got.URL.Query().Get("rbSince"))
		assert.Equal(t, "frontend,backend", got.URL.Query().Get("sets"))
		assert.False(t, got.URL.Query().Has("till"))
		assert.Equal(t, "Bearer sdk-key-123", got.Header.Get("Authorization"))
		assert.Empty(t, got.Header.Get("Cache-Control"))

		require.Len(t, page.FeatureFlags.Splits, 1)
		assert.Equal(t, "checkout_redesign", page.FeatureFlags.Splits[0].Name)
		assert.Equal(t, int64(1700000000000), page.FeatureFlags.Till)
		assert.Equal(t, int64(5), page.RuleBasedSegments.Till)
	})

	t.Run("Should bypass caches when a target change number is given", func(t *testing.T) {
		t.Parallel()

		requests := make(chan *http.Request, 1)
		f := newTestHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			requests <- r
			_, _ = w.Write([]byte(`{"ff":{"d":[],"s":10,"t":10},"rbs":{"d":[],"s":-1,"t":-1}}`))
		})

		till := int64(10)
		_, err := f.FetchSplitChanges(context.Background(), 9, -1, &till)
		require.NoError(t, err)

		got := <-requests

		assert.Equal(t, "10", got.URL.Query().Get("till"))
		assert.Equal(t, "no-cache", got.Header.Get("Cache-Control"))
		assert.False(t, got.URL.Query().Has("sets"))
	})

	t.Run("Should fail on malformed bodies", func(t *testing.T) {
		t.Parallel()

		f := newTestHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ff":`))
		})

		_, err := f.FetchSplitChanges(context.Background(), -1, -1, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode")
	})
}

func TestHTTPFetcher_FetchSegmentChanges(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	f := newTestHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		_, _ = w.Write([]byte(`{"name":"beta testers","added":["user-1"],"removed":[],"since":-1,"till":42}`))
	})

	page, err := f.FetchSegmentChanges(context.Background(), "beta testers", -1, nil)
	require.NoError(t, err)

	got := <-requests

	assert.Equal(t, "/api/segmentChanges/beta testers", got.URL.Path)
	assert.Equal(t, "-1", got.URL.Query().Get("since"))
	assert.Equal(t, []string{"user-1"}, page.Added)
	assert.Equal(t, int64(42), page.Till)
}

func TestHTTPFetcher_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "Should retry on server errors", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "Should retry on bad gateway", status: http.StatusBadGateway, wantRetryable: true},
		{name: "Should retry when throttled", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "Should not retry on unauthorized", status: http.StatusUnauthorized, wantRetryable: false},
		{name: "Should not retry on not found", status: http.StatusNotFound, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newTestHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := f.FetchSegmentChanges(context.Background(), "employees", -1, nil)
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.Code)
			assert.Equal(t, "nope", statusErr.Body)
			assert.Equal(t, tt.wantRetryable, statusErr.Retryable())
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
}
