package stooq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoutso/tickerd/internal/scan"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestPreWarmTokenStoresBearer(t *testing.T) {
	var seenKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/token" {
			seenKey = r.Header.Get("X-Api-Key")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"tok-123","expires_in":3600}`))
			return
		}
		http.NotFound(w, r)
	})

	require.NoError(t, client.PreWarmToken(context.Background()))
	assert.Equal(t, "test-key", seenKey)
	assert.Equal(t, "tok-123", client.currentToken())

	// Second call inside the expiry window reuses the cached token.
	require.NoError(t, client.PreWarmToken(context.Background()))
}

func TestPreWarmTokenRejectedKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	})

	err := client.PreWarmToken(context.Background())
	require.Error(t, err)

	var authErr *scan.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Message, "401")
}

func TestFetchDailyBarsParsesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/daily/AAPL", r.URL.Path)
		assert.Equal(t, "2026-02-26", r.URL.Query().Get("start"))
		assert.Equal(t, "2026-02-27", r.URL.Query().Get("end"))
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"date":"2026-02-26","open":100,"high":101,"low":99,"close":100.5,"volume":12000},
			{"date":"2026-02-27","open":100.5,"high":102,"low":100,"close":101.7,"volume":9000}
		]`))
	})
	client.token = "tok-abc"
	client.tokenExpiry = time.Now().Add(time.Hour)

	start, _ := time.Parse("2006-01-02", "2026-02-26")
	end, _ := time.Parse("2006-01-02", "2026-02-27")
	bars, err := client.FetchDailyBars(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.5, bars[0].Close)
	assert.Equal(t, int64(9000), bars[1].Volume)
	assert.Equal(t, "2026-02-27", bars[1].Date.Format("2006-01-02"))
}

func TestFetchDailyBarsCarriesStatusCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	start, _ := time.Parse("2006-01-02", "2026-02-27")
	_, err := client.FetchDailyBars(context.Background(), "AAPL", start, start)
	require.Error(t, err)

	var provErr *scan.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusTooManyRequests, provErr.StatusCode)
}

func TestFetchSymbolDirectory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/symbols", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"AAPL","name":"Apple Inc.","exchange":"NASDAQ","is_active":true},
			{"symbol":"ZTEST","name":"Test Issue","exchange":"NASDAQ","is_test":true,"is_active":true}
		]`))
	})

	listings, err := client.FetchSymbolDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "AAPL", listings[0].Symbol)
	assert.True(t, listings[1].IsTest)
}
