// Package stooq is the HTTP client for the daily-bar market data provider.
package stooq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/prices"
	"github.com/dkoutso/tickerd/internal/scan"
)

const dateFormat = "2006-01-02"

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the provider's REST API. Safe for concurrent use; the
// scan engine fans fetches out across a worker pool.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a provider client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "stooq").Logger(),
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// PreWarmToken exchanges the API key for a bearer token. A rejected key is
// returned as *scan.AuthError so the caller can abort before symbol work.
func (c *Client) PreWarmToken(ctx context.Context) error {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token", nil)
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &scan.AuthError{Message: fmt.Sprintf("API key rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	if tok.Token == "" {
		return &scan.AuthError{Message: "token endpoint returned an empty token"}
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	c.mu.Lock()
	c.token = tok.Token
	// Renew a minute early so no in-flight request straddles the expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn-60) * time.Second)
	c.mu.Unlock()

	c.log.Debug().Int("expires_in", expiresIn).Msg("Bearer token refreshed")
	return nil
}

type barResponse struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// FetchDailyBars returns the daily bars for a symbol in the inclusive date
// range. Upstream failures come back as *scan.ProviderError carrying the
// HTTP status where one was received.
func (c *Client) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]prices.Bar, error) {
	endpoint := fmt.Sprintf("%s/v1/daily/%s?start=%s&end=%s",
		c.baseURL, url.PathEscape(symbol),
		start.Format(dateFormat), end.Format(dateFormat))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build bars request for %s: %w", symbol, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &scan.ProviderError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &scan.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var rows []barResponse
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &scan.ProviderError{Message: fmt.Sprintf("parse bars response: %v", err)}
	}

	bars := make([]prices.Bar, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse(dateFormat, row.Date)
		if err != nil {
			c.log.Warn().Str("symbol", symbol).Str("date", row.Date).Msg("Skipping bar with malformed date")
			continue
		}
		bars = append(bars, prices.Bar{
			Date:   day,
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		})
	}
	return bars, nil
}

// SymbolListing is one entry of the provider's symbol directory.
type SymbolListing struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	IsTest   bool   `json:"is_test"`
	IsActive bool   `json:"is_active"`
}

// FetchSymbolDirectory downloads the full tradable-symbol directory. Used by
// the reference data refresh job.
func (c *Client) FetchSymbolDirectory(ctx context.Context) ([]SymbolListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/symbols", nil)
	if err != nil {
		return nil, fmt.Errorf("build symbols request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("symbols request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("symbols endpoint returned status %d", resp.StatusCode)
	}

	var listings []SymbolListing
	if err := json.NewDecoder(resp.Body).Decode(&listings); err != nil {
		return nil, fmt.Errorf("parse symbols response: %w", err)
	}
	c.log.Info().Int("symbols", len(listings)).Msg("Fetched symbol directory")
	return listings, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
