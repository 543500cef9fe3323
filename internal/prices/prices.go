// Package prices fetches and caches token prices from the backend price API.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Manager caches the price table for a short window and degrades gracefully:
// on a failed refresh it serves the stale table, and as a last resort pins
// USDT to $1 so stablecoin flows keep valuing correctly.
type Manager struct {
	url        string
	httpClient *http.Client
	clock      clockwork.Clock
	ttl        time.Duration
	timeout    time.Duration

	mu         sync.Mutex
	table      map[string]float64
	lastUpdate time.Time
}

// NewManager creates a price manager for the given endpoint.
func NewManager(url string, clock clockwork.Clock, ttl, timeout time.Duration) *Manager {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	return &Manager{
		url:        url,
		httpClient: retryClient.StandardClient(),
		clock:      clock,
		ttl:        ttl,
		timeout:    timeout,
		table:      map[string]float64{},
	}
}

// priceResponse matches the backend price API envelope.
type priceResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	} `json:"data"`
}

// TokenPrice returns the USD price of the given underlying symbol, or 0 when
// no price is known. USDT is always $1.00.
func (m *Manager) TokenPrice(ctx context.Context, symbol string) float64 {
	if symbol == "USDT" {
		return 1.0
	}
	table := m.prices(ctx)
	return table[symbol]
}

// prices returns the current price table, refreshing it when stale.
func (m *Manager) prices(ctx context.Context) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clock.Now().Sub(m.lastUpdate) < m.ttl && len(m.table) > 0 {
		return m.table
	}

	fresh, err := m.fetch(ctx)
	if err != nil {
		if len(m.table) > 0 {
			logrus.Warnf("Price refresh failed, serving cached prices: %v", err)
			return m.table
		}
		logrus.Warnf("Price refresh failed with empty cache, using emergency fallback: %v", err)
		return map[string]float64{"USDT": 1.0}
	}

	m.table = fresh
	m.lastUpdate = m.clock.Now()
	logrus.Debugf("Refreshed %d token prices", len(fresh))
	return m.table
}

func (m *Manager) fetch(ctx context.Context) (map[string]float64, error) {
	if m.url == "" {
		return nil, fmt.Errorf("price API not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price API error: status %d", resp.StatusCode)
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding price response: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("price API reported failure")
	}

	table := map[string]float64{"USDT": 1.0}
	for _, item := range payload.Data {
		switch item.Symbol {
		case "MARBLEX":
			// The price feed lists MBX under its full name.
			table["MBX"] = item.Price
		case "USDT":
			// Stablecoin stays pinned at $1.00.
		default:
			table[item.Symbol] = item.Price
		}
	}
	return table, nil
}
