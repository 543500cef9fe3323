// Package store persists computed distributions to the leaderboard backend,
// one JSON document per epoch date. Re-storing the same date overwrites; the
// date is the natural key.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
	"github.com/tamago-labs/kilo-point-engine/internal/validation"
)

// DayRecord is the persisted document shape for one epoch.
type DayRecord struct {
	Date          string                    `json:"date"`
	Distributions []model.DistributionEntry `json:"distributions"`
	Summary       model.EpochSummary        `json:"summary"`
}

// StoreResult is the backend's acknowledgement of a store call.
type StoreResult struct {
	UsersStored int     `json:"usersStored"`
	TotalKilo   float64 `json:"totalKilo"`
}

// LeaderboardClient talks to the leaderboard backend. An unconfigured client
// (empty base URL) treats persistence as a disabled feature: store calls log a
// one-time warning and succeed as no-ops.
type LeaderboardClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	timeout      time.Duration
	minThreshold float64
	warnOnce     sync.Once
}

// NewLeaderboardClient creates a client. minThreshold drops users whose
// floored reward is at or below it before storage, keeping dust entries out of
// the leaderboard.
func NewLeaderboardClient(baseURL, apiKey string, timeout time.Duration, minThreshold float64) *LeaderboardClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	return &LeaderboardClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   retryClient.StandardClient(),
		timeout:      timeout,
		minThreshold: minThreshold,
	}
}

// Configured reports whether a backend is wired up.
func (c *LeaderboardClient) Configured() bool {
	return c.baseURL != ""
}

// filterDistributions removes users whose whole-token reward is at or below
// the storage threshold. The full distribution is still the epoch's canonical
// result; only the persisted leaderboard is trimmed.
func (c *LeaderboardClient) filterDistributions(entries []model.DistributionEntry) []model.DistributionEntry {
	filtered := make([]model.DistributionEntry, 0, len(entries))
	for _, e := range entries {
		if math.Floor(e.Reward) <= c.minThreshold {
			continue
		}
		filtered = append(filtered, e)
	}
	if dropped := len(entries) - len(filtered); dropped > 0 {
		logrus.Infof("Filtered %d users at or below %.0f reward before storage", dropped, c.minThreshold)
	}
	return filtered
}

// StoreDailySummary persists one epoch's distribution and summary. Empty
// distributions and an unconfigured backend are no-ops, not errors; the engine
// keeps its computation either way and the caller may retry the persist step.
func (c *LeaderboardClient) StoreDailySummary(ctx context.Context, date string, entries []model.DistributionEntry, summary model.EpochSummary) error {
	if !c.Configured() {
		c.warnOnce.Do(func() {
			logrus.Warn("API_BASE_URL not configured, leaderboard storage disabled")
		})
		return nil
	}
	if len(entries) == 0 {
		logrus.Infof("No distributions to store for %s", date)
		return nil
	}

	filtered := c.filterDistributions(validation.FilterInvalid(entries))
	if len(filtered) == 0 {
		logrus.Infof("No users meet the storage threshold for %s", date)
		return nil
	}

	summary.TotalUsers = len(filtered)
	var totalReward float64
	for _, e := range filtered {
		totalReward += e.Reward
	}
	summary.TotalRewardDistributed = totalReward
	summary.TopUser = &model.TopUser{
		Address: filtered[0].Address,
		Reward:  math.Floor(filtered[0].Reward),
	}

	payload := DayRecord{Date: date, Distributions: filtered, Summary: summary}

	var ack struct {
		Success bool        `json:"success"`
		Data    StoreResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/leaderboard", payload, &ack); err != nil {
		return fmt.Errorf("storing leaderboard for %s: %w", date, err)
	}
	if !ack.Success {
		return fmt.Errorf("backend rejected leaderboard for %s", date)
	}

	logrus.WithFields(logrus.Fields{
		"date":         date,
		"users_stored": ack.Data.UsersStored,
		"total_kilo":   ack.Data.TotalKilo,
	}).Info("Leaderboard stored")
	return nil
}

// Leaderboard reads back the persisted record for a date. Used by tests and
// operational tooling, not by the steady-state epoch loop.
func (c *LeaderboardClient) Leaderboard(ctx context.Context, date string) (*DayRecord, error) {
	var resp struct {
		Success bool      `json:"success"`
		Data    DayRecord `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/leaderboard/"+date, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching leaderboard for %s: %w", date, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("backend reported failure for %s", date)
	}
	return &resp.Data, nil
}

// AllUsers enumerates every user the backend has ever tracked. Called once at
// cold start to seed the ledger's known-user set.
func (c *LeaderboardClient) AllUsers(ctx context.Context) ([]string, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    []struct {
			UserAddress string `json:"userAddress"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/all", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching all users: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("backend reported failure listing users")
	}

	users := make([]string, 0, len(resp.Data))
	for _, u := range resp.Data {
		users = append(users, u.UserAddress)
	}
	return users, nil
}

// TestConnection probes the backend with today's leaderboard read. A 404 still
// counts as reachable.
func (c *LeaderboardClient) TestConnection(ctx context.Context) bool {
	if !c.Configured() {
		logrus.Info("Leaderboard backend not configured, continuing without storage")
		return false
	}

	today := time.Now().UTC().Format("2006-01-02")
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/leaderboard/"+today, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.Warnf("Leaderboard backend not reachable: %v", err)
		return false
	}
	defer resp.Body.Close()

	logrus.Infof("Leaderboard backend reachable at %s", c.baseURL)
	return true
}

// do issues one JSON request against the backend with the shared timeout and
// API key header.
func (c *LeaderboardClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.Configured() {
		return fmt.Errorf("backend not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend error: status %d, body: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
