package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

func entries() []model.DistributionEntry {
	return []model.DistributionEntry{
		{Address: "0xaaa", BasePoints: 51, Multiplier: 1.5, WeightedPoints: 76.5, Share: 0.75, Reward: 750},
		{Address: "0xbbb", BasePoints: 25.5, Multiplier: 1.0, WeightedPoints: 25.5, Share: 0.25, Reward: 250},
		{Address: "0xccc", Reward: 2.4}, // below storage threshold
	}
}

func TestStoreDailySummary(t *testing.T) {
	var got DayRecord
	var gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/leaderboard", r.URL.Path)
		gotAPIKey = r.Header.Get("X-Api-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintf(w, `{"success":true,"data":{"usersStored":%d,"totalKilo":1000}}`, len(got.Distributions))
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "secret", time.Second, 3)
	err := client.StoreDailySummary(context.Background(), "2025-06-01", entries(), model.EpochSummary{UniqueUsers: 3})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, "2025-06-01", got.Date)

	// The dust entry is filtered out before storage.
	require.Len(t, got.Distributions, 2)
	assert.Equal(t, "0xaaa", got.Distributions[0].Address)

	// Summary is completed from the stored set, ledger fields pass through.
	assert.Equal(t, 2, got.Summary.TotalUsers)
	assert.Equal(t, 3, got.Summary.UniqueUsers)
	assert.InDelta(t, 1000.0, got.Summary.TotalRewardDistributed, 1e-9)
	require.NotNil(t, got.Summary.TopUser)
	assert.Equal(t, "0xaaa", got.Summary.TopUser.Address)
	assert.Equal(t, 750.0, got.Summary.TopUser.Reward)
}

func TestStoreDailySummary_UnconfiguredIsNoop(t *testing.T) {
	client := NewLeaderboardClient("", "", time.Second, 3)
	err := client.StoreDailySummary(context.Background(), "2025-06-01", entries(), model.EpochSummary{})
	assert.NoError(t, err)
}

func TestStoreDailySummary_EmptyDistributionIsNoop(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "", time.Second, 3)
	require.NoError(t, client.StoreDailySummary(context.Background(), "2025-06-01", nil, model.EpochSummary{}))

	// All entries below threshold behaves the same way.
	dust := []model.DistributionEntry{{Address: "0xccc", Reward: 1.2}}
	require.NoError(t, client.StoreDailySummary(context.Background(), "2025-06-01", dust, model.EpochSummary{}))

	assert.Zero(t, calls, "no persistence call must be attempted")
}

func TestStoreDailySummary_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false}`)
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "", time.Second, 3)
	err := client.StoreDailySummary(context.Background(), "2025-06-01", entries(), model.EpochSummary{})
	assert.Error(t, err)
}

func TestLeaderboard_RoundTrip(t *testing.T) {
	stored := DayRecord{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewDecoder(r.Body).Decode(&stored)
			fmt.Fprint(w, `{"success":true,"data":{"usersStored":2,"totalKilo":1000}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/leaderboard/2025-06-01":
			resp := map[string]interface{}{"success": true, "data": stored}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "", time.Second, 3)
	require.NoError(t, client.StoreDailySummary(context.Background(), "2025-06-01", entries(), model.EpochSummary{}))

	got, err := client.Leaderboard(context.Background(), "2025-06-01")
	require.NoError(t, err)

	// Floats survive the round trip at full double precision.
	assert.Equal(t, stored.Distributions, got.Distributions)
	assert.Equal(t, 0.75, got.Distributions[0].Share)
	assert.Equal(t, 76.5, got.Distributions[0].WeightedPoints)
}

func TestAllUsers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/all", r.URL.Path)
		fmt.Fprint(w, `{"success":true,"data":[{"userAddress":"0xaaa"},{"userAddress":"0xbbb"}]}`)
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "", time.Second, 3)
	users, err := client.AllUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, users)
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // no data for today yet, still reachable
	}))
	defer server.Close()

	client := NewLeaderboardClient(server.URL, "", time.Second, 3)
	assert.True(t, client.TestConnection(context.Background()))

	unconfigured := NewLeaderboardClient("", "", time.Second, 3)
	assert.False(t, unconfigured.TestConnection(context.Background()))
}
