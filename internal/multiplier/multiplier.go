// Package multiplier resolves per-user reward multipliers from the invite
// service. Lookups are total: any failure degrades to the neutral multiplier
// so the epoch-close pipeline never stalls on a single user.
package multiplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

// Multiplier bounds enforced at the boundary so internal scoring never sees an
// out-of-range or NaN value.
const (
	MinMultiplier = 1.0
	MaxMultiplier = 2.0
)

// Service is a client for the invite multiplier endpoint.
type Service struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewService creates an invite-service client. An empty base URL disables
// lookups; every user then resolves to the neutral multiplier.
func NewService(baseURL string, timeout time.Duration) *Service {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	return &Service{
		baseURL:    baseURL,
		httpClient: retryClient.StandardClient(),
		timeout:    timeout,
	}
}

// inviteResponse matches the invite service envelope.
type inviteResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Multiplier   float64 `json:"multiplier"`
		TotalInvites int     `json:"totalInvites"`
	} `json:"data"`
}

// errNotFound marks the expected "no invite record" answer for new
// participants; it is not a failure.
var errNotFound = errors.New("no invite record")

// Lookup resolves the user's multiplier. It never fails: unknown users (the
// common case for new participants) and any transport or decode error resolve
// to the neutral 1.0 default.
func (s *Service) Lookup(ctx context.Context, user string) model.MultiplierResult {
	if s.baseURL == "" {
		return model.NeutralMultiplier()
	}

	value, err := s.fetch(ctx, user)
	if errors.Is(err, errNotFound) {
		logrus.Debugf("No invite record for %s, using default multiplier", user)
		return model.NeutralMultiplier()
	}
	if err != nil {
		logrus.WithField("user", user).Warnf("Multiplier lookup degraded to default: %v", err)
		return model.NeutralMultiplier()
	}

	return model.MultiplierResult{Value: clamp(value), Source: model.SourceFetched}
}

func (s *Service) fetch(ctx context.Context, user string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/invite/%s", s.baseURL, user)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching multiplier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("invite service error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var payload inviteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decoding invite response: %w", err)
	}
	if !payload.Success {
		return 0, fmt.Errorf("invite service reported failure for %s", user)
	}

	return payload.Data.Multiplier, nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < MinMultiplier {
		return MinMultiplier
	}
	if v > MaxMultiplier {
		return MaxMultiplier
	}
	return v
}
