package balance

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

// MarketShare is one market's contribution to a user's base TVL score.
type MarketShare struct {
	Market          string
	SharePercentage float64
}

// Service computes base TVL scores from cToken holdings. A user owning 1% of a
// market's supply earns 1 point from that market regardless of the market's
// absolute size, which keeps large markets from dominating the score.
type Service struct {
	reader  ChainReader
	cache   *SupplyCache
	markets []model.Market
	limiter *rate.Limiter
	timeout time.Duration
}

// NewService creates a balance service over the given reader and markets. The
// limiter bounds chain reads across a batch of users so the upstream RPC does
// not reject the epoch-close pass.
func NewService(reader ChainReader, cache *SupplyCache, markets []model.Market, requestsPerSecond float64, timeout time.Duration) *Service {
	return &Service{
		reader:  reader,
		cache:   cache,
		markets: markets,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		timeout: timeout,
	}
}

// UserBaseTVL sums the user's supply-share percentage across all markets.
// A market with zero total supply contributes nothing, and a failed read for
// one market degrades that market to zero rather than aborting the user.
func (s *Service) UserBaseTVL(ctx context.Context, user string) (float64, []MarketShare) {
	account := common.HexToAddress(user)

	var total float64
	var shares []MarketShare

	for _, market := range s.markets {
		share, err := s.marketShare(ctx, account, market)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"user":   user,
				"market": market.Symbol,
			}).Warnf("Balance read failed, market contributes 0: %v", err)
			continue
		}
		if share <= 0 {
			continue
		}
		total += share
		shares = append(shares, MarketShare{Market: market.Symbol, SharePercentage: share})
		logrus.Debugf("%s holds %.4f%% of %s supply", user, share, market.Symbol)
	}

	return total, shares
}

// marketShare computes userBalance / totalSupply * 100 for one market.
func (s *Service) marketShare(ctx context.Context, account common.Address, market model.Market) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token := common.HexToAddress(market.CTokenAddress)

	totalSupply, err := s.cache.TotalSupply(callCtx, s.reader, token)
	if err != nil {
		return 0, err
	}
	if totalSupply.Sign() == 0 {
		return 0, nil
	}

	userBalance, err := s.reader.BalanceOf(callCtx, token, account)
	if err != nil {
		return 0, err
	}
	if userBalance.Sign() == 0 {
		return 0, nil
	}

	balanceF, _ := new(big.Float).SetInt(userBalance).Float64()
	supplyF, _ := new(big.Float).SetInt(totalSupply).Float64()
	return balanceF / supplyF * 100, nil
}

// BatchBaseTVL computes base TVL for a batch of users, pacing reads through the
// rate limiter. Per-user failures are already degraded to zero inside
// UserBaseTVL; a canceled context ends the batch early with what was computed.
func (s *Service) BatchBaseTVL(ctx context.Context, users []string) map[string]float64 {
	results := make(map[string]float64, len(users))

	for _, user := range users {
		if err := s.limiter.Wait(ctx); err != nil {
			logrus.Warnf("Base TVL batch interrupted after %d of %d users: %v", len(results), len(users), err)
			return results
		}
		total, _ := s.UserBaseTVL(ctx, user)
		results[user] = total
	}

	logrus.Infof("Computed base TVL for %d users across %d markets", len(results), len(s.markets))
	return results
}
