// Package validation sanity-checks market configuration and computed
// distribution entries before they cross a process boundary.
package validation

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

// maxDecimals bounds token precision; nothing on chain uses more.
const maxDecimals = 30

// ValidateMarket rejects market definitions that would poison every downstream
// read: a malformed cToken address or absurd decimals.
func ValidateMarket(m model.Market) error {
	if m.Symbol == "" {
		return fmt.Errorf("market missing symbol")
	}
	if !common.IsHexAddress(m.CTokenAddress) {
		return fmt.Errorf("market %s: invalid cToken address %q", m.Symbol, m.CTokenAddress)
	}
	if m.UnderlyingSymbol == "" {
		return fmt.Errorf("market %s: missing underlying symbol", m.Symbol)
	}
	if m.Decimals > maxDecimals {
		return fmt.Errorf("market %s: decimals %d out of range", m.Symbol, m.Decimals)
	}
	return nil
}

// FilterInvalid removes distribution entries that fail basic sanity checks.
// Degenerate float math upstream must never reach the leaderboard as NaN or a
// negative reward.
func FilterInvalid(entries []model.DistributionEntry) []model.DistributionEntry {
	valid := make([]model.DistributionEntry, 0, len(entries))
	for _, e := range entries {
		if isValidEntry(e) {
			valid = append(valid, e)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"user":   e.Address,
			"reward": e.Reward,
			"share":  e.Share,
		}).Warn("Dropped invalid distribution entry")
	}
	return valid
}

func isValidEntry(e model.DistributionEntry) bool {
	if e.Address == "" {
		return false
	}
	for _, v := range []float64{e.BasePoints, e.WeightedPoints, e.Share, e.Reward} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return e.Share <= 1.0
}
