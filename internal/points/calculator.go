// Package points implements the scoring and proportional allocation at the
// heart of the reward engine.
//
// Formula: basePoints = baseTVL x 50% + max(0, netContribution) x 50%. Base TVL
// rewards existing holders, positive net contribution rewards new activity, and
// net withdrawal never pushes a score below zero. Weighted points scale base
// points by the user's invite multiplier, and the daily pool is split
// proportionally over total weighted points.
package points

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

// LookupFunc resolves one user's multiplier. It is called at most once per
// user per computation.
type LookupFunc func(user string) model.MultiplierResult

// Calculator allocates a fixed daily pool over weighted user scores. It is
// deterministic: identical inputs produce identical output, byte for byte.
type Calculator struct {
	// DailyPool is the total reward distributed per epoch
	DailyPool float64
}

// NewCalculator creates a calculator for the given daily pool size.
func NewCalculator(dailyPool float64) *Calculator {
	return &Calculator{DailyPool: dailyPool}
}

// BasePoints applies the 50/50 scoring formula to a single record.
func BasePoints(r *model.UserActivityRecord) float64 {
	net := r.NetContribution
	if net < 0 {
		net = 0
	}
	return r.BaseTVL*0.5 + net*0.5
}

// Compute scores every record, resolves multipliers, and splits the daily pool
// proportionally. Zero tracked users or zero total weighted points yield an
// empty distribution, never an error. The result is sorted by reward
// descending; ties keep the sorted-address iteration order.
func (c *Calculator) Compute(records map[string]*model.UserActivityRecord, lookup LookupFunc) []model.DistributionEntry {
	if len(records) == 0 {
		return nil
	}

	users := make([]string, 0, len(records))
	for u := range records {
		users = append(users, u)
	}
	sort.Strings(users)

	// Score and resolve multipliers, accumulating the weighted total.
	var totalWeighted float64
	for _, user := range users {
		r := records[user]
		r.BasePoints = BasePoints(r)
		r.Multiplier = lookup(user).Value
		totalWeighted += r.BasePoints * r.Multiplier
	}

	if totalWeighted == 0 {
		logrus.Info("No weighted points this epoch, distribution is empty")
		return nil
	}

	entries := make([]model.DistributionEntry, 0, len(users))
	for _, user := range users {
		r := records[user]
		weighted := r.BasePoints * r.Multiplier
		share := weighted / totalWeighted
		reward := share * c.DailyPool
		r.FinalReward = reward

		entries = append(entries, model.DistributionEntry{
			Address:         user,
			BaseTVL:         r.BaseTVL,
			NetContribution: r.NetContribution,
			BasePoints:      r.BasePoints,
			Multiplier:      r.Multiplier,
			WeightedPoints:  weighted,
			Share:           share,
			Reward:          reward,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Reward > entries[j].Reward
	})

	logrus.WithFields(logrus.Fields{
		"users":          len(entries),
		"total_weighted": totalWeighted,
		"pool":           c.DailyPool,
	}).Info("Distribution computed")

	return entries
}
