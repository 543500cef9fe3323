// Package model defines the core data structures for the kilo-point-engine.
package model

import (
	"time"
)

// EventType identifies the kind of lending-protocol activity an event represents.
type EventType string

// Supported protocol event types.
const (
	EventSupply   EventType = "supply"
	EventWithdraw EventType = "withdraw"
	EventBorrow   EventType = "borrow"
	EventRepay    EventType = "repay"
)

// Event is a single protocol activity observation, already converted to USD.
// This is the unit of input that flows into the activity ledger.
type Event struct {
	// User is the address that performed the action
	User string `json:"user"`

	// Market is the underlying token symbol of the market the action happened in
	Market string `json:"market"`

	// USDValue is the USD value of the action at observation time
	USDValue float64 `json:"usd_value"`

	// Type is the kind of action (supply, withdraw, borrow, repay)
	Type EventType `json:"type"`

	// BlockNumber and TxHash identify where the event was observed on chain
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}

// ActivityCounts tracks how many times a user performed each action in an epoch.
type ActivityCounts struct {
	Supplies  int `json:"supplies"`
	Withdraws int `json:"withdraws"`
	Borrows   int `json:"borrows"`
	Repays    int `json:"repays"`
}

// UserActivityRecord is the per-user, per-epoch accumulator. NetContribution and
// Activities are maintained incrementally by the ledger; BaseTVL, BasePoints,
// Multiplier and FinalReward are filled in at epoch close.
type UserActivityRecord struct {
	BaseTVL         float64        `json:"baseTVL"`
	NetContribution float64        `json:"netContribution"`
	BasePoints      float64        `json:"basePoints"`
	Multiplier      float64        `json:"multiplier"`
	FinalReward     float64        `json:"finalReward"`
	Activities      ActivityCounts `json:"activities"`

	// LastBalanceUpdate is when BaseTVL was last refreshed from chain
	LastBalanceUpdate time.Time `json:"lastBalanceUpdate,omitempty"`
}

// NewUserActivityRecord returns a fresh record with the neutral multiplier.
func NewUserActivityRecord() *UserActivityRecord {
	return &UserActivityRecord{Multiplier: 1.0}
}

// DistributionEntry is the final, immutable per-user output for one epoch.
type DistributionEntry struct {
	Address         string  `json:"address"`
	BaseTVL         float64 `json:"baseTVL"`
	NetContribution float64 `json:"netContribution"`
	BasePoints      float64 `json:"basePoints"`
	Multiplier      float64 `json:"multiplier"`
	WeightedPoints  float64 `json:"weightedPoints"`
	Share           float64 `json:"share"`
	Reward          float64 `json:"reward"`
}

// TopUser identifies the highest-ranked user of an epoch in the summary envelope.
type TopUser struct {
	Address string  `json:"address"`
	Reward  float64 `json:"reward"`
}

// EpochSummary is the protocol-wide envelope stored alongside a distribution.
// The per-market deltas come straight from the ledger's counters, they are not
// recomputed from the distribution.
type EpochSummary struct {
	UniqueUsers            int                `json:"uniqueUsers"`
	TotalEvents            int                `json:"totalEvents"`
	TotalUsers             int                `json:"totalUsers"`
	TotalRewardDistributed float64            `json:"totalRewardDistributed"`
	TopUser                *TopUser           `json:"topUser,omitempty"`
	TotalTVLContributed    float64            `json:"totalTVLContributed"`
	TotalNetContribution   float64            `json:"totalNetContribution"`
	NetTVLChange           float64            `json:"netTVLChange"`
	NetBorrowChange        float64            `json:"netBorrowChange"`
	TVLChangesByMarket     map[string]float64 `json:"tvlChangesByMarket"`
	BorrowChangesByMarket  map[string]float64 `json:"borrowChangesByMarket"`
}

// MultiplierSource records whether a multiplier came from the invite service or
// is the engine's neutral default.
type MultiplierSource int

// Multiplier sources.
const (
	SourceDefault MultiplierSource = iota
	SourceFetched
)

// MultiplierResult is the typed boundary wrapper for the invite service so that
// internal logic never branches on raw HTTP status codes.
type MultiplierResult struct {
	Value  float64
	Source MultiplierSource
}

// NeutralMultiplier is the safe default used for unknown users and on failures.
func NeutralMultiplier() MultiplierResult {
	return MultiplierResult{Value: 1.0, Source: SourceDefault}
}

// Market describes one lending market tracked by the engine.
type Market struct {
	// Symbol is the cToken symbol, e.g. "cUSDT"
	Symbol string

	// CTokenAddress is the hex address of the collateral-token contract
	CTokenAddress string

	// UnderlyingSymbol is the symbol used for price lookups, e.g. "USDT"
	UnderlyingSymbol string

	// Decimals of the underlying token
	Decimals uint8
}
