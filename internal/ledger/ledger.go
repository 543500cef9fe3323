// Package ledger maintains the in-memory, epoch-scoped activity tally for the
// reward distribution engine. An epoch is one UTC calendar day; all per-user
// records are scoped to the currently open epoch and dropped wholesale on reset.
package ledger

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
)

// DateFormat is the epoch key layout (UTC calendar day).
const DateFormat = "2006-01-02"

// EpochContext is an explicit, self-contained accounting window. Constructing a
// fresh context per test (or per tenant) is cheap; nothing here is process-wide.
type EpochContext struct {
	mu    sync.Mutex
	clock clockwork.Clock

	date        string
	users       map[string]struct{}
	records     map[string]*model.UserActivityRecord
	totalEvents int

	totalTVLContributed  float64
	totalNetContribution float64

	tvlChanges    map[string]float64
	borrowChanges map[string]float64
}

// Snapshot is a consistent copy of the ledger state, taken under the lock, for
// the epoch-close pass to work on while ingestion continues.
type Snapshot struct {
	Date                 string
	Records              map[string]*model.UserActivityRecord
	UniqueUsers          int
	TotalEvents          int
	TotalTVLContributed  float64
	TotalNetContribution float64
	TVLChanges           map[string]float64
	BorrowChanges        map[string]float64
}

// New creates an EpochContext open for the current UTC day.
func New(clock clockwork.Clock) *EpochContext {
	e := &EpochContext{clock: clock}
	e.resetLocked()
	e.date = e.today()
	return e
}

func (e *EpochContext) today() string {
	return e.clock.Now().UTC().Format(DateFormat)
}

// resetLocked reinitializes all epoch state. Callers must hold e.mu (or have
// exclusive access during construction).
func (e *EpochContext) resetLocked() {
	e.users = make(map[string]struct{})
	e.records = make(map[string]*model.UserActivityRecord)
	e.totalEvents = 0
	e.totalTVLContributed = 0
	e.totalNetContribution = 0
	e.tvlChanges = make(map[string]float64)
	e.borrowChanges = make(map[string]float64)
}

// Date returns the epoch key (YYYY-MM-DD) this context is accumulating for.
func (e *EpochContext) Date() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.date
}

// record returns the user's record, lazily allocated on first touch.
// One allocation per user per epoch; dropped wholesale on reset.
func (e *EpochContext) record(user string) *model.UserActivityRecord {
	r, ok := e.records[user]
	if !ok {
		r = model.NewUserActivityRecord()
		e.records[user] = r
	}
	return r
}

// RecordEvent ingests one protocol event into the open epoch.
//
// Net contribution: supply/repay add USD value, withdraw/borrow subtract it.
// totalTVLContributed intentionally counts both supply and borrow volume; the
// summary consumers depend on that definition, so it is preserved as-is.
func (e *EpochContext) RecordEvent(user, market string, usdValue float64, typ model.EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.users[user] = struct{}{}
	e.totalEvents++

	r := e.record(user)

	switch typ {
	case model.EventSupply:
		r.Activities.Supplies++
		r.NetContribution += usdValue
		e.totalTVLContributed += usdValue
		e.totalNetContribution += usdValue
		e.tvlChanges[market] += usdValue
	case model.EventWithdraw:
		r.Activities.Withdraws++
		r.NetContribution -= usdValue
		e.totalNetContribution -= usdValue
		e.tvlChanges[market] -= usdValue
	case model.EventBorrow:
		r.Activities.Borrows++
		r.NetContribution -= usdValue
		e.totalTVLContributed += usdValue
		e.totalNetContribution -= usdValue
		e.borrowChanges[market] += usdValue
	case model.EventRepay:
		r.Activities.Repays++
		r.NetContribution += usdValue
		e.totalNetContribution += usdValue
		e.borrowChanges[market] -= usdValue
	default:
		logrus.Warnf("Ignoring event with unknown type %q for %s", typ, user)
	}
}

// CheckRollover reports whether the calendar day has advanced past the epoch
// this context is accumulating for. It only signals; the caller must finalize
// (summarize, persist) the old epoch before calling Reset, or in-flight events
// are lost.
func (e *EpochContext) CheckRollover() (oldDate string, rolled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if today := e.today(); today != e.date {
		return e.date, true
	}
	return e.date, false
}

// Reset closes the epoch: all accumulated records are dropped and the context
// reopens for the current UTC day.
func (e *EpochContext) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.date = e.today()
}

// TrackedUsers returns the distinct user addresses seen this epoch. Order is
// unspecified.
func (e *EpochContext) TrackedUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.users))
	for u := range e.users {
		users = append(users, u)
	}
	return users
}

// TotalEvents returns the number of events ingested this epoch.
func (e *EpochContext) TotalEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalEvents
}

// SeedUser registers a user with a known base TVL without counting any event.
// Used at cold start so holders without activity today still earn from their
// existing positions.
func (e *EpochContext) SeedUser(user string, baseTVL float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[user] = struct{}{}
	r := e.record(user)
	r.BaseTVL = baseTVL
	r.LastBalanceUpdate = e.clock.Now().UTC()
}

// SetBaseTVL refreshes a tracked user's base TVL from a chain read.
func (e *EpochContext) SetBaseTVL(user string, baseTVL float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.record(user)
	r.BaseTVL = baseTVL
	r.LastBalanceUpdate = e.clock.Now().UTC()
}

// Snapshot copies the full epoch state under the lock. The returned records are
// deep copies; mutating them does not touch the live ledger.
func (e *EpochContext) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make(map[string]*model.UserActivityRecord, len(e.records))
	for addr, r := range e.records {
		cp := *r
		records[addr] = &cp
	}

	return Snapshot{
		Date:                 e.date,
		Records:              records,
		UniqueUsers:          len(e.users),
		TotalEvents:          e.totalEvents,
		TotalTVLContributed:  e.totalTVLContributed,
		TotalNetContribution: e.totalNetContribution,
		TVLChanges:           copyMap(e.tvlChanges),
		BorrowChanges:        copyMap(e.borrowChanges),
	}
}

// Summary builds the protocol-wide envelope for this snapshot. Per-market net
// changes are summed from the ledger counters, not recomputed from records.
func (s Snapshot) Summary() model.EpochSummary {
	var netTVL, netBorrow float64
	for _, v := range s.TVLChanges {
		netTVL += v
	}
	for _, v := range s.BorrowChanges {
		netBorrow += v
	}
	return model.EpochSummary{
		UniqueUsers:           s.UniqueUsers,
		TotalEvents:           s.TotalEvents,
		TotalTVLContributed:   s.TotalTVLContributed,
		TotalNetContribution:  s.TotalNetContribution,
		NetTVLChange:          netTVL,
		NetBorrowChange:       netBorrow,
		TVLChangesByMarket:    s.TVLChanges,
		BorrowChangesByMarket: s.BorrowChanges,
	}
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
