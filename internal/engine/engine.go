// Package engine orchestrates the daily reward pipeline: event ingestion into
// the activity ledger, the epoch-close pass (balance enrichment, scoring,
// persistence), and the rollover that opens the next epoch.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/balance"
	"github.com/tamago-labs/kilo-point-engine/internal/ledger"
	"github.com/tamago-labs/kilo-point-engine/internal/model"
	"github.com/tamago-labs/kilo-point-engine/internal/multiplier"
	"github.com/tamago-labs/kilo-point-engine/internal/otel"
	"github.com/tamago-labs/kilo-point-engine/internal/points"
	"github.com/tamago-labs/kilo-point-engine/internal/store"
)

// Engine wires the ledger to the balance, multiplier, scoring and persistence
// services. A single logical worker runs epoch-close passes; event ingestion
// stays independent of a slow pass.
type Engine struct {
	ledger      *ledger.EpochContext
	balances    *balance.Service
	multipliers *multiplier.Service
	calc        *points.Calculator
	store       *store.LeaderboardClient
	metrics     *Metrics

	// closeMu serializes epoch-close work. A rollover holds it across the
	// whole finalize+reset+reseed sequence; a standalone finalize trigger
	// that finds it taken is skipped, not queued.
	closeMu sync.Mutex

	statusMu  sync.Mutex
	lastClose time.Time
	lastDist  int
}

// New assembles the engine.
func New(led *ledger.EpochContext, balances *balance.Service, multipliers *multiplier.Service, calc *points.Calculator, lb *store.LeaderboardClient, metrics *Metrics) *Engine {
	return &Engine{
		ledger:      led,
		balances:    balances,
		multipliers: multipliers,
		calc:        calc,
		store:       lb,
		metrics:     metrics,
	}
}

// HandleEvent ingests one scanned event. If the calendar day advanced since
// the last event, the old epoch is finalized and reset first so the event
// lands in the correct epoch.
func (e *Engine) HandleEvent(ctx context.Context, ev model.Event) {
	if oldDate, rolled := e.ledger.CheckRollover(); rolled {
		e.rollover(ctx, oldDate)
	}

	e.ledger.RecordEvent(ev.User, ev.Market, ev.USDValue, ev.Type)

	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(ev.Type), ev.Market).Inc()
		e.metrics.trackedUsers.Set(float64(len(e.ledger.TrackedUsers())))
	}
}

// MaybeRollover finalizes and resets the epoch if the day has advanced. Wired
// to the midnight schedule so quiet days still close on time.
func (e *Engine) MaybeRollover(ctx context.Context) {
	if oldDate, rolled := e.ledger.CheckRollover(); rolled {
		e.rollover(ctx, oldDate)
	}
}

// rollover finalizes the old epoch, then resets, then re-seeds known users.
// The order is a correctness invariant: reset before finalize would lose the
// day's accumulated events. The whole sequence runs under closeMu, so
// concurrent triggers (midnight cron, hourly cron, an event crossing the
// boundary) queue up here and find the rollover already done.
func (e *Engine) rollover(ctx context.Context, oldDate string) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()

	// Another trigger may have closed the epoch while this one waited.
	if _, rolled := e.ledger.CheckRollover(); !rolled {
		return
	}

	logrus.Infof("Epoch rollover detected, closing %s", oldDate)

	knownUsers := e.ledger.TrackedUsers()

	if err := e.finalizeLocked(ctx); err != nil {
		// The ledger is still intact; the hourly finalize acts as the retry.
		logrus.Errorf("Finalizing epoch %s failed: %v", oldDate, err)
	}

	e.ledger.Reset()
	e.reseed(ctx, knownUsers)
}

// Finalize runs one epoch-close pass over the current ledger state: snapshot,
// enrich with base TVL, score, allocate, persist. It does not reset, so it is
// safe to run hourly; re-storing the same date overwrites. Returns nil when a
// pass is already in flight.
func (e *Engine) Finalize(ctx context.Context) error {
	if !e.closeMu.TryLock() {
		logrus.Warn("Epoch-close pass already running, skipping")
		return nil
	}
	defer e.closeMu.Unlock()

	return e.finalizeLocked(ctx)
}

// finalizeLocked is the epoch-close pass body. Callers must hold closeMu.
func (e *Engine) finalizeLocked(ctx context.Context) error {
	ctx, span := otel.Tracer().Start(ctx, "epoch.finalize")
	defer span.End()

	snapshot := e.ledger.Snapshot()
	if snapshot.UniqueUsers == 0 {
		logrus.Infof("No tracked users for %s, nothing to distribute", snapshot.Date)
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"date":   snapshot.Date,
		"users":  snapshot.UniqueUsers,
		"events": snapshot.TotalEvents,
	}).Info("Starting epoch-close pass")

	// Enrich each tracked user with a fresh base TVL from chain. The live
	// ledger record is updated too, so a later pass in the same epoch reuses
	// current holdings even without new activity.
	users := make([]string, 0, len(snapshot.Records))
	for u := range snapshot.Records {
		users = append(users, u)
	}
	baseTVL := e.balances.BatchBaseTVL(ctx, users)
	for user, tvl := range baseTVL {
		snapshot.Records[user].BaseTVL = tvl
		e.ledger.SetBaseTVL(user, tvl)
	}

	entries := e.calc.Compute(snapshot.Records, func(user string) model.MultiplierResult {
		res := e.multipliers.Lookup(ctx, user)
		if res.Source == model.SourceDefault && e.metrics != nil {
			e.metrics.degradedMultipliers.Inc()
		}
		return res
	})

	e.statusMu.Lock()
	e.lastClose = time.Now().UTC()
	e.lastDist = len(entries)
	e.statusMu.Unlock()

	if e.metrics != nil {
		e.metrics.epochCloses.Inc()
		e.metrics.lastDistUsers.Set(float64(len(entries)))
		var total float64
		for _, entry := range entries {
			total += entry.Reward
		}
		e.metrics.lastDistReward.Set(total)
	}

	if len(entries) == 0 {
		logrus.Infof("Empty distribution for %s, skipping persistence", snapshot.Date)
		return nil
	}

	if err := e.store.StoreDailySummary(ctx, snapshot.Date, entries, snapshot.Summary()); err != nil {
		if e.metrics != nil {
			e.metrics.persistFailures.Inc()
		}
		otel.RecordError(ctx, err)
		return err
	}

	return nil
}

// Bootstrap seeds the fresh ledger with every user the backend has ever seen,
// so existing holders earn base TVL points from day one even without new
// activity. Failures are non-fatal: new events are still tracked.
func (e *Engine) Bootstrap(ctx context.Context) {
	users, err := e.store.AllUsers(ctx)
	if err != nil {
		logrus.Warnf("Could not list existing users, starting empty: %v", err)
		return
	}
	if len(users) == 0 {
		logrus.Info("No existing users found")
		return
	}

	logrus.Infof("Seeding %d existing users with current base TVL", len(users))
	e.reseed(ctx, users)
}

// reseed recalculates base TVL for the given users and registers them in the
// open epoch.
func (e *Engine) reseed(ctx context.Context, users []string) {
	if len(users) == 0 {
		return
	}

	baseTVL := e.balances.BatchBaseTVL(ctx, users)

	withTVL := 0
	for _, user := range users {
		tvl := baseTVL[user]
		e.ledger.SeedUser(user, tvl)
		if tvl > 0 {
			withTVL++
		}
	}

	if e.metrics != nil {
		e.metrics.trackedUsers.Set(float64(len(e.ledger.TrackedUsers())))
	}
	logrus.Infof("Seeded %d users (%d with nonzero base TVL)", len(users), withTVL)
}

// Status is a point-in-time view for the HTTP status endpoint.
type Status struct {
	CurrentEpoch     string    `json:"current_epoch"`
	TrackedUsers     int       `json:"tracked_users"`
	TotalEvents      int       `json:"total_events"`
	LastCloseAt      time.Time `json:"last_close_at,omitempty"`
	LastDistribution int       `json:"last_distribution_users"`
	StoreConfigured  bool      `json:"store_configured"`
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	lastClose, lastDist := e.lastClose, e.lastDist
	e.statusMu.Unlock()

	return Status{
		CurrentEpoch:     e.ledger.Date(),
		TrackedUsers:     len(e.ledger.TrackedUsers()),
		TotalEvents:      e.ledger.TotalEvents(),
		LastCloseAt:      lastClose,
		LastDistribution: lastDist,
		StoreConfigured:  e.store.Configured(),
	}
}
