// Package policy is the admission-control engine: tier-indexed rate
// limits, cost quotas, concurrency caps, and tool allow/block lists. The
// hot path is the per-tenant admission check; contention is bounded with a
// sharded map so one tenant's traffic never blocks another's, following the
// allow/block filtering shape of the reference policy engine in the
// corpus, generalized from tag/tool filtering alone to the full
// rate/cost/concurrency admission pipeline the spec requires.
package policy

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/kestrel-run/kestrel/kerrors"
)

// Tier is the coarse policy band a tenant is assigned to.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierPolicy is the full set of admission limits for one tier (or a
// per-tenant override of it). AllowedTools containing "*" means any tool is
// permitted subject to BlockedTools.
type TierPolicy struct {
	ReqsPerMinute       int
	ReqsPerHour         int
	ReqsPerDay          int
	MaxCostPerJobUSD    float64
	MaxCostPerDayUSD    float64
	MaxCostPerMonthUSD  float64
	MaxConcurrentJobs   int
	MaxJobDurationMs    int64
	AllowedTools        []string
	BlockedTools        []string
}

// DefaultTierPolicies returns the built-in per-tier defaults from the spec's
// tier table. Callers may copy and mutate the result; it is not shared
// mutable state.
func DefaultTierPolicies() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierFree: {
			ReqsPerMinute: 5, ReqsPerHour: 20, ReqsPerDay: 50,
			MaxCostPerJobUSD: 0.50, MaxCostPerDayUSD: 2.00, MaxCostPerMonthUSD: 10.00,
			MaxConcurrentJobs: 1, MaxJobDurationMs: 60_000,
			AllowedTools: nil, // explicit set must be configured by the operator
		},
		TierStarter: {
			ReqsPerMinute: 20, ReqsPerHour: 100, ReqsPerDay: 500,
			MaxCostPerJobUSD: 2.00, MaxCostPerDayUSD: 20.00, MaxCostPerMonthUSD: 100.00,
			MaxConcurrentJobs: 3, MaxJobDurationMs: 300_000,
			AllowedTools: []string{"*"},
		},
		TierPro: {
			ReqsPerMinute: 60, ReqsPerHour: 500, ReqsPerDay: 2_000,
			MaxCostPerJobUSD: 10.00, MaxCostPerDayUSD: 100.00, MaxCostPerMonthUSD: 500.00,
			MaxConcurrentJobs: 10, MaxJobDurationMs: 600_000,
			AllowedTools: []string{"*"},
		},
		TierEnterprise: {
			ReqsPerMinute: 200, ReqsPerHour: 2_000, ReqsPerDay: 10_000,
			MaxCostPerJobUSD: 100.00, MaxCostPerDayUSD: 1_000.00, MaxCostPerMonthUSD: 10_000.00,
			MaxConcurrentJobs: 50, MaxJobDurationMs: 1_800_000,
			AllowedTools: []string{"*"},
		},
	}
}

// Decision is the outcome of CheckRequest.
type Decision struct {
	Allowed      bool
	Reason       string
	RetryAfterMs int64
}

// UsageState is a point-in-time snapshot of a tenant's counters.
type UsageState struct {
	MinuteCount     int
	HourCount       int
	DayCount        int
	DayCostUSD      float64
	MonthCostUSD    float64
	ConcurrentJobs  int
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

type tenantState struct {
	mu sync.Mutex

	minute, hour, day rateWindow
	dayCostUSD        float64
	dayResetAt        time.Time
	monthCostUSD      float64
	monthResetAt      time.Time
	concurrentJobs    int
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// Engine implements per-tenant admission control. The zero value is not
// usable; construct with New.
type Engine struct {
	tierPolicies map[Tier]TierPolicy

	overridesMu sync.RWMutex
	overrides   map[string]TierPolicy

	shards [shardCount]*shard

	now func() time.Time

	store CounterStore
}

// New constructs an Engine seeded with DefaultTierPolicies. Pass a non-nil
// tierPolicies map to override the defaults wholesale.
func New(tierPolicies map[Tier]TierPolicy) *Engine {
	if tierPolicies == nil {
		tierPolicies = DefaultTierPolicies()
	}
	e := &Engine{
		tierPolicies: tierPolicies,
		overrides:    make(map[string]TierPolicy),
		now:          time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{tenants: make(map[string]*tenantState)}
	}
	return e
}

func (e *Engine) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return e.shards[h.Sum32()%shardCount]
}

func (e *Engine) stateFor(tenantID string) *tenantState {
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.tenants[tenantID]
	if !ok {
		now := e.now()
		st = &tenantState{
			minute:       rateWindow{resetAt: now.Add(time.Minute)},
			hour:         rateWindow{resetAt: now.Add(time.Hour)},
			day:          rateWindow{resetAt: now.Add(24 * time.Hour)},
			dayResetAt:   now.Add(24 * time.Hour),
			monthResetAt: nextCalendarMonth(now),
		}
		e.hydrateFromStore(tenantID, st)
		sh.tenants[tenantID] = st
	}
	return st
}

// hydrateFromStore loads tenantID's last persisted snapshot (if a
// CounterStore is configured and one exists) into a freshly created
// tenantState, so counters survive an Engine restart instead of resetting.
func (e *Engine) hydrateFromStore(tenantID string, st *tenantState) {
	if e.store == nil {
		return
	}
	snap, ok, err := e.store.Load(tenantID)
	if err != nil || !ok {
		return
	}
	st.minute = rateWindow{count: snap.MinuteCount, resetAt: snap.MinuteResetAt}
	st.hour = rateWindow{count: snap.HourCount, resetAt: snap.HourResetAt}
	st.day = rateWindow{count: snap.DayCount, resetAt: snap.DayResetAt}
	st.dayCostUSD = snap.DayCostUSD
	st.dayResetAt = snap.DayCostResetAt
	st.monthCostUSD = snap.MonthCostUSD
	st.monthResetAt = snap.MonthCostResetAt
	st.concurrentJobs = snap.ConcurrentJobs
}

// persistLocked saves st's current counters through the configured
// CounterStore, if any. Callers must hold st.mu.
func (e *Engine) persistLocked(tenantID string, st *tenantState) {
	if e.store == nil {
		return
	}
	snap := CounterSnapshot{
		MinuteCount: st.minute.count, HourCount: st.hour.count, DayCount: st.day.count,
		MinuteResetAt: st.minute.resetAt, HourResetAt: st.hour.resetAt, DayResetAt: st.day.resetAt,
		DayCostUSD: st.dayCostUSD, MonthCostUSD: st.monthCostUSD,
		DayCostResetAt: st.dayResetAt, MonthCostResetAt: st.monthResetAt,
		ConcurrentJobs: st.concurrentJobs,
	}
	_ = e.store.Save(tenantID, snap)
}

// SetCounterStore installs store as the Engine's counter persistence
// backend. Pass nil to fall back to in-memory-only counters (the default).
func (e *Engine) SetCounterStore(store CounterStore) {
	e.store = store
}

// SetPolicy installs a wholesale per-tenant override, replacing the tier
// default for tenantID.
func (e *Engine) SetPolicy(tenantID string, p TierPolicy) {
	e.overridesMu.Lock()
	defer e.overridesMu.Unlock()
	e.overrides[tenantID] = p
}

// GetPolicy returns the effective policy for tenantID: the override if one
// was set, otherwise the default for tier.
func (e *Engine) GetPolicy(tenantID string, tier Tier) TierPolicy {
	e.overridesMu.RLock()
	override, ok := e.overrides[tenantID]
	e.overridesMu.RUnlock()
	if ok {
		return override
	}
	return e.tierPolicies[tier]
}

// CheckRequest runs the full admission pipeline for tenantID in order: tool
// allow/block, then rate windows (minute, hour, day), then cost quotas
// (job, day, month), then concurrency. The first failure short-circuits
// without incrementing any counter. On success all three rate counters are
// incremented atomically for this tenant; concurrency is NOT incremented
// here (see JobStarted) so dry-runs never consume a concurrency slot.
func (e *Engine) CheckRequest(tenantID, toolID string, estimatedCostUSD float64, tier Tier) Decision {
	p := e.GetPolicy(tenantID, tier)

	if !toolAllowed(p, toolID) {
		return Decision{Allowed: false, Reason: "tool not permitted for tenant tier"}
	}

	st := e.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.now()
	advanceRateWindows(st, now)

	if d, denied := checkRateWindow(st.minute, p.ReqsPerMinute, now); denied {
		return d
	}
	if d, denied := checkRateWindow(st.hour, p.ReqsPerHour, now); denied {
		return d
	}
	if d, denied := checkRateWindow(st.day, p.ReqsPerDay, now); denied {
		return d
	}

	advanceCostWindows(st, now)

	if estimatedCostUSD > p.MaxCostPerJobUSD {
		return Decision{Allowed: false, Reason: "estimated cost exceeds per-job limit"}
	}
	if st.dayCostUSD+estimatedCostUSD > p.MaxCostPerDayUSD {
		return Decision{Allowed: false, Reason: "Daily quota exceeded", RetryAfterMs: millisUntil(now, st.dayResetAt)}
	}
	if st.monthCostUSD+estimatedCostUSD > p.MaxCostPerMonthUSD {
		return Decision{Allowed: false, Reason: "Monthly quota exceeded", RetryAfterMs: millisUntil(now, st.monthResetAt)}
	}

	if st.concurrentJobs >= p.MaxConcurrentJobs {
		return Decision{Allowed: false, Reason: "concurrency limit reached"}
	}

	st.minute.count++
	st.hour.count++
	st.day.count++
	e.persistLocked(tenantID, st)

	return Decision{Allowed: true}
}

// JobStarted increments the tenant's concurrency counter. Call only after a
// successful CheckRequest that will actually execute (not a dry-run).
func (e *Engine) JobStarted(tenantID string) {
	st := e.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.concurrentJobs++
	e.persistLocked(tenantID, st)
}

// JobCompleted decrements concurrency (floored at zero) and adds
// actualCostUSD to both the day and month running totals.
func (e *Engine) JobCompleted(tenantID string, actualCostUSD float64) {
	st := e.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.concurrentJobs--
	if st.concurrentJobs < 0 {
		st.concurrentJobs = 0
	}
	now := e.now()
	advanceCostWindows(st, now)
	st.dayCostUSD += actualCostUSD
	st.monthCostUSD += actualCostUSD
	e.persistLocked(tenantID, st)
}

// GetUsage returns a snapshot of tenantID's current counters.
func (e *Engine) GetUsage(tenantID string) UsageState {
	st := e.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	now := e.now()
	advanceRateWindows(st, now)
	advanceCostWindows(st, now)
	return UsageState{
		MinuteCount:    st.minute.count,
		HourCount:      st.hour.count,
		DayCount:       st.day.count,
		DayCostUSD:     st.dayCostUSD,
		MonthCostUSD:   st.monthCostUSD,
		ConcurrentJobs: st.concurrentJobs,
	}
}

func toolAllowed(p TierPolicy, toolID string) bool {
	for _, blocked := range p.BlockedTools {
		if blocked == toolID {
			return false
		}
	}
	if len(p.AllowedTools) == 0 {
		return false
	}
	for _, allowed := range p.AllowedTools {
		if allowed == "*" || allowed == toolID {
			return true
		}
	}
	return false
}

func advanceRateWindows(st *tenantState, now time.Time) {
	advanceWindow(&st.minute, now, time.Minute)
	advanceWindow(&st.hour, now, time.Hour)
	advanceWindow(&st.day, now, 24*time.Hour)
}

// advanceWindow resets a rolling counter when its reset instant has passed.
// Ties (now == resetAt) are treated as expired, matching the spec's
// "now >= reset_at" rule.
func advanceWindow(w *rateWindow, now time.Time, period time.Duration) {
	for !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = w.resetAt.Add(period)
	}
}

func checkRateWindow(w rateWindow, limit int, now time.Time) (Decision, bool) {
	if w.count >= limit {
		return Decision{Allowed: false, Reason: "rate limit exceeded", RetryAfterMs: millisUntil(now, w.resetAt)}, true
	}
	return Decision{}, false
}

func advanceCostWindows(st *tenantState, now time.Time) {
	if !now.Before(st.dayResetAt) {
		st.dayCostUSD = 0
		st.dayResetAt = now.Add(24 * time.Hour)
	}
	if !now.Before(st.monthResetAt) {
		st.monthCostUSD = 0
		st.monthResetAt = nextCalendarMonth(now)
	}
}

func nextCalendarMonth(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())
}

func millisUntil(now, target time.Time) int64 {
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// NewPolicyDeniedError converts a denied Decision into the kerrors wire type
// the runner surfaces to callers.
func NewPolicyDeniedError(d Decision) error {
	return kerrors.NewPolicyDenied(d.Reason, d.RetryAfterMs)
}
