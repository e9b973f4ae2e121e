package policy

import "time"

// CounterSnapshot is the persistable state of one tenant's sharded
// counters: rate windows, cost quota running totals, and the concurrency
// count.
type CounterSnapshot struct {
	MinuteCount, HourCount, DayCount       int
	MinuteResetAt, HourResetAt, DayResetAt time.Time
	DayCostUSD, MonthCostUSD               float64
	DayCostResetAt, MonthCostResetAt       time.Time
	ConcurrentJobs                         int
}

// CounterStore persists Engine's per-tenant sharded counters so admission
// state survives a process restart instead of every tenant's rate windows
// and quotas resetting to zero. The Engine has no persistence by default;
// SetCounterStore installs one, e.g. RedisCounterStore for a clustered
// deployment where every replica must see the same counters.
type CounterStore interface {
	// Load returns tenantID's last persisted snapshot, or ok=false if none
	// exists yet.
	Load(tenantID string) (snap CounterSnapshot, ok bool, err error)
	// Save persists tenantID's current snapshot, replacing any prior one.
	Save(tenantID string, snap CounterSnapshot) error
}
