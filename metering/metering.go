// Package metering is the per-job append-only cost ledger: a static price
// table keyed by (provider, operation) and per-step/per-job rollups that
// feed actual cost back into the policy engine. New code, grounded directly
// in the event-accounting semantics of spec.md §4.4; there is no teacher
// analogue for a cost ledger, so it borrows only the corpus's general shape
// for an append-only, per-job event store (each job's log is owned by the
// job and needs no cross-job synchronization).
package metering

import (
	"sort"
	"sync"
	"time"
)

// EventType enumerates the kinds of billable events a job can record.
type EventType string

const (
	EventToolCall  EventType = "tool_call"
	EventAPICall   EventType = "api_call"
	EventLLMTokens EventType = "llm_tokens"
	EventBandwidth EventType = "bandwidth"
	EventStorage   EventType = "storage"
)

// Event is one append-only metering record.
type Event struct {
	JobID       string
	TenantID    string
	StepIndex   int
	StepName    string
	ToolID      string
	EventType   EventType
	Provider    string
	Operation   string
	Quantity    float64
	Unit        string
	CostUSD     float64
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Metadata    map[string]any
}

// PriceEntry is one row of the static price table.
type PriceEntry struct {
	Provider  string
	Operation string
	UnitPrice float64
}

// priceKey identifies a (provider, operation) pair in the table. LLM token
// pricing uses "_input"/"_output" operation suffixes per the spec.
type priceKey struct {
	provider  string
	operation string
}

// PriceTable looks up the per-unit price for a (provider, operation) pair.
// Unknown combinations price at zero rather than erroring — metering must
// never crash a job over a missing price row.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[priceKey]float64
}

// NewPriceTable builds a PriceTable from the given entries.
func NewPriceTable(entries []PriceEntry) *PriceTable {
	t := &PriceTable{prices: make(map[priceKey]float64, len(entries))}
	for _, e := range entries {
		t.prices[priceKey{provider: e.Provider, operation: e.Operation}] = e.UnitPrice
	}
	return t
}

// DefaultPriceTable returns a representative built-in table covering the
// provider/operation pairs the bundled workflow handlers exercise. It is
// compiled in but fully replaceable via NewPriceTable.
func DefaultPriceTable() *PriceTable {
	return NewPriceTable([]PriceEntry{
		{Provider: "dataforseo", Operation: "serp_search", UnitPrice: 0.003},
		{Provider: "dataforseo", Operation: "business_lookup", UnitPrice: 0.01},
		{Provider: "perplexity", Operation: "search", UnitPrice: 0.005},
		{Provider: "openai", Operation: "llm_tokens_input", UnitPrice: 0.000003},
		{Provider: "openai", Operation: "llm_tokens_output", UnitPrice: 0.000015},
		{Provider: "anthropic", Operation: "llm_tokens_input", UnitPrice: 0.000003},
		{Provider: "anthropic", Operation: "llm_tokens_output", UnitPrice: 0.000015},
		{Provider: "internal", Operation: "bandwidth_bytes", UnitPrice: 0.0000001},
		{Provider: "internal", Operation: "storage_bytes", UnitPrice: 0.00000002},
	})
}

// Price returns the unit price for (provider, operation), or 0 if unknown.
func (t *PriceTable) Price(provider, operation string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prices[priceKey{provider: provider, operation: operation}]
}

// Set installs or replaces a price row; useful for tests and for operators
// adjusting prices without a redeploy.
func (t *PriceTable) Set(provider, operation string, unitPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[priceKey{provider: provider, operation: operation}] = unitPrice
}

// StepCost is the cost/duration rollup for a single step index.
type StepCost struct {
	StepIndex  int
	CostUSD    float64
	DurationMs int64
}

// JobCostSummary is the final accounting for a job.
type JobCostSummary struct {
	JobID         string
	TotalCostUSD  float64
	TotalDuration int64
	Breakdown     map[string]float64 // "<provider>/<event_type>" -> cost
	StepIndexes   []int
}

type jobLog struct {
	mu     sync.Mutex
	events []Event
}

// Tracker owns one append-only log per job and a shared price table.
type Tracker struct {
	prices *PriceTable

	mu   sync.RWMutex
	jobs map[string]*jobLog
}

// New constructs a Tracker using prices for cost computation. Pass nil to
// use DefaultPriceTable.
func New(prices *PriceTable) *Tracker {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	return &Tracker{prices: prices, jobs: make(map[string]*jobLog)}
}

// StartJob opens an empty event log for jobID.
func (t *Tracker) StartJob(jobID, tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[jobID]; !ok {
		t.jobs[jobID] = &jobLog{}
	}
}

func (t *Tracker) logFor(jobID string) *jobLog {
	t.mu.RLock()
	log, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if ok {
		return log
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if log, ok := t.jobs[jobID]; ok {
		return log
	}
	log = &jobLog{}
	t.jobs[jobID] = log
	return log
}

// RecordToolCall appends a tool_call event priced from the table.
func (t *Tracker) RecordToolCall(jobID, tenantID string, stepIndex int, stepName, toolID, provider, operation string, quantity float64, unit string, startedAt, completedAt time.Time) Event {
	evt := Event{
		JobID: jobID, TenantID: tenantID, StepIndex: stepIndex, StepName: stepName,
		ToolID: toolID, EventType: EventToolCall, Provider: provider, Operation: operation,
		Quantity: quantity, Unit: unit,
		CostUSD:     t.prices.Price(provider, operation) * quantity,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}
	t.append(jobID, evt)
	return evt
}

// RecordLLMTokens appends input/output token events for one LLM call.
func (t *Tracker) RecordLLMTokens(jobID, tenantID string, stepIndex int, stepName, toolID, provider string, inputTokens, outputTokens int, startedAt, completedAt time.Time) (inputEvt, outputEvt Event) {
	duration := completedAt.Sub(startedAt).Milliseconds()
	inputEvt = Event{
		JobID: jobID, TenantID: tenantID, StepIndex: stepIndex, StepName: stepName,
		ToolID: toolID, EventType: EventLLMTokens, Provider: provider, Operation: "llm_tokens_input",
		Quantity: float64(inputTokens), Unit: "tokens",
		CostUSD:     t.prices.Price(provider, "llm_tokens_input") * float64(inputTokens),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  duration,
	}
	outputEvt = Event{
		JobID: jobID, TenantID: tenantID, StepIndex: stepIndex, StepName: stepName,
		ToolID: toolID, EventType: EventLLMTokens, Provider: provider, Operation: "llm_tokens_output",
		Quantity: float64(outputTokens), Unit: "tokens",
		CostUSD:     t.prices.Price(provider, "llm_tokens_output") * float64(outputTokens),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  duration,
	}
	t.append(jobID, inputEvt, outputEvt)
	return inputEvt, outputEvt
}

func (t *Tracker) append(jobID string, events ...Event) {
	log := t.logFor(jobID)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.events = append(log.events, events...)
}

// GetJobEvents returns every recorded event for jobID in append order.
func (t *Tracker) GetJobEvents(jobID string) []Event {
	log := t.logFor(jobID)
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]Event, len(log.events))
	copy(out, log.events)
	return out
}

// GetStepCosts groups events by step index, ascending.
func (t *Tracker) GetStepCosts(jobID string) []StepCost {
	events := t.GetJobEvents(jobID)
	byStep := make(map[int]*StepCost)
	for _, e := range events {
		sc, ok := byStep[e.StepIndex]
		if !ok {
			sc = &StepCost{StepIndex: e.StepIndex}
			byStep[e.StepIndex] = sc
		}
		sc.CostUSD += e.CostUSD
		sc.DurationMs += e.DurationMs
	}
	out := make([]StepCost, 0, len(byStep))
	for _, sc := range byStep {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// GetJobCostSummary computes the total cost, total duration, a
// provider/event-type breakdown, and the set of distinct step indexes.
// Summation is associative and therefore order-independent.
func (t *Tracker) GetJobCostSummary(jobID string) JobCostSummary {
	events := t.GetJobEvents(jobID)
	summary := JobCostSummary{JobID: jobID, Breakdown: make(map[string]float64)}
	stepSet := make(map[int]struct{})
	for _, e := range events {
		summary.TotalCostUSD += e.CostUSD
		summary.TotalDuration += e.DurationMs
		summary.Breakdown[string(e.Provider)+"/"+string(e.EventType)] += e.CostUSD
		stepSet[e.StepIndex] = struct{}{}
	}
	steps := make([]int, 0, len(stepSet))
	for idx := range stepSet {
		steps = append(steps, idx)
	}
	sort.Ints(steps)
	summary.StepIndexes = steps
	return summary
}

// CompleteJob returns the final summary; the log remains until ClearJob.
func (t *Tracker) CompleteJob(jobID string) JobCostSummary {
	return t.GetJobCostSummary(jobID)
}

// ClearJob discards jobID's event log, releasing its memory. Call after the
// job's artifacts are also cleared, since both are owned by the job.
func (t *Tracker) ClearJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}
