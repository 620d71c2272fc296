package cost

import (
	"sync"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Record is one append-only cost entry. Records are created by the
// BudgetEnforcer whenever a priced operation runs and are never mutated
// or deleted by the orchestration core; retention is an external concern.
type Record struct {
	ID             types.ID          `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Category       string            `json:"category"`
	Service        string            `json:"service,omitempty"`
	Operation      string            `json:"operation"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	ResourceID     string            `json:"resource_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	BudgetPolicyID types.ID          `json:"budget_policy_id"`
}

// Ledger is an append-only, thread-safe record of cost entries with running
// aggregates per budget policy. Concurrently dispatched steps record cost
// through the same ledger, so Append is an atomic operation.
type Ledger struct {
	mu      sync.RWMutex
	records []Record

	// Running aggregates, keyed by budget policy id.
	totals     map[types.ID]float64
	byCategory map[types.ID]map[string]float64
	firstAt    map[types.ID]time.Time
}

// NewLedger creates an empty cost ledger.
func NewLedger() *Ledger {
	return &Ledger{
		totals:     make(map[types.ID]float64),
		byCategory: make(map[types.ID]map[string]float64),
		firstAt:    make(map[types.ID]time.Time),
	}
}

// Append adds a record to the ledger and updates the running aggregates.
// A zero ID or timestamp is filled in. The stored record is returned.
func (l *Ledger) Append(rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID.IsZero() {
		rec.ID = types.NewID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	l.records = append(l.records, rec)
	l.totals[rec.BudgetPolicyID] += rec.Amount

	cats, ok := l.byCategory[rec.BudgetPolicyID]
	if !ok {
		cats = make(map[string]float64)
		l.byCategory[rec.BudgetPolicyID] = cats
	}
	cats[rec.Category] += rec.Amount

	if _, ok := l.firstAt[rec.BudgetPolicyID]; !ok {
		l.firstAt[rec.BudgetPolicyID] = rec.Timestamp
	}

	return rec
}

// TotalFor returns the running total recorded against a budget policy.
func (l *Ledger) TotalFor(policyID types.ID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[policyID]
}

// CategoryTotals returns a copy of the per-category running totals for a policy.
func (l *Ledger) CategoryTotals(policyID types.ID) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.byCategory[policyID]))
	for category, amount := range l.byCategory[policyID] {
		out[category] = amount
	}
	return out
}

// FirstRecordedAt returns the timestamp of the first record for a policy.
// The second return is false when nothing has been recorded yet.
func (l *Ledger) FirstRecordedAt(policyID types.ID) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	at, ok := l.firstAt[policyID]
	return at, ok
}

// Records returns a copy of all records for a policy in append order.
func (l *Ledger) Records(policyID types.ID) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, rec := range l.records {
		if rec.BudgetPolicyID == policyID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the total number of records in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
