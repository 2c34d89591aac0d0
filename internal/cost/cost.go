// Package cost accumulates per-request token usage and spend for one
// engine run.
package cost

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repolens/repolens/internal/model"
	"github.com/repolens/repolens/pkg/wire"
)

// Entry is one usage report priced at append time. Entries are never
// mutated; totals are always derived by summing.
type Entry struct {
	ID        string
	Usage     wire.Usage
	Cost      float64
	Model     string
	Timestamp int64
}

// ToWire renders the entry for cost_update frames.
func (e Entry) ToWire() wire.CostEntry {
	return wire.CostEntry{
		Usage:     e.Usage,
		Cost:      e.Cost,
		Model:     e.Model,
		Timestamp: e.Timestamp,
	}
}

// Ledger is the append-only usage record.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends one usage report. The model's pricing is applied unless
// the runtime reported a cost itself, which wins.
func (l *Ledger) Add(u wire.Usage, m model.Model, reportedCost float64) Entry {
	cost := m.Cost(u)
	if reportedCost > 0 {
		cost = reportedCost
	}
	entry := Entry{
		ID:        uuid.New().String(),
		Usage:     u,
		Cost:      cost,
		Model:     m.ID,
		Timestamp: time.Now().UnixMilli(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry
}

// Totals sums every entry.
func (l *Ledger) Totals() wire.CostTotals {
	l.mu.Lock()
	defer l.mu.Unlock()

	var t wire.CostTotals
	for _, e := range l.entries {
		t.Usage = t.Usage.Add(e.Usage)
		t.Cost += e.Cost
		t.Requests++
	}
	return t
}

// Latest returns the most recent entry, if any.
func (l *Ledger) Latest() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Len reports the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the ledger.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
