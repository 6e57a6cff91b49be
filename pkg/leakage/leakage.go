// Package leakage implements LeakageEvent/LeakageBudget from spec.md
// §3/§4.D: a per-context vector over observer classes, each with an
// independent cap, recording how many metadata bits an operation
// exposes to each class of observer. Modeled on flowbudget's ledger
// shape (the two budgets are siblings in the guard chain) rather than
// on any single teacher file, since the teacher repository has no
// leakage-accounting concept of its own.
package leakage

import (
	"context"
	"sync"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
)

// Budget is the set of independent per-observer-class caps for one
// context.
type Budget struct {
	Caps map[effects.ObserverClass]int64
}

type perContext struct {
	spent   map[effects.ObserverClass]int64
	history []effects.LeakageEvent
}

// Tracker implements the effects.LeakageEffect group.
type Tracker struct {
	mu      sync.Mutex
	budgets map[ids.ContextId]Budget
	state   map[ids.ContextId]*perContext
}

func NewTracker() *Tracker {
	return &Tracker{
		budgets: make(map[ids.ContextId]Budget),
		state:   make(map[ids.ContextId]*perContext),
	}
}

// SetBudget installs (or replaces) the cap vector for a context. Policy
// changes are expected to flow through RefreshPolicy tree operations
// (pkg/tree) before reaching here; this is the enforcement point only.
func (t *Tracker) SetBudget(ctxID ids.ContextId, b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[ctxID] = b
}

func (t *Tracker) ctxState(ctxID ids.ContextId) *perContext {
	s, ok := t.state[ctxID]
	if !ok {
		s = &perContext{spent: make(map[effects.ObserverClass]int64)}
		t.state[ctxID] = s
	}
	return s
}

func (t *Tracker) RecordLeakage(_ context.Context, event effects.LeakageEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ctxState(event.ContextID)
	s.spent[event.ObserverClass] += event.Bits
	s.history = append(s.history, event)
	return nil
}

func (t *Tracker) CheckLeakageBudget(_ context.Context, ctxID ids.ContextId, class effects.ObserverClass, amount int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	budget, ok := t.budgets[ctxID]
	if !ok {
		// No budget configured for this context means unconstrained —
		// matches the teacher's "optional oracle, default permissive"
		// posture in pkg/batch/cost_tracker.go.
		return true, nil
	}
	cap, ok := budget.Caps[class]
	if !ok {
		return true, nil
	}
	s := t.ctxState(ctxID)
	return s.spent[class]+amount <= cap, nil
}

func (t *Tracker) GetLeakageHistory(_ context.Context, ctxID ids.ContextId, sinceMs *int64) ([]effects.LeakageEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[ctxID]
	if !ok {
		return nil, nil
	}
	if sinceMs == nil {
		out := make([]effects.LeakageEvent, len(s.history))
		copy(out, s.history)
		return out, nil
	}
	var out []effects.LeakageEvent
	for _, e := range s.history {
		if e.TsMs >= *sinceMs {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ effects.LeakageEffect = (*Tracker)(nil)
