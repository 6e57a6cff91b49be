// Package flowbudget implements the FlowBudget and Receipt types from
// spec.md §3/§4.D: a per (context_id, peer_authority) integer counter
// with a replenishment rule, charged through chained, non-replayable
// receipts. Grounded on the teacher's pkg/batch/cost_tracker.go shape
// (a mutex-guarded running counter plus a per-charge record), adapted
// from USD/gas cost accounting to an abstract integer budget with a
// signed hash-chain instead of a running total.
package flowbudget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/threshold"
)

var ErrInsufficientBudget = errors.New("flowbudget: insufficient budget")

// ReplenishRule describes how a budget refills over time.
type ReplenishRule struct {
	// PerEpoch is the amount added to the counter every time Epoch
	// advances past the last-seen epoch, capped at Cap.
	PerEpoch int64
	Cap      int64
}

// Receipt is the signed, chained record of one charge (spec.md §3).
type Receipt struct {
	ContextID   ids.ContextId
	Source      ids.AuthorityId
	Destination ids.AuthorityId
	Epoch       uint64
	Cost        int64
	Nonce       uint64
	PrevHash    cryptocore.Hash32
	Signature   threshold.Signature
}

// CanonicalBytes is the pre-image hashed for chaining and signing; it
// excludes the signature field itself, matching the fact-hashing rule
// in spec.md §6.
func (r Receipt) CanonicalBytes() []byte {
	var buf []byte
	buf = append(buf, r.ContextID.String()...)
	buf = append(buf, r.Source.String()...)
	buf = append(buf, r.Destination.String()...)
	buf = append(buf, byte(r.Epoch), byte(r.Epoch>>8), byte(r.Epoch>>16), byte(r.Epoch>>24))
	buf = append(buf, byte(r.Cost), byte(r.Cost>>8), byte(r.Cost>>16), byte(r.Cost>>24))
	buf = append(buf, byte(r.Nonce), byte(r.Nonce>>8), byte(r.Nonce>>16), byte(r.Nonce>>24))
	buf = append(buf, r.PrevHash[:]...)
	return buf
}

func (r Receipt) Hash() cryptocore.Hash32 {
	return cryptocore.Blake3Sum32(r.CanonicalBytes())
}

// pairKey identifies one (context, src, dst) chain.
type pairKey struct {
	ctx ids.ContextId
	src ids.AuthorityId
	dst ids.AuthorityId
}

// Ledger tracks one account's flow budgets across contexts and peers,
// charging chained receipts. It is the implementation behind the
// effects.FlowBudgetEffect group.
type Ledger struct {
	mu        sync.Mutex
	rule      ReplenishRule
	balances  map[pairKey]int64
	lastEpoch map[pairKey]uint64
	lastHash  map[pairKey]cryptocore.Hash32
	nonces    map[pairKey]uint64
}

func NewLedger(rule ReplenishRule) *Ledger {
	return &Ledger{
		rule:      rule,
		balances:  make(map[pairKey]int64),
		lastEpoch: make(map[pairKey]uint64),
		lastHash:  make(map[pairKey]cryptocore.Hash32),
		nonces:    make(map[pairKey]uint64),
	}
}

// Charge deducts cost from the (ctx, src, dst) budget at the given
// epoch, replenishing first if the epoch has advanced, and returns the
// chained receipt. signFn lets the caller supply a threshold signature
// (or a degenerate single-signer one) over the receipt's canonical
// bytes without this package depending on a signing session.
func (l *Ledger) Charge(ctxID ids.ContextId, src, dst ids.AuthorityId, epoch uint64, cost int64, signFn func([]byte) threshold.Signature) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{ctx: ctxID, src: src, dst: dst}
	if _, seen := l.lastEpoch[key]; !seen {
		// A pair's first charge starts from a full budget.
		l.balances[key] = l.rule.Cap
		l.lastEpoch[key] = epoch
	} else if epoch > l.lastEpoch[key] {
		delta := int64(epoch-l.lastEpoch[key]) * l.rule.PerEpoch
		l.balances[key] += delta
		if l.balances[key] > l.rule.Cap {
			l.balances[key] = l.rule.Cap
		}
		l.lastEpoch[key] = epoch
	}
	if l.balances[key] < cost {
		return Receipt{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBudget, l.balances[key], cost)
	}
	l.balances[key] -= cost

	nonce := l.nonces[key]
	l.nonces[key]++

	r := Receipt{
		ContextID:   ctxID,
		Source:      src,
		Destination: dst,
		Epoch:       epoch,
		Cost:        cost,
		Nonce:       nonce,
		PrevHash:    l.lastHash[key],
	}
	if signFn != nil {
		r.Signature = signFn(r.CanonicalBytes())
	}
	l.lastHash[key] = r.Hash()
	return r, nil
}

// Balance reports the current (possibly stale, pre-replenishment)
// balance for a pair, used by guard evaluation previews.
func (l *Ledger) Balance(ctxID ids.ContextId, src, dst ids.AuthorityId) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[pairKey{ctx: ctxID, src: src, dst: dst}]
}

// VerifyChain checks that each receipt's PrevHash equals the hash of
// its predecessor, the property spec.md §8 calls "flow-budget
// auditability".
func VerifyChain(receipts []Receipt) bool {
	var prev cryptocore.Hash32
	for i, r := range receipts {
		if i == 0 {
			if !r.PrevHash.IsZero() {
				return false
			}
		} else if r.PrevHash != prev {
			return false
		}
		prev = r.Hash()
	}
	return true
}
