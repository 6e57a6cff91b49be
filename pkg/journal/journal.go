// Package journal implements the append-only, causally-ordered fact log
// described in spec.md §4.B: a join-semilattice of Facts per ContextId,
// reduced by a registry of per-type_id FactReducers. Grounded on the
// teacher's pkg/ledger/store.go (per-key JSON records over a KV, explicit
// key layout, ErrMetaNotFound-style "no value yet" sentinels) for the
// bookkeeping shape, and pkg/commitment/commitment.go for canonical
// hashing and pairwise Merkle reduction (reused here for compaction
// evidence roots).
package journal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/threshold"
)

var (
	ErrNonceReused       = errors.New("journal: nonce already used by this author in this context")
	ErrParentMissing     = errors.New("journal: parent_hash not yet observed, fact buffered")
	ErrSignatureInvalid  = errors.New("journal: signature does not verify")
	ErrUnknownType       = errors.New("journal: unregistered fact type_id")
	ErrCompactionEvidence = errors.New("journal: compaction evidence missing, acknowledgement refused")
	ErrCompactionPruned  = errors.New("journal: fact body was pruned by compaction")
)

// TypeID is the stable per-domain registry value carried on every Fact.
type TypeID uint16

// Well-known domain type_ids. Packages outside journal register their own
// FactReducer under one of these (or a further domain-specific constant)
// rather than journal inventing domain semantics itself.
const (
	TypeTreeOpApplied TypeID = iota + 1
	TypeIntentCompleted
	TypeDelegation
	TypeRevocation
	TypeInvitationCeremony
	TypeFlowReceipt
	TypeLeakageEvent
	TypePresenceTicket
	TypeRecoverySession
	TypeRelationship
	TypeProposeCompaction
	TypeCompactionAck
	TypeCommitCompaction
	TypeOperationLock
)

// Fact is the unit stored in the journal (spec.md §3).
type Fact struct {
	FactID        ids.ContentId
	ContextID     ids.ContextId
	Author        ids.AuthorityId
	LamportTS     uint64
	ParentHash    *cryptocore.Hash32
	SchemaVersion uint16
	TypeID        TypeID
	Nonce         uint64
	Payload       []byte
	Signature     threshold.Signature
}

// CanonicalBytes is the pre-image hashed for fact_id and for parent_hash
// binding by descendants; it excludes the signature field, per spec.md §6.
func (f Fact) CanonicalBytes() []byte {
	var buf []byte
	buf = append(buf, f.ContextID.String()...)
	buf = append(buf, f.Author.String()...)
	buf = appendUint64(buf, f.LamportTS)
	if f.ParentHash != nil {
		buf = append(buf, f.ParentHash[:]...)
	}
	buf = appendUint16(buf, f.SchemaVersion)
	buf = appendUint16(buf, uint16(f.TypeID))
	buf = appendUint64(buf, f.Nonce)
	buf = append(buf, f.Payload...)
	return buf
}

func (f Fact) Hash() cryptocore.Hash32 {
	return cryptocore.Blake3Sum32(f.CanonicalBytes())
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

// FactReducer folds one domain's facts into its own opaque accumulator.
// The registry applies the reducer matching a fact's TypeID; unknown
// type_ids are retained in the set (forward-compat) but contribute
// nothing to current state, per spec.md §4.B.
type FactReducer interface {
	TypeID() TypeID
	// Fold applies f to acc and returns the updated accumulator. Fold
	// must be commutative and idempotent over the set it is applied to:
	// the registry guarantees a stable traversal order (by FactID) so a
	// reducer that is a pure monotonic merge over that order satisfies
	// spec.md §4.B's idempotence/commutativity/associativity invariants.
	Fold(acc any, f Fact) any
	// Zero returns the reducer's empty accumulator.
	Zero() any
}

type authorCtxKey struct {
	author ids.AuthorityId
	ctx    ids.ContextId
}

// Journal is a mapping from ContextId to a set of Facts, per spec.md §4.B.
type Journal struct {
	mu        sync.Mutex
	facts     map[ids.ContextId]map[ids.ContentId]Fact
	heads     map[authorCtxKey]cryptocore.Hash32
	nonces    map[authorCtxKey]map[uint64]struct{}
	nextNonce map[authorCtxKey]uint64
	clock     uint64
	pending   map[ids.ContextId][]Fact
	registry  map[TypeID]FactReducer
	compacted map[ids.ContextId]uint64 // compact_before_epoch per context, once committed
	log       *log.Logger
}

func New() *Journal {
	return &Journal{
		facts:     make(map[ids.ContextId]map[ids.ContentId]Fact),
		heads:     make(map[authorCtxKey]cryptocore.Hash32),
		nonces:    make(map[authorCtxKey]map[uint64]struct{}),
		nextNonce: make(map[authorCtxKey]uint64),
		pending:   make(map[ids.ContextId][]Fact),
		registry:  make(map[TypeID]FactReducer),
		compacted: make(map[ids.ContextId]uint64),
		log:       log.New(os.Stderr, "[Journal] ", log.LstdFlags),
	}
}

// RegisterReducer installs a domain's fold function under its TypeID.
func (j *Journal) RegisterReducer(r FactReducer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.registry[r.TypeID()] = r
}

// localHead returns the last fact hash this author is known to have
// produced in context_id, or the zero hash for a fresh (author, context)
// pair.
func (j *Journal) localHead(author ids.AuthorityId, ctx ids.ContextId) cryptocore.Hash32 {
	return j.heads[authorCtxKey{author: author, ctx: ctx}]
}

// PrepareFact implements the append protocol's publishing half (spec.md
// §4.B steps 1-3): observes the local head, stamps parent_hash/lamport_ts/
// nonce, and signs the canonical bytes with signFn. It advances the
// author's head and next nonce to the new fact, so a second fact
// prepared before the first is inserted names the first as its parent.
func (j *Journal) PrepareFact(ctx ids.ContextId, author ids.AuthorityId, typeID TypeID, schemaVersion uint16, payload []byte, signFn func([]byte) threshold.Signature) Fact {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := authorCtxKey{author: author, ctx: ctx}
	head := j.heads[key]
	var parent *cryptocore.Hash32
	if !head.IsZero() {
		h := head
		parent = &h
	}

	j.clock++
	nonce := j.nextNonce[key]
	if applied := uint64(len(j.nonces[key])); applied > nonce {
		nonce = applied
	}
	j.nextNonce[key] = nonce + 1

	f := Fact{
		ContextID:     ctx,
		Author:        author,
		LamportTS:     j.clock,
		ParentHash:    parent,
		SchemaVersion: schemaVersion,
		TypeID:        typeID,
		Nonce:         nonce,
		Payload:       payload,
	}
	if signFn != nil {
		f.Signature = signFn(f.CanonicalBytes())
	}
	f.FactID = ids.ContentIdFromHash(f.Hash())
	j.heads[key] = f.Hash()
	return f
}

// Insert is the receiving half (spec.md §4.B step 4): verifies nonce
// uniqueness and parent_hash causal binding, buffers facts whose parent
// has not yet been observed, and applies the rest. Signature verification
// is the caller's responsibility (it requires the capability chain, which
// journal does not own) — callers must verify before calling Insert, since
// a fact that fails verification must be rejected locally and never
// gossiped (spec.md §4.B "Failure semantics").
func (j *Journal) Insert(f Fact) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.insertLocked(f)
}

func (j *Journal) insertLocked(f Fact) error {
	key := authorCtxKey{author: f.Author, ctx: f.ContextID}

	if _, seen := j.nonces[key][f.Nonce]; seen {
		return fmt.Errorf("%w: author=%s ctx=%s nonce=%d", ErrNonceReused, f.Author, f.ContextID, f.Nonce)
	}

	if f.ParentHash != nil {
		if !j.hasHash(f.ContextID, *f.ParentHash) {
			j.pending[f.ContextID] = append(j.pending[f.ContextID], f)
			return fmt.Errorf("%w: fact=%s", ErrParentMissing, f.FactID)
		}
	}

	j.apply(f)
	j.retryPending(f.ContextID)
	return nil
}

func (j *Journal) apply(f Fact) {
	key := authorCtxKey{author: f.Author, ctx: f.ContextID}
	if j.nonces[key] == nil {
		j.nonces[key] = make(map[uint64]struct{})
	}
	j.nonces[key][f.Nonce] = struct{}{}

	if j.facts[f.ContextID] == nil {
		j.facts[f.ContextID] = make(map[ids.ContentId]Fact)
	}
	j.facts[f.ContextID][f.FactID] = f

	if f.LamportTS > j.clock {
		j.clock = f.LamportTS
	}
	j.clock++

	j.heads[key] = f.Hash()
}

func (j *Journal) hasHash(ctx ids.ContextId, h cryptocore.Hash32) bool {
	for _, f := range j.facts[ctx] {
		if f.Hash() == h {
			return true
		}
	}
	return false
}

// retryPending re-attempts buffered facts for ctx whose parent may now be
// satisfied; it loops until a pass makes no progress.
func (j *Journal) retryPending(ctx ids.ContextId) {
	for {
		batch := j.pending[ctx]
		if len(batch) == 0 {
			return
		}
		var remaining []Fact
		progressed := false
		for _, f := range batch {
			if f.ParentHash != nil && !j.hasHash(ctx, *f.ParentHash) {
				remaining = append(remaining, f)
				continue
			}
			j.apply(f)
			progressed = true
		}
		j.pending[ctx] = remaining
		if !progressed {
			return
		}
	}
}

// Snapshot returns a copy of the fact set for ctx, suitable for Join.
func (j *Journal) Snapshot(ctx ids.ContextId) map[ids.ContentId]Fact {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[ids.ContentId]Fact, len(j.facts[ctx]))
	for k, v := range j.facts[ctx] {
		out[k] = v
	}
	return out
}

// Join is the CRDT join-semilattice operator: set union by content-addressed
// FactID. It is idempotent, commutative, and associative because it is
// ordinary map union keyed by a value that is itself a hash of the fact's
// immutable contents (spec.md §4.B, §8 "CRDT laws").
func Join(sets ...map[ids.ContentId]Fact) map[ids.ContentId]Fact {
	out := make(map[ids.ContentId]Fact)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// MergeInto joins delta into the journal's local view of ctx, inserting
// whatever delta contains that is not already present, in content-hash
// order so the result is independent of delta's iteration order.
func (j *Journal) MergeInto(ctx ids.ContextId, delta map[ids.ContentId]Fact) error {
	ordered := make([]Fact, 0, len(delta))
	for _, f := range delta {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, k int) bool { return ordered[i].FactID.String() < ordered[k].FactID.String() })

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, f := range ordered {
		if _, exists := j.facts[ctx][f.FactID]; exists {
			continue
		}
		// Best-effort: ignore nonce/parent errors during merge of a
		// remote delta whose dependency order differs from ours; the
		// retry loop below will pick them up once their parent lands.
		_ = j.insertLocked(f)
	}
	return nil
}

// CausalOrder returns the facts for ctx sorted so that every fact
// appears after the parent it names in parent_hash (spec.md §8 "causal
// order preservation"). It sorts by LamportTS first: PrepareFact and
// apply only ever advance the local clock forward, so a fact's
// parent_hash predecessor always carries a strictly smaller LamportTS
// than the fact itself, whether authored locally or merged in from a
// remote journal. Facts with no causal relationship (different authors,
// no shared ancestor) break ties by FactID for a deterministic, if
// otherwise arbitrary, total order.
func (j *Journal) CausalOrder(ctx ids.ContextId) []Fact {
	j.mu.Lock()
	facts := make([]Fact, 0, len(j.facts[ctx]))
	for _, f := range j.facts[ctx] {
		facts = append(facts, f)
	}
	j.mu.Unlock()

	sort.Slice(facts, func(i, k int) bool {
		if facts[i].LamportTS != facts[k].LamportTS {
			return facts[i].LamportTS < facts[k].LamportTS
		}
		return facts[i].FactID.String() < facts[k].FactID.String()
	})
	return facts
}

// Fold reduces the fact set for ctx through the registered FactReducers,
// traversing in stable FactID order so the result does not depend on
// insertion order (spec.md §4.B invariant 2, §8 "concurrent convergence").
func (j *Journal) Fold(ctx ids.ContextId) map[TypeID]any {
	j.mu.Lock()
	facts := make([]Fact, 0, len(j.facts[ctx]))
	for _, f := range j.facts[ctx] {
		facts = append(facts, f)
	}
	registry := make(map[TypeID]FactReducer, len(j.registry))
	for k, v := range j.registry {
		registry[k] = v
	}
	j.mu.Unlock()

	sort.Slice(facts, func(i, k int) bool { return facts[i].FactID.String() < facts[k].FactID.String() })

	acc := make(map[TypeID]any, len(registry))
	for t, r := range registry {
		acc[t] = r.Zero()
	}
	for _, f := range facts {
		r, ok := registry[f.TypeID]
		if !ok {
			continue // unknown type_id: retained in the set, contributes nothing
		}
		acc[f.TypeID] = r.Fold(acc[f.TypeID], f)
	}
	return acc
}
