package journal

import (
	"fmt"
	"sort"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
)

// CompactionProposal is the payload of a TypeProposeCompaction fact
// (spec.md §4.B "Compaction").
type CompactionProposal struct {
	CompactionID        ids.ContentId
	CompactBeforeEpoch  uint64
	PreservedSessionIDs []ids.SessionId
}

// CompactionAck is the payload of a TypeCompactionAck fact: the
// acknowledging device's evidence root over every commitment it holds
// strictly before CompactBeforeEpoch. Acknowledgement without evidence
// must be refused by the caller before ever constructing this fact.
type CompactionAck struct {
	CompactionID ids.ContentId
	Acknowledger ids.AuthorityId
	EvidenceRoot cryptocore.Hash32
}

// CompactionCommit is the payload of a TypeCommitCompaction fact, emitted
// once a threshold of acknowledgements has joined.
type CompactionCommit struct {
	CompactionID       ids.ContentId
	CompactBeforeEpoch uint64
}

// EvidenceRoot computes the pairwise Merkle reduction over a set of
// commitment hashes a device holds, in the same fold-left pairing shape
// as the teacher's commitment.ComputeGovernanceMerkleRoot, swapped to
// Blake3 per spec.md §3.
func EvidenceRoot(commitments []cryptocore.Hash32) cryptocore.Hash32 {
	if len(commitments) == 0 {
		return cryptocore.Hash32{}
	}
	level := make([][]byte, len(commitments))
	for i, c := range commitments {
		cc := c
		level[i] = cc[:]
	}
	sort.Slice(level, func(i, k int) bool {
		for b := 0; b < len(level[i]); b++ {
			if level[i][b] != level[k][b] {
				return level[i][b] < level[k][b]
			}
		}
		return false
	})
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := cryptocore.Blake3Sum32(level[i], level[i+1])
			hc := h
			next = append(next, hc[:])
		}
		level = next
	}
	var out cryptocore.Hash32
	copy(out[:], level[0])
	return out
}

// VerifyCompactionAck checks that an acknowledging device's claimed
// evidence root matches the Merkle reduction of the commitments it claims
// to hold; an ack failing this check must be rejected (spec.md §4.B:
// "Acknowledgement without evidence is refused").
func VerifyCompactionAck(ack CompactionAck, heldCommitments []cryptocore.Hash32) error {
	want := EvidenceRoot(heldCommitments)
	if want != ack.EvidenceRoot {
		return fmt.Errorf("%w: compaction=%s acknowledger=%s", ErrCompactionEvidence, ack.CompactionID, ack.Acknowledger)
	}
	return nil
}

// compactionReducer folds ProposeCompaction/Ack/CommitCompaction facts
// into a per-compaction-id acknowledgement count, so PruneBefore is a
// pure function over the join of all acks: two honest devices, given the
// same join, prune identically (spec.md §4.B).
type compactionReducer struct{ threshold int }

// CompactionState is the accumulator folded by compactionReducer.
type CompactionState struct {
	Proposals map[ids.ContentId]CompactionProposal
	Acks      map[ids.ContentId]map[ids.AuthorityId]CompactionAck
	Committed map[ids.ContentId]CompactionCommit
}

func NewCompactionReducer(ackThreshold int) FactReducer {
	return compactionReducer{threshold: ackThreshold}
}

func (compactionReducer) TypeID() TypeID { return TypeProposeCompaction }

func (r compactionReducer) Zero() any {
	return CompactionState{
		Proposals: make(map[ids.ContentId]CompactionProposal),
		Acks:      make(map[ids.ContentId]map[ids.AuthorityId]CompactionAck),
		Committed: make(map[ids.ContentId]CompactionCommit),
	}
}

// Fold is registered once under TypeProposeCompaction but the caller is
// expected to route all three compaction fact types into it via
// journal.FoldCompaction, since they share one accumulator; see that
// helper below rather than the plain TypeID-keyed Fold used for
// single-type domains.
func (r compactionReducer) Fold(acc any, f Fact) any {
	return acc
}

// FoldCompaction reduces the three compaction fact types for ctx into one
// CompactionState, independent of traversal order (each branch is a
// monotonic map insert keyed by content-addressed ids).
func (j *Journal) FoldCompaction(ctx ids.ContextId, ackThreshold int, decode func(TypeID, []byte) any) CompactionState {
	j.mu.Lock()
	facts := make([]Fact, 0, len(j.facts[ctx]))
	for _, f := range j.facts[ctx] {
		facts = append(facts, f)
	}
	j.mu.Unlock()

	sort.Slice(facts, func(i, k int) bool { return facts[i].FactID.String() < facts[k].FactID.String() })

	r := NewCompactionReducer(ackThreshold).(compactionReducer)
	state := r.Zero().(CompactionState)

	for _, f := range facts {
		switch f.TypeID {
		case TypeProposeCompaction:
			if p, ok := decode(f.TypeID, f.Payload).(CompactionProposal); ok {
				state.Proposals[p.CompactionID] = p
			}
		case TypeCompactionAck:
			if a, ok := decode(f.TypeID, f.Payload).(CompactionAck); ok {
				if state.Acks[a.CompactionID] == nil {
					state.Acks[a.CompactionID] = make(map[ids.AuthorityId]CompactionAck)
				}
				state.Acks[a.CompactionID][a.Acknowledger] = a
			}
		case TypeCommitCompaction:
			if c, ok := decode(f.TypeID, f.Payload).(CompactionCommit); ok {
				state.Committed[c.CompactionID] = c
			}
		}
	}
	return state
}

// PruneBefore returns the set of FactIDs in ctx eligible for pruning given
// a committed compaction, excluding the three protected categories named
// in spec.md §4.B: the latest tree commitment, preserved session
// snapshots, and DKD evidence roots needed to verify post-compaction
// signatures. Callers supply those as keepFactIDs.
func (j *Journal) PruneBefore(ctx ids.ContextId, compactBeforeEpoch uint64, epochOf func(Fact) uint64, keepFactIDs map[ids.ContentId]struct{}) []ids.ContentId {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []ids.ContentId
	for id, f := range j.facts[ctx] {
		if _, keep := keepFactIDs[id]; keep {
			continue
		}
		if epochOf(f) < compactBeforeEpoch {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].String() < out[k].String() })
	return out
}

// Prune physically removes the given fact ids from ctx's set. It is the
// caller's responsibility to have derived ids via PruneBefore against a
// committed compaction; Prune itself performs no protection checks.
func (j *Journal) Prune(ctx ids.ContextId, factIDs []ids.ContentId) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range factIDs {
		delete(j.facts[ctx], id)
	}
}
