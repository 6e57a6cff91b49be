package tree

import (
	"sort"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
)

// OperationKind tags the TreeOperation sum type's variant.
type OperationKind int

const (
	OpAddLeaf OperationKind = iota
	OpRemoveLeaf
	OpRotateEpoch
	OpRefreshPolicy
)

// TreeOperation is the sum type from spec.md §3/§4.C: AddLeaf, RemoveLeaf,
// RotateEpoch, RefreshPolicy. Exactly one of the per-kind fields is
// meaningful for a given Kind.
type TreeOperation struct {
	Kind OperationKind

	// AddLeaf
	NewLeaf LeafNode

	// RemoveLeaf / shared leaf target for RotateEpoch's path computation
	TargetLeafIndex ids.LeafIndex

	// RotateEpoch
	Affected []NodeIndex

	// RefreshPolicy
	NewPolicy Policy
}

// IntentStatus is the lifecycle state of an Intent (spec.md §3).
type IntentStatus int

const (
	IntentPending IntentStatus = iota
	IntentExecuting
	IntentCompleted
	IntentFailed
	IntentSuperseded
)

// Intent requests a tree mutation and is arbitrated against concurrent
// intents sharing the same snapshot (spec.md §3, §4.C).
type Intent struct {
	IntentID           ids.IntentId
	Op                 TreeOperation
	PathSpan           []NodeIndex
	SnapshotCommitment cryptocore.Hash32
	Priority           uint8
	Author             ids.DeviceId
	CreatedAtMs        int64
	Metadata           map[string]string
	Status             IntentStatus
}

// DefaultPriority is the coordinator's default for tree-mutation intents
// (spec.md §4.F step 3).
const DefaultPriority = 100

// NewIntent constructs an Intent with its PathSpan computed from the
// snapshot tree — never an empty stub, per spec.md §9's Open Question.
func NewIntent(id ids.IntentId, op TreeOperation, snapshot *RatchetTree, author ids.DeviceId, createdAtMs int64) Intent {
	commitment := snapshot.Commitment()
	var path []NodeIndex
	switch op.Kind {
	case OpAddLeaf:
		path = snapshot.AffectedPath(op.NewLeaf.LeafIndex)
	case OpRemoveLeaf:
		path = snapshot.AffectedPath(op.TargetLeafIndex)
	case OpRotateEpoch:
		path = op.Affected
	case OpRefreshPolicy:
		path = []NodeIndex{{Height: treeHeight(snapshot.NumLeaves()), Pos: 0}} // root only
	}
	return Intent{
		IntentID:           id,
		Op:                 op,
		PathSpan:           path,
		SnapshotCommitment: commitment.Hash,
		Priority:           DefaultPriority,
		Author:             author,
		CreatedAtMs:        createdAtMs,
		Status:             IntentPending,
	}
}

// targetLeafIndexes returns the leaf_index(es) an intent targets, used
// for the "overlapping leaf_index" half of the conflict rule.
func targetLeafIndexes(op TreeOperation) []ids.LeafIndex {
	switch op.Kind {
	case OpAddLeaf:
		return []ids.LeafIndex{op.NewLeaf.LeafIndex}
	case OpRemoveLeaf:
		return []ids.LeafIndex{op.TargetLeafIndex}
	default:
		return nil
	}
}

// Conflicts reports whether two intents sharing the same snapshot_commitment
// conflict: their affected_paths overlap, or they target overlapping
// leaf_indexes (spec.md §4.C).
func Conflicts(a, b Intent) bool {
	if a.SnapshotCommitment != b.SnapshotCommitment {
		return false
	}
	if Overlaps(a.PathSpan, b.PathSpan) {
		return true
	}
	al := targetLeafIndexes(a.Op)
	bl := targetLeafIndexes(b.Op)
	for _, x := range al {
		for _, y := range bl {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Arbitrate orders a set of mutually conflicting intents by
// (priority desc, intent_id asc) and marks every loser Superseded,
// returning the winner (spec.md §4.C, §4.F).
func Arbitrate(intents []Intent) (winner Intent, losers []Intent) {
	sorted := make([]Intent, len(intents))
	copy(sorted, intents)
	sort.Slice(sorted, func(i, k int) bool {
		if sorted[i].Priority != sorted[k].Priority {
			return sorted[i].Priority > sorted[k].Priority
		}
		return sorted[i].IntentID.String() < sorted[k].IntentID.String()
	})
	winner = sorted[0]
	for _, l := range sorted[1:] {
		l.Status = IntentSuperseded
		losers = append(losers, l)
	}
	return winner, losers
}
