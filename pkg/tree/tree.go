// Package tree implements the ratchet tree from spec.md §4.C: a
// left-balanced binary membership tree keyed by LeafId/LeafIndex, with
// commitments chained across epochs and a conflict/ordering model over
// concurrent Intents. Grounded on the teacher's pkg/merkle/tree.go
// (mutex-guarded level-by-level node storage, sentinel errors, a
// NewTree/Build constructor pair) and pkg/commitment/commitment.go
// (pairwise hash reduction reused here for the commitment root).
package tree

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
)

var (
	ErrDenseAllocation  = errors.New("tree: leaf_index must equal num_leaves for a new leaf")
	ErrLeafOutOfRange   = errors.New("tree: leaf_index out of range")
	ErrEmptyRotation    = errors.New("tree: RotateEpoch requires a non-empty affected set")
	ErrBelowThreshold   = errors.New("tree: operation would bring membership below policy threshold")
	ErrPolicyUnauthorized = errors.New("tree: policy change not authorised")
	ErrChainBroken      = errors.New("tree: commitment chain does not bind to the previous commitment")
)

// Role distinguishes the two kinds of occupant a leaf can hold.
type Role int

const (
	RoleDevice Role = iota
	RoleGuardian
)

// KeyPackage is the signing/encryption material carried by a leaf
// (spec.md §3).
type KeyPackage struct {
	SigningKey    []byte
	EncryptionKey []byte // optional
}

// LeafNode occupies one position in the tree (spec.md §3).
type LeafNode struct {
	LeafID     ids.LeafId
	LeafIndex  ids.LeafIndex
	KeyPackage KeyPackage
	Role       Role
	Metadata   map[string]string
	Tombstone  bool
}

// Policy carries the tree's threshold configuration (spec.md §3:
// "policy (threshold m, total n, recovery guardian threshold, TTLs)").
type Policy struct {
	Threshold          int
	Total              int
	RecoveryThreshold  int
	CapabilityTTLEpochs uint64
	FreshnessBoundEpochs uint64
}

// NodeIndex addresses one node in the virtual complete binary tree: a
// leaf at LeafIndex i sits at (Height: 0, Pos: i); its ancestor at
// distance h from the leaf sits at (Height: h, Pos: i>>h). This mirrors
// the teacher's level-by-level node storage in pkg/merkle/tree.go,
// generalized from a fixed-leaf-set Merkle batch to a mutable membership
// tree.
type NodeIndex struct {
	Height int
	Pos    int
}

// Commitment is the 32-byte root hash over (leaves, epoch, policy),
// chained across epochs (spec.md §3, §4.C).
type Commitment struct {
	Hash cryptocore.Hash32
	Prev *cryptocore.Hash32
	Epoch uint64
}

// RatchetTree is the versioned membership structure (spec.md §4.C).
type RatchetTree struct {
	mu         sync.RWMutex
	leaves     []LeafNode // dense prefix 0..n-1; tombstoned leaves remain present
	nodeKeys   map[NodeIndex]cryptocore.Hash32
	epoch      uint64
	commitment Commitment
	policy     Policy
}

// New constructs an empty tree with the given policy; the genesis
// commitment is computed over zero leaves at epoch 0.
func New(policy Policy) *RatchetTree {
	t := &RatchetTree{
		nodeKeys: make(map[NodeIndex]cryptocore.Hash32),
		policy:   policy,
	}
	t.commitment = Commitment{Hash: t.computeRoot(), Epoch: 0}
	return t
}

func (t *RatchetTree) NumLeaves() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

func (t *RatchetTree) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

func (t *RatchetTree) Commitment() Commitment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitment
}

func (t *RatchetTree) Policy() Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy
}

// Leaves returns a copy of the current leaf slice.
func (t *RatchetTree) Leaves() []LeafNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LeafNode, len(t.leaves))
	copy(out, t.leaves)
	return out
}

func treeHeight(numLeaves int) int {
	h := 0
	for (1 << h) < numLeaves {
		h++
	}
	return h
}

// AffectedPath returns the co-path node indices from leafIndex to the
// root under the tree's current height — the list of node indices whose
// keys must rotate for a mutation at that leaf (spec.md §4.C). It is
// always computed from the snapshot tree, never left as an empty stub
// (spec.md §9 Open Question).
func (t *RatchetTree) AffectedPath(leafIndex ids.LeafIndex) []NodeIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.affectedPathLocked(int(leafIndex), len(t.leaves))
}

func (t *RatchetTree) affectedPathLocked(leafIndex, numLeaves int) []NodeIndex {
	h := treeHeight(numLeaves)
	path := make([]NodeIndex, 0, h+1)
	for height := 0; height <= h; height++ {
		path = append(path, NodeIndex{Height: height, Pos: leafIndex >> uint(height)})
	}
	return path
}

// computeRoot derives the commitment hash over (leaves, epoch, policy).
func (t *RatchetTree) computeRoot() cryptocore.Hash32 {
	var parts [][]byte
	for _, l := range t.leaves {
		b := append([]byte(nil), l.LeafID.String()...)
		b = append(b, byte(l.LeafIndex), byte(l.LeafIndex>>8), byte(l.LeafIndex>>16), byte(l.LeafIndex>>24))
		b = append(b, byte(l.Role))
		if l.Tombstone {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = append(b, l.KeyPackage.SigningKey...)
		parts = append(parts, b)
	}
	var epochBuf [8]byte
	for i := 0; i < 8; i++ {
		epochBuf[i] = byte(t.epoch >> (8 * i))
	}
	parts = append(parts, epochBuf[:])
	parts = append(parts, policyBytes(t.policy))
	return cryptocore.Blake3Sum32(parts...)
}

func policyBytes(p Policy) []byte {
	return []byte(fmt.Sprintf("m=%d,n=%d,rt=%d,ttl=%d,fresh=%d", p.Threshold, p.Total, p.RecoveryThreshold, p.CapabilityTTLEpochs, p.FreshnessBoundEpochs))
}

// advance recomputes the commitment, chaining it to the previous one, and
// increments the epoch — every mutating operation below routes through
// this so "epoch strictly increases on mutation" always holds.
func (t *RatchetTree) advance() Commitment {
	prev := t.commitment.Hash
	t.epoch++
	root := t.computeRoot()
	c := Commitment{Hash: root, Prev: &prev, Epoch: t.epoch}
	t.commitment = c
	return c
}

// AddLeaf appends a leaf at the dense next index (spec.md §4.C).
func (t *RatchetTree) AddLeaf(leaf LeafNode) (Commitment, []NodeIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(leaf.LeafIndex) != len(t.leaves) {
		return Commitment{}, nil, fmt.Errorf("%w: got %d, want %d", ErrDenseAllocation, leaf.LeafIndex, len(t.leaves))
	}
	t.leaves = append(t.leaves, leaf)
	path := t.affectedPathLocked(int(leaf.LeafIndex), len(t.leaves))
	c := t.advance()
	return c, path, nil
}

// RemoveLeaf tombstones a leaf in place (spec.md §4.C).
func (t *RatchetTree) RemoveLeaf(leafIndex ids.LeafIndex) (Commitment, []NodeIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(leafIndex) >= len(t.leaves) {
		return Commitment{}, nil, fmt.Errorf("%w: index=%d num_leaves=%d", ErrLeafOutOfRange, leafIndex, len(t.leaves))
	}
	remaining := t.activeCountLocked() - 1
	if remaining < t.policy.Threshold {
		return Commitment{}, nil, fmt.Errorf("%w: remaining=%d threshold=%d", ErrBelowThreshold, remaining, t.policy.Threshold)
	}
	t.leaves[leafIndex].Tombstone = true
	path := t.affectedPathLocked(int(leafIndex), len(t.leaves))
	c := t.advance()
	return c, path, nil
}

func (t *RatchetTree) activeCountLocked() int {
	n := 0
	for _, l := range t.leaves {
		if !l.Tombstone {
			n++
		}
	}
	return n
}

// RotateEpoch regenerates keys for the listed internal nodes and emits a
// new commitment without changing membership (spec.md §4.C).
func (t *RatchetTree) RotateEpoch(affected []NodeIndex, newKeys map[NodeIndex]cryptocore.Hash32) (Commitment, error) {
	if len(affected) == 0 {
		return Commitment{}, ErrEmptyRotation
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range affected {
		if k, ok := newKeys[n]; ok {
			t.nodeKeys[n] = k
		}
	}
	return t.advance(), nil
}

// RefreshPolicy replaces the policy and rotates the epoch, affecting the
// root only (spec.md §4.C).
func (t *RatchetTree) RefreshPolicy(newPolicy Policy, authorised bool) (Commitment, error) {
	if !authorised {
		return Commitment{}, ErrPolicyUnauthorized
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = newPolicy
	return t.advance(), nil
}

// VerifyChain checks that each commitment's Prev equals the hash of its
// predecessor (spec.md §4.C "Chain validity is part of the tree's
// invariant").
func VerifyChain(commitments []Commitment) bool {
	var prev cryptocore.Hash32
	for i, c := range commitments {
		if i == 0 {
			if c.Prev != nil {
				return false
			}
		} else if c.Prev == nil || *c.Prev != prev {
			return false
		}
		prev = c.Hash
	}
	return true
}

// Overlaps reports whether two affected_path slices share a node, used by
// the coordinator's intent-conflict check (spec.md §4.C).
func Overlaps(a, b []NodeIndex) bool {
	seen := make(map[NodeIndex]struct{}, len(a))
	for _, n := range a {
		seen[n] = struct{}{}
	}
	for _, n := range b {
		if _, ok := seen[n]; ok {
			return true
		}
	}
	return false
}

// SortedLeafIndexes is a small helper used by tests and conflict checks
// that need a deterministic listing of active leaves.
func SortedLeafIndexes(leaves []LeafNode) []ids.LeafIndex {
	var out []ids.LeafIndex
	for _, l := range leaves {
		if !l.Tombstone {
			out = append(out, l.LeafIndex)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}
