package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
)

func TestAddDeviceThenRotateEndToEnd(t *testing.T) {
	policy := Policy{Threshold: 1, Total: 1}
	rt := New(policy)

	d1 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 0, Role: RoleDevice, KeyPackage: KeyPackage{SigningKey: []byte("d1")}}
	c0, _, err := rt.AddLeaf(d1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c0.Epoch)

	d2 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 1, Role: RoleDevice, KeyPackage: KeyPackage{SigningKey: []byte("d2")}}
	c1, path, err := rt.AddLeaf(d2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), c1.Epoch)
	require.NotEmpty(t, path, "affected_path must be computed, never an empty stub")
	require.Equal(t, 2, rt.NumLeaves())

	rotatePath := rt.AffectedPath(0)
	c2, err := rt.RotateEpoch(rotatePath, map[NodeIndex]cryptocore.Hash32{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), c2.Epoch)
	require.Equal(t, []ids.LeafIndex{0, 1}, SortedLeafIndexes(rt.Leaves()))
}

func TestCommitmentChainValidity(t *testing.T) {
	policy := Policy{Threshold: 1, Total: 1}
	rt := New(policy)
	genesis := rt.Commitment()
	d1 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 0, Role: RoleDevice}
	c0, _, err := rt.AddLeaf(d1)
	require.NoError(t, err)
	d2 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 1, Role: RoleDevice}
	c1, _, err := rt.AddLeaf(d2)
	require.NoError(t, err)

	require.True(t, VerifyChain([]Commitment{genesis, c0, c1}))
}

func TestRemoveLeafBelowThresholdRejected(t *testing.T) {
	policy := Policy{Threshold: 2, Total: 2}
	rt := New(policy)
	d1 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 0, Role: RoleDevice}
	_, _, err := rt.AddLeaf(d1)
	require.NoError(t, err)
	d2 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 1, Role: RoleDevice}
	_, _, err = rt.AddLeaf(d2)
	require.NoError(t, err)

	_, _, err = rt.RemoveLeaf(0)
	require.ErrorIs(t, err, ErrBelowThreshold)
}

func TestIntentConflictAndArbitration(t *testing.T) {
	rt := New(Policy{Threshold: 1, Total: 1})
	d1 := LeafNode{LeafID: ids.NewLeafId(), LeafIndex: 0, Role: RoleDevice}
	_, _, err := rt.AddLeaf(d1)
	require.NoError(t, err)

	op := TreeOperation{Kind: OpRemoveLeaf, TargetLeafIndex: 0}
	i1 := NewIntent(ids.NewIntentId(), op, rt, ids.NewDeviceId(), 0)
	i2 := NewIntent(ids.NewIntentId(), op, rt, ids.NewDeviceId(), 0)
	i2.Priority = 200

	require.True(t, Conflicts(i1, i2))
	winner, losers := Arbitrate([]Intent{i1, i2})
	require.Equal(t, i2.IntentID, winner.IntentID, "higher priority wins")
	require.Len(t, losers, 1)
	require.Equal(t, IntentSuperseded, losers[0].Status)
}
