package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
	"github.com/auranet/aura/pkg/policy"
	"github.com/auranet/aura/pkg/threshold"
	"github.com/auranet/aura/pkg/tree"
)

func newTestCoordinator(t *testing.T, seed int64) (*Coordinator, ids.AuthorityId) {
	t.Helper()
	self := ids.NewAuthorityId()
	caps := simtest.New(self, seed, nil, flowbudget.ReplenishRule{PerEpoch: 1000, Cap: 10000})
	j := journal.New()
	pol := policy.Default()
	rt := tree.New(tree.Policy{Threshold: 1, Total: 10, RecoveryThreshold: 1})
	ctxID := ids.NewContextId()
	account := ids.NewAccountId()
	c := New(ctxID, account, self, nil, j, caps, pol, rt)
	return c, self
}

func newLeaf(t *testing.T) tree.LeafNode {
	t.Helper()
	return tree.LeafNode{
		LeafID:     ids.NewLeafId(),
		Role:       tree.RoleDevice,
		KeyPackage: tree.KeyPackage{SigningKey: []byte("sk")},
	}
}

func TestAddDeviceThenRotate(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	device := ids.NewDeviceId()

	idx, err := c.AddDevice(context.Background(), device, newLeaf(t))
	require.NoError(t, err)
	require.Equal(t, ids.LeafIndex(0), idx)
	require.Equal(t, 1, c.t.NumLeaves())

	commitBefore := c.t.Commitment()
	require.NoError(t, c.RotateDevice(context.Background(), device, idx))
	commitAfter := c.t.Commitment()

	require.NotEqual(t, commitBefore.Hash, commitAfter.Hash)
	require.Equal(t, commitBefore.Epoch+1, commitAfter.Epoch)
	require.NotNil(t, commitAfter.Prev)
	require.Equal(t, commitBefore.Hash, *commitAfter.Prev)
}

func TestAddDeviceAllocatesDenseIndexes(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	deviceA := ids.NewDeviceId()
	deviceB := ids.NewDeviceId()

	idxA, err := c.AddDevice(context.Background(), deviceA, newLeaf(t))
	require.NoError(t, err)
	idxB, err := c.AddDevice(context.Background(), deviceB, newLeaf(t))
	require.NoError(t, err)

	require.Equal(t, ids.LeafIndex(0), idxA)
	require.Equal(t, ids.LeafIndex(1), idxB)
}

func TestLockMutualExclusion(t *testing.T) {
	c, _ := newTestCoordinator(t, 3)
	deviceA := ids.NewDeviceId()
	deviceB := ids.NewDeviceId()

	require.NoError(t, c.AcquireLock(context.Background(), OpAddDevice, deviceA))
	err := c.AcquireLock(context.Background(), OpAddDevice, deviceB)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.ReleaseLock(OpAddDevice, deviceA))
	require.NoError(t, c.AcquireLock(context.Background(), OpAddDevice, deviceB))
}

func TestLockArbitrationPicksOneWinnerAmongConcurrentRequests(t *testing.T) {
	c, _ := newTestCoordinator(t, 4)
	devices := []ids.DeviceId{ids.NewDeviceId(), ids.NewDeviceId(), ids.NewDeviceId()}

	grants := 0
	denials := 0
	for _, d := range devices {
		err := c.AcquireLock(context.Background(), OpRemoveDevice, d)
		if err == nil {
			grants++
		} else {
			require.ErrorIs(t, err, ErrLockHeld)
			denials++
		}
	}
	require.Equal(t, 1, grants)
	require.Equal(t, len(devices)-1, denials)
}

func TestRemoveDeviceBelowThresholdFails(t *testing.T) {
	c, _ := newTestCoordinator(t, 5)
	device := ids.NewDeviceId()

	idx, err := c.AddDevice(context.Background(), device, newLeaf(t))
	require.NoError(t, err)

	err = c.RemoveDevice(context.Background(), device, idx)
	require.ErrorIs(t, err, ErrIntentFailed)
	require.Equal(t, 1, c.t.NumLeaves())
}

// TestConcurrentIntentsOnSameSnapshotSupersedeLoser seeds a still-Pending
// intent sharing the current snapshot_commitment directly into the
// pending pool (modelling a second coordinator's in-flight submission
// observed through the journal) and checks that a conflicting,
// higher-priority submission supersedes it rather than both applying.
func TestConcurrentIntentsOnSameSnapshotSupersedeLoser(t *testing.T) {
	c, _ := newTestCoordinator(t, 6)
	deviceA := ids.NewDeviceId()
	deviceB := ids.NewDeviceId()

	staleLeaf := newLeaf(t)
	staleLeaf.LeafIndex = 0
	staleOp := tree.TreeOperation{Kind: tree.OpAddLeaf, NewLeaf: staleLeaf}
	stale := tree.NewIntent(ids.NewIntentId(), staleOp, c.t, deviceA, c.caps.PhysicalTime().TsMs)
	stale.Priority = 50 // lower than tree.DefaultPriority, so it loses ties
	c.intents[stale.IntentID] = &stale

	leafB := newLeaf(t)
	leafB.LeafIndex = 0
	opB := tree.TreeOperation{Kind: tree.OpAddLeaf, NewLeaf: leafB}
	_, err := c.submitAndApply(opB, deviceB)
	require.NoError(t, err)

	require.Equal(t, tree.IntentSuperseded, c.intents[stale.IntentID].Status)
	require.Equal(t, 1, c.t.NumLeaves())
}

func TestRelationshipFactsReduceBySubject(t *testing.T) {
	c, _ := newTestCoordinator(t, 7)
	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()
	carol := ids.NewAuthorityId()
	channel := ids.NewContextId()

	require.NoError(t, c.RecordRelationshipFact(RelationshipFact{Kind: ContactAdded, Subject: alice, Peer: bob}))
	require.NoError(t, c.RecordRelationshipFact(RelationshipFact{Kind: GuardianDesignated, Subject: alice, Peer: carol}))
	require.NoError(t, c.RecordRelationshipFact(RelationshipFact{Kind: ChannelJoined, Subject: alice, Peer: bob, Channel: channel}))
	require.NoError(t, c.RecordRelationshipFact(RelationshipFact{Kind: PeerBlocked, Subject: alice, Peer: carol}))

	view := c.RelationalView()
	_, isContact := view.Contacts[alice][bob]
	require.True(t, isContact)
	_, isGuardian := view.Guardians[alice][carol]
	require.True(t, isGuardian)
	_, inChannel := view.Channels[alice][channel]
	require.True(t, inChannel)
	_, isBlocked := view.Blocked[alice][carol]
	require.True(t, isBlocked)
	// Blocking a guardian does not retract the guardian designation.
	_, stillGuardian := view.Guardians[alice][carol]
	require.True(t, stillGuardian)
}

func TestStartRecoveryEnforcesCooldown(t *testing.T) {
	c, _ := newTestCoordinator(t, 8)
	actor := ids.NewDeviceId()
	c.lastRecoveryAtMs = c.caps.PhysicalTime().TsMs

	guardianPID := map[ids.AuthorityId]threshold.ParticipantID{
		ids.NewAuthorityId(): 1,
		ids.NewAuthorityId(): 2,
	}
	_, _, err := c.StartRecovery(context.Background(), actor, ids.NewSessionId(), guardianPID, 2, []byte("share"))
	require.ErrorIs(t, err, ErrRecoveryCooldown)
}

func TestStartRecoveryGrantsLockWhenCooldownElapsed(t *testing.T) {
	c, _ := newTestCoordinator(t, 9)
	actor := ids.NewDeviceId()

	guardianPID := map[ids.AuthorityId]threshold.ParticipantID{
		ids.NewAuthorityId(): 1,
		ids.NewAuthorityId(): 2,
	}
	session, release, err := c.StartRecovery(context.Background(), actor, ids.NewSessionId(), guardianPID, 2, []byte("share"))
	require.NoError(t, err)
	require.NotNil(t, session)
	release()

	// Lock was released; a second device can acquire the same class.
	other := ids.NewDeviceId()
	require.NoError(t, c.AcquireLock(context.Background(), OpStartRecovery, other))
}

func TestPollIntentStatusReturnsImmediatelyForResolvedIntent(t *testing.T) {
	c, _ := newTestCoordinator(t, 10)
	device := ids.NewDeviceId()
	idx, err := c.AddDevice(context.Background(), device, newLeaf(t))
	require.NoError(t, err)

	var resolvedID ids.IntentId
	for id, intent := range c.intents {
		if intent.Op.Kind == tree.OpAddLeaf && intent.Op.NewLeaf.LeafIndex == idx {
			resolvedID = id
		}
	}
	status, err := c.PollIntentStatus(context.Background(), resolvedID, 0)
	require.NoError(t, err)
	require.Equal(t, tree.IntentCompleted, status)
}

func TestGetIntentStatusUnknownIntent(t *testing.T) {
	c, _ := newTestCoordinator(t, 11)
	_, err := c.GetIntentStatus(ids.NewIntentId())
	require.ErrorIs(t, err, ErrUnknownIntent)
}
