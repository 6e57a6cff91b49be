package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
)

func TestNetworkPartitionDropsMessages(t *testing.T) {
	hub := simtest.NewHub()
	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()
	rule := flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100}

	a := New(alice, 1, hub, rule, FaultTable{
		"network.send": {Type: NetworkPartition, Probability: 1.0, Persistent: true},
	})
	simtest.New(bob, 2, hub, rule)

	err := a.SendToPeer(context.Background(), effects.PeerID(bob.String()), []byte("hi"))
	require.Error(t, err)

	// Persistent: a second send fails even without re-rolling the table.
	a.tbl["network.send"] = FaultSpec{} // disable the table entry...
	err = a.SendToPeer(context.Background(), effects.PeerID(bob.String()), []byte("hi"))
	require.Error(t, err, "partition should persist once latched")

	a.Heal(effects.PeerID(bob.String()))
	err = a.SendToPeer(context.Background(), effects.PeerID(bob.String()), []byte("hi"))
	require.NoError(t, err)
}

func TestBroadcastFaultIsolatedPerPeer(t *testing.T) {
	hub := simtest.NewHub()
	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()
	carol := ids.NewAuthorityId()
	rule := flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100}

	a := New(alice, 3, hub, rule, nil)
	bBackend := simtest.New(bob, 4, hub, rule)
	cBackend := simtest.New(carol, 5, hub, rule)

	require.NoError(t, a.Broadcast(context.Background(), []byte("hello")))

	_, payload, err := bBackend.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)

	_, payload, err = cBackend.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestStorageFailureFault(t *testing.T) {
	self := ids.NewAuthorityId()
	rule := flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100}
	b := New(self, 6, nil, rule, FaultTable{
		"storage.store": {Type: StorageFailure, Probability: 1.0},
	})

	err := b.Store(context.Background(), "k", []byte("v"))
	require.Error(t, err)
}

func TestTimeDesyncOffsetsClock(t *testing.T) {
	self := ids.NewAuthorityId()
	rule := flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100}
	b := New(self, 7, nil, rule, FaultTable{
		"clock.time": {Type: TimeDesync, Probability: 1.0, Persistent: true, OffsetMs: 5000},
	})

	t1 := b.PhysicalTime()
	require.Equal(t, int64(5000), t1.TsMs)

	// Disable the table entry; the persistent offset should still apply.
	b.tbl["clock.time"] = FaultSpec{}
	t2 := b.PhysicalTime()
	require.Equal(t, int64(5000), t2.TsMs)
}

func TestNoFaultTableBehavesLikeSimtest(t *testing.T) {
	self := ids.NewAuthorityId()
	rule := flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100}
	b := New(self, 8, nil, rule, nil)

	require.NoError(t, b.Store(context.Background(), "k", []byte("v")))
	v, ok, err := b.Retrieve(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}
