package simtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
)

func TestSameSeedProducesIdenticalRandomness(t *testing.T) {
	a := New(ids.NewAuthorityId(), 42, nil, flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100})
	b := New(ids.NewAuthorityId(), 42, nil, flowbudget.ReplenishRule{PerEpoch: 10, Cap: 100})
	require.Equal(t, a.RandomBytes32(), b.RandomBytes32())
	require.Equal(t, a.RandomUint64(), b.RandomUint64())
}

func TestChargeFlowReplenishesAndChains(t *testing.T) {
	self := ids.NewAuthorityId()
	peer := ids.NewAuthorityId()
	ctxID := ids.NewContextId()
	backend := New(self, 1, nil, flowbudget.ReplenishRule{PerEpoch: 10, Cap: 10})

	ctx := context.Background()
	r1, err := backend.ChargeFlow(ctx, ctxID, peer, 4)
	require.NoError(t, err)
	require.True(t, r1.PrevHash.IsZero())

	r2, err := backend.ChargeFlow(ctx, ctxID, peer, 4)
	require.NoError(t, err)
	require.Equal(t, r1.Hash(), r2.PrevHash)

	_, err = backend.ChargeFlow(ctx, ctxID, peer, 100)
	require.ErrorIs(t, err, flowbudget.ErrInsufficientBudget)
}

func TestHubDeliversSendAndBroadcast(t *testing.T) {
	hub := NewHub()
	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()
	a := New(alice, 1, hub, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})
	b := New(bob, 2, hub, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	ctx := context.Background()
	require.NoError(t, a.SendToPeer(ctx, effects.PeerID(bob.String()), []byte("hello")))
	from, payload, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, effects.PeerID(alice.String()), from)
	require.Equal(t, []byte("hello"), payload)
}

var _ effects.Effects = (*Backend)(nil)
