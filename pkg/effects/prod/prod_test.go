package prod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
)

// loopbackNetwork is a minimal effects.Network fake so prod.Backend can
// be exercised without a real transport.
type loopbackNetwork struct {
	sent chan []byte
}

func (l *loopbackNetwork) SendToPeer(_ context.Context, _ effects.PeerID, payload []byte) error {
	l.sent <- payload
	return nil
}
func (l *loopbackNetwork) Broadcast(ctx context.Context, payload []byte) error {
	return l.SendToPeer(ctx, "", payload)
}
func (l *loopbackNetwork) Receive(ctx context.Context) (effects.PeerID, []byte, error) {
	select {
	case p := <-l.sent:
		return "self", p, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}
func (l *loopbackNetwork) ReceiveFrom(ctx context.Context, _ effects.PeerID) ([]byte, error) {
	_, p, err := l.Receive(ctx)
	return p, err
}
func (l *loopbackNetwork) PeerEvents() <-chan effects.PeerEvent { return make(chan effects.PeerEvent) }

func TestBackendSatisfiesEffects(t *testing.T) {
	self := ids.NewAuthorityId()
	epoch := uint64(0)
	backend := New(Config{
		Self:       self,
		EpochFunc:  func() uint64 { return epoch },
		Network:    &loopbackNetwork{sent: make(chan []byte, 4)},
		FlowBudget: flowbudget.ReplenishRule{PerEpoch: 10, Cap: 10},
	})

	ctx := context.Background()
	pub, priv, err := backend.GenerateEd25519()
	require.NoError(t, err)
	sig := backend.Ed25519Sign(priv, []byte("msg"))
	require.True(t, backend.Ed25519Verify(pub, []byte("msg"), sig))

	require.NoError(t, backend.SendToPeer(ctx, "peer", []byte("hi")))
	_, payload, err := backend.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), payload)

	receipt, err := backend.ChargeFlow(ctx, ids.NewContextId(), ids.NewAuthorityId(), 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), receipt.Cost)
}
