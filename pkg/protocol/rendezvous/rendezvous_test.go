package rendezvous

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
)

func TestRendezvousAuthenticatesOnMatchingPSK(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 41, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()
	psk := []byte("shared-pre-established-secret")

	initiator := NewSession(alice, bob, psk, []byte("alice-static-pub"))
	responder := NewSession(bob, alice, psk, []byte("bob-static-pub"))

	offerStep := initiator.Start(caps)
	require.Equal(t, AwaitingAnswer, initiator.State())
	require.Len(t, offerStep.Effects, 1)

	answerStep := responder.Step(protocol.MessageInput(alice, offerStep.Effects[0].Payload), caps)
	require.Equal(t, protocol.Complete, answerStep.Termination)
	require.Equal(t, Authenticated, responder.State())
	responderResult := answerStep.Output.(Result)
	require.Equal(t, []byte("alice-static-pub"), responderResult.PeerStaticPub)

	finalStep := initiator.Step(protocol.MessageInput(bob, answerStep.Effects[0].Payload), caps)
	require.Equal(t, protocol.Complete, finalStep.Termination)
	require.Equal(t, Authenticated, initiator.State())
	initiatorResult := finalStep.Output.(Result)
	require.Equal(t, []byte("bob-static-pub"), initiatorResult.PeerStaticPub)
}

func TestRendezvousRejectsMismatchedPSK(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 43, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	alice := ids.NewAuthorityId()
	bob := ids.NewAuthorityId()

	initiator := NewSession(alice, bob, []byte("alices-psk"), []byte("alice-static-pub"))
	responder := NewSession(bob, alice, []byte("a-different-psk"), []byte("bob-static-pub"))

	offerStep := initiator.Start(caps)
	answerStep := responder.Step(protocol.MessageInput(alice, offerStep.Effects[0].Payload), caps)
	require.Equal(t, protocol.Complete, answerStep.Termination)

	finalStep := initiator.Step(protocol.MessageInput(bob, answerStep.Effects[0].Payload), caps)
	require.Equal(t, protocol.Failed, finalStep.Termination)
	require.ErrorIs(t, finalStep.Err, ErrBindingMismatch)
	require.Equal(t, Rejected, initiator.State())
}
