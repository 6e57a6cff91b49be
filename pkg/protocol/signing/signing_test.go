package signing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

// drive delivers every broadcast effect in the queue to every other
// session, feeding their resulting effects back into the queue, until
// none remain. Terminal outputs are recorded into results as they
// occur.
func drive(t *testing.T, sessions map[ids.DeviceId]*Session, results map[ids.DeviceId]protocol.Step, from ids.DeviceId, effs []protocol.Effect, caps *simtest.Backend) {
	t.Helper()
	type pending struct {
		from ids.DeviceId
		eff  protocol.Effect
	}
	var queue []pending
	for _, e := range effs {
		queue = append(queue, pending{from: from, eff: e})
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p.eff.Kind != protocol.EffectBroadcast {
			continue
		}
		for dev, sess := range sessions {
			if dev == p.from {
				continue
			}
			step := sess.Step(protocol.MessageInput(p.from.AsAuthorityId(), p.eff.Payload), caps)
			require.Nil(t, step.Err)
			if step.Termination == protocol.Complete {
				results[dev] = step
			}
			for _, e := range step.Effects {
				queue = append(queue, pending{from: dev, eff: e})
			}
		}
	}
}

func TestThresholdSigningEndToEnd(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 7, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	pub, keys, err := caps.GenerateThresholdKeys(threshold.DealerBased, 2, 3)
	require.NoError(t, err)

	devices := []ids.DeviceId{ids.NewDeviceId(), ids.NewDeviceId(), ids.NewDeviceId()}
	pids := []threshold.ParticipantID{1, 2, 3}

	sessions := make(map[ids.DeviceId]*Session, 3)
	for i, dev := range devices {
		sessions[dev] = NewSession(dev, devices, keys[pids[i]], pub, 0, 100)
	}

	var coordinator ids.DeviceId
	for dev, sess := range sessions {
		if sess.isCoordinator() {
			coordinator = dev
		}
	}

	results := make(map[ids.DeviceId]protocol.Step)
	step := sessions[coordinator].Start([]byte("sign me"), caps)
	if step.Termination == protocol.Complete {
		results[coordinator] = step
	}
	drive(t, sessions, results, coordinator, step.Effects, caps)

	require.Len(t, results, 3)
	var first []byte
	for dev, r := range results {
		sig, ok := r.Output.(threshold.Signature)
		require.True(t, ok, "device %s produced no signature output", dev)
		require.True(t, caps.VerifyThresholdSignature([]byte("sign me"), sig, pub))
		if first == nil {
			first = sig.Bytes()
		} else {
			require.Equal(t, first, sig.Bytes(), "every participant must converge on the same aggregated signature")
		}
	}
}

func TestSigningRejectsUnknownParticipant(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 11, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})
	pub, keys, err := caps.GenerateThresholdKeys(threshold.DealerBased, 2, 2)
	require.NoError(t, err)

	devices := []ids.DeviceId{ids.NewDeviceId(), ids.NewDeviceId()}
	s := NewSession(devices[0], devices, keys[1], pub, 0, 100)
	s.state = AwaitingCommitments

	stranger := ids.NewDeviceId().AsAuthorityId()
	msg := wrap("commit", commitMsg{ParticipantID: 9})
	step := s.Step(protocol.MessageInput(stranger, msg), caps)
	require.Equal(t, protocol.Failed, step.Termination)
	require.ErrorIs(t, step.Err, ErrUnknownParticipant)
}
