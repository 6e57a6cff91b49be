package reshare

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

type pendingMsg struct {
	from ids.DeviceId
	to   *ids.DeviceId // nil for broadcast
	eff  protocol.Effect
}

func drive(t *testing.T, sessions map[ids.DeviceId]*Session, caps *simtest.Backend, from ids.DeviceId, effs []protocol.Effect) map[ids.DeviceId]protocol.Step {
	t.Helper()
	results := make(map[ids.DeviceId]protocol.Step)
	byAuthority := make(map[ids.AuthorityId]ids.DeviceId, len(sessions))
	for d := range sessions {
		byAuthority[d.AsAuthorityId()] = d
	}

	var queue []pendingMsg
	enqueue := func(from ids.DeviceId, effs []protocol.Effect) {
		for _, e := range effs {
			switch e.Kind {
			case protocol.EffectSend:
				to := byAuthority[e.To]
				queue = append(queue, pendingMsg{from: from, to: &to, eff: e})
			case protocol.EffectBroadcast:
				queue = append(queue, pendingMsg{from: from, eff: e})
			}
		}
	}
	enqueue(from, effs)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		var targets []ids.DeviceId
		if p.to != nil {
			targets = []ids.DeviceId{*p.to}
		} else {
			for d := range sessions {
				if d != p.from {
					targets = append(targets, d)
				}
			}
		}
		for _, d := range targets {
			step := sessions[d].Step(protocol.MessageInput(p.from.AsAuthorityId(), p.eff.Payload), caps)
			require.Nil(t, step.Err)
			if step.Termination != protocol.Ongoing {
				results[d] = step
			}
			enqueue(d, step.Effects)
		}
	}
	return results
}

func TestReshareEndToEnd(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 13, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})
	oldPub, oldShares, err := caps.GenerateThresholdKeys(threshold.DealerBased, 2, 3)
	require.NoError(t, err)

	devices := []ids.DeviceId{ids.NewDeviceId(), ids.NewDeviceId(), ids.NewDeviceId()}
	sessions := make(map[ids.DeviceId]*Session, 3)
	for _, d := range devices {
		sessions[d] = NewSession(d, devices, oldPub, 0, 100)
	}

	var coordinator ids.DeviceId
	for d, sess := range sessions {
		if sess.isCoordinator() {
			coordinator = d
		}
	}

	results := make(map[ids.DeviceId]protocol.Step)
	step := sessions[coordinator].Start(oldShares, 2, 4, caps)
	if step.Termination != protocol.Ongoing {
		results[coordinator] = step
	}
	for d, r := range drive(t, sessions, caps, coordinator, step.Effects) {
		results[d] = r
	}

	require.Len(t, results, 3)
	var groupKeyBytes []byte
	for d, r := range results {
		require.Equal(t, protocol.Complete, r.Termination, "device %s", d)
		res, ok := r.Output.(Result)
		require.True(t, ok)
		require.Equal(t, 2, res.PublicKeyPkg.Threshold)
		require.Equal(t, 4, res.PublicKeyPkg.Total)
		gk := res.PublicKeyPkg.GroupPublicKey.Bytes()
		if groupKeyBytes == nil {
			groupKeyBytes = gk[:]
		} else {
			require.Equal(t, groupKeyBytes, gk[:], "every participant must see the same group public key")
		}
	}
}
