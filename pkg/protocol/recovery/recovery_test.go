package recovery

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
	from ids.AuthorityId
	to   *ids.AuthorityId
	eff  protocol.Effect
}

func drive(t *testing.T, sessions map[ids.AuthorityId]*Session, caps *simtest.Backend, from ids.AuthorityId, effs []protocol.Effect) map[ids.AuthorityId]protocol.Step {
	t.Helper()
	results := make(map[ids.AuthorityId]protocol.Step)
	var queue []pendingMsg
	enqueue := func(from ids.AuthorityId, effs []protocol.Effect) {
		for _, e := range effs {
			switch e.Kind {
			case protocol.EffectSend:
				to := e.To
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
		var targets []ids.AuthorityId
		if p.to != nil {
			targets = []ids.AuthorityId{*p.to}
		} else {
			for party := range sessions {
				if party != p.from {
					targets = append(targets, party)
				}
			}
		}
		for _, party := range targets {
			step := sessions[party].Step(protocol.MessageInput(p.from, p.eff.Payload), caps)
			require.Nil(t, step.Err)
			if step.Termination != protocol.Ongoing {
				results[party] = step
			}
			enqueue(party, step.Effects)
		}
	}
	return results
}

func TestRecoveryEndToEnd(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 17, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	var accountRoot [32]byte
	copy(accountRoot[:], []byte("account-root-secret-material"))

	guardians := []ids.AuthorityId{ids.NewAuthorityId(), ids.NewAuthorityId(), ids.NewAuthorityId()}
	guardianThreshold := 2
	shares, err := caps.SplitSecret(accountRoot, guardianThreshold, len(guardians))
	require.NoError(t, err)

	guardianPID := make(map[ids.AuthorityId]threshold.ParticipantID, len(guardians))
	for i, g := range guardians {
		guardianPID[g] = threshold.ParticipantID(i + 1)
	}

	recoveringDevice := ids.NewAuthorityId()
	recovering := ids.NewAccountId()
	sessionID := ids.NewSessionId()

	sessions := make(map[ids.AuthorityId]*Session, len(guardians)+1)
	sessions[recoveringDevice] = NewSession(recoveringDevice, recoveringDevice, recovering, sessionID, guardianPID, guardianThreshold, nil, 0, 1000)
	for _, g := range guardians {
		pid := guardianPID[g]
		sessions[g] = NewSession(g, recoveringDevice, recovering, sessionID, guardianPID, guardianThreshold, shares[pid], 0, 1000)
	}

	step := sessions[recoveringDevice].Start()
	results := drive(t, sessions, caps, recoveringDevice, step.Effects)

	final, ok := results[recoveringDevice]
	require.True(t, ok, "recovering device never reached a terminal state")
	require.Equal(t, protocol.Complete, final.Termination)
	root, ok := final.Output.([32]byte)
	require.True(t, ok)
	require.Equal(t, accountRoot, root)
}

func TestRecoveryAbortsWithoutEnoughApprovals(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 19, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})

	var accountRoot [32]byte
	copy(accountRoot[:], []byte("another-root"))
	guardians := []ids.AuthorityId{ids.NewAuthorityId(), ids.NewAuthorityId(), ids.NewAuthorityId()}
	guardianThreshold := 2
	shares, err := caps.SplitSecret(accountRoot, guardianThreshold, len(guardians))
	require.NoError(t, err)

	guardianPID := make(map[ids.AuthorityId]threshold.ParticipantID, len(guardians))
	for i, g := range guardians {
		guardianPID[g] = threshold.ParticipantID(i + 1)
	}

	recoveringDevice := ids.NewAuthorityId()
	recovering := ids.NewAccountId()
	sessionID := ids.NewSessionId()

	sessions := make(map[ids.AuthorityId]*Session, 2)
	sessions[recoveringDevice] = NewSession(recoveringDevice, recoveringDevice, recovering, sessionID, guardianPID, guardianThreshold, nil, 0, 10)
	// only wire up one guardian, so CollectingApprovals can never reach
	// the threshold of 2.
	onlyGuardian := guardians[0]
	sessions[onlyGuardian] = NewSession(onlyGuardian, recoveringDevice, recovering, sessionID, guardianPID, guardianThreshold, shares[guardianPID[onlyGuardian]], 0, 10)

	step := sessions[recoveringDevice].Start()
	_ = drive(t, sessions, caps, recoveringDevice, step.Effects)

	tickStep := sessions[recoveringDevice].Step(protocol.TickInput(11), caps)
	require.Equal(t, protocol.Failed, tickStep.Termination)
	require.ErrorIs(t, tickStep.Err, ErrSessionExpired)
	require.Equal(t, Aborted, sessions[recoveringDevice].State())
}
