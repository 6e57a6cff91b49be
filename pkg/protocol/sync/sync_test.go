package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
	"github.com/auranet/aura/pkg/protocol"
)

func testCaps(self ids.AuthorityId, seed int64) *simtest.Backend {
	return simtest.New(self, seed, nil, flowbudget.ReplenishRule{PerEpoch: 1000, Cap: 10000})
}

func insertFact(t *testing.T, j *journal.Journal, ctx ids.ContextId, author ids.AuthorityId, nonce uint64, payload []byte) journal.Fact {
	t.Helper()
	f := journal.Fact{
		ContextID: ctx,
		Author:    author,
		LamportTS: nonce + 1,
		Nonce:     nonce,
		TypeID:    journal.TypeRelationship,
		Payload:   payload,
	}
	f.FactID = ids.ContentIdFromHash(f.Hash())
	require.NoError(t, j.Insert(f))
	return f
}

type pendingMsg struct {
	from ids.AuthorityId
	to   ids.AuthorityId
	eff  protocol.Effect
}

// drive routes point-to-point Send effects between exactly two
// sessions keyed by their own AuthorityId, recording each one's
// terminal Step as it occurs. Each session's own effects.Effects backend
// (from caps) is the one charged for the messages it sends.
func drive(t *testing.T, sessions map[ids.AuthorityId]*Session, caps map[ids.AuthorityId]*simtest.Backend, from ids.AuthorityId, effs []protocol.Effect) map[ids.AuthorityId]protocol.Step {
	t.Helper()
	results := make(map[ids.AuthorityId]protocol.Step)
	var queue []pendingMsg
	for _, e := range effs {
		if e.Kind == protocol.EffectSend {
			queue = append(queue, pendingMsg{from: from, to: e.To, eff: e})
		}
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		target, ok := sessions[p.to]
		require.True(t, ok, "message addressed to unknown session %s", p.to)
		step := target.Step(protocol.MessageInput(p.from, p.eff.Payload), caps[p.to])
		if step.Termination != protocol.Ongoing {
			results[p.to] = step
		}
		for _, e := range step.Effects {
			if e.Kind == protocol.EffectSend {
				queue = append(queue, pendingMsg{from: p.to, to: e.To, eff: e})
			}
		}
	}
	return results
}

func TestSyncReconcilesDisjointOps(t *testing.T) {
	ctx := ids.NewContextId()
	alpha := ids.NewAuthorityId()
	beta := ids.NewAuthorityId()

	aJournal := journal.New()
	bJournal := journal.New()

	f1 := insertFact(t, aJournal, ctx, alpha, 0, []byte("alpha-op"))
	f2 := insertFact(t, aJournal, ctx, alpha, 1, []byte("beta-op"))
	require.NoError(t, bJournal.Insert(f2))
	f3 := insertFact(t, bJournal, ctx, beta, 0, []byte("gamma-op"))

	a := NewSession(alpha, beta, ctx, aJournal, nil)
	b := NewSession(beta, alpha, ctx, bJournal, nil)
	sessions := map[ids.AuthorityId]*Session{alpha: a, beta: b}
	caps := map[ids.AuthorityId]*simtest.Backend{alpha: testCaps(alpha, 1), beta: testCaps(beta, 2)}

	start := a.Start(caps[alpha])
	require.Equal(t, AwaitingDigest, a.State())

	results := drive(t, sessions, caps, alpha, start.Effects)

	aResult, ok := results[alpha]
	require.True(t, ok)
	bResult, ok := results[beta]
	require.True(t, ok)
	require.Equal(t, protocol.Complete, aResult.Termination)
	require.Equal(t, protocol.Complete, bResult.Termination)

	aSnap := aJournal.Snapshot(ctx)
	bSnap := bJournal.Snapshot(ctx)
	require.Len(t, aSnap, 3)
	require.Len(t, bSnap, 3)
	require.Contains(t, aSnap, f1.FactID)
	require.Contains(t, aSnap, f3.FactID)
	require.Contains(t, bSnap, f1.FactID)

	ar := aResult.Output.(Result)
	br := bResult.Output.(Result)
	require.Equal(t, 1, ar.Pulled)
	require.Equal(t, 1, ar.Pushed)
	require.Equal(t, 1, br.Pulled)
}

func TestStartDeniedWhenFlowBudgetExhausted(t *testing.T) {
	ctx := ids.NewContextId()
	alpha := ids.NewAuthorityId()
	beta := ids.NewAuthorityId()
	aJournal := journal.New()

	a := NewSession(alpha, beta, ctx, aJournal, nil)
	exhausted := simtest.New(alpha, 5, nil, flowbudget.ReplenishRule{PerEpoch: 0, Cap: 0})

	start := a.Start(exhausted)
	require.Equal(t, protocol.Failed, start.Termination, "a send must actually charge flow budget against the peer, not merely claim to")
	require.Equal(t, Failed, a.State())
}

func TestSyncRejectsFactsFailingVerification(t *testing.T) {
	ctx := ids.NewContextId()
	alpha := ids.NewAuthorityId()
	beta := ids.NewAuthorityId()

	aJournal := journal.New()
	bJournal := journal.New()
	insertFact(t, bJournal, ctx, beta, 0, []byte("untrusted-op"))

	a := NewSession(alpha, beta, ctx, aJournal, func(journal.Fact) bool { return false })
	b := NewSession(beta, alpha, ctx, bJournal, nil)
	sessions := map[ids.AuthorityId]*Session{alpha: a, beta: b}
	caps := map[ids.AuthorityId]*simtest.Backend{alpha: testCaps(alpha, 3), beta: testCaps(beta, 4)}

	start := a.Start(caps[alpha])
	results := drive(t, sessions, caps, alpha, start.Effects)

	aResult, ok := results[alpha]
	require.True(t, ok)
	require.Equal(t, protocol.Failed, aResult.Termination)
	require.Empty(t, aJournal.Snapshot(ctx))
}
