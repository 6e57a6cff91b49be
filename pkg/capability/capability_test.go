package capability

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/ids"
)

func rootToken(subject ids.AuthorityId, scope Scope) CapabilityToken {
	return CapabilityToken{
		TokenID: ids.ContentIdFromHash([32]byte{1}),
		Subject: subject,
		Scope:   scope,
	}
}

func TestRevocationCascade(t *testing.T) {
	dag := NewDAG()

	s1 := ids.NewAuthorityId()
	s2 := ids.NewAuthorityId()

	parentScope := Scope{Namespace: "messaging", Operation: "send"}
	capParent := rootToken(s1, parentScope)
	require.NoError(t, dag.Insert(capParent))

	childID := ids.ContentIdFromHash([32]byte{2})
	capChild := CapabilityToken{
		TokenID:  childID,
		Subject:  s2,
		Scope:    parentScope,
		ParentID: &capParent.TokenID,
	}
	require.NoError(t, Attenuates(capChild, capParent))
	require.NoError(t, dag.Insert(capChild))

	verifyRoot := func(CapabilityToken) bool { return true }
	require.Equal(t, Granted, dag.Check(childID, 0, parentScope, verifyRoot))

	dag.Revoke(capParent.TokenID)

	require.Equal(t, Revoked, dag.Check(childID, 0, parentScope, verifyRoot), "revoking the parent must invalidate the child")
}

func TestCheckDeniesScopeOutsideChain(t *testing.T) {
	dag := NewDAG()
	root := rootToken(ids.NewAuthorityId(), Scope{Namespace: "messaging", Operation: "send"})
	require.NoError(t, dag.Insert(root))

	verifyRoot := func(CapabilityToken) bool { return true }
	require.Equal(t, Granted, dag.Check(root.TokenID, 0, Scope{Namespace: "messaging", Operation: "send"}, verifyRoot))

	outside := Scope{Namespace: "storage", Operation: "delete"}
	require.Equal(t, ScopeInsufficient, dag.Check(root.TokenID, 0, outside, verifyRoot))
}

func TestEvaluateDeniesEffectOutsideGrantedScope(t *testing.T) {
	dag := NewDAG()
	root := rootToken(ids.NewAuthorityId(), Scope{Namespace: "messaging", Operation: "send"})
	require.NoError(t, dag.Insert(root))

	snap := GuardSnapshot{
		TokenID:            root.TokenID,
		RequiredScope:      Scope{Namespace: "storage", Operation: "delete"},
		FlowCost:           5,
		ReplenishedBalance: 10,
		LeakageBits:        2,
		LeakageHeadroom:    10,
		VerifyRoot:         func(CapabilityToken) bool { return true },
	}
	out := Evaluate(dag, snap)
	require.False(t, out.Authorized, "a token granting messaging.send must not authorize a storage.delete effect")
	require.Equal(t, DenialCapability, out.DenialReason)
}

func TestAttenuatesRejectsUnboundedChildUnderBoundedParent(t *testing.T) {
	parentExpiry := uint64(100)
	parent := CapabilityToken{
		TokenID:        ids.ContentIdFromHash([32]byte{1}),
		Scope:          Scope{Namespace: "messaging", Operation: "send"},
		ExpiresAtEpoch: &parentExpiry,
	}
	child := CapabilityToken{
		TokenID:  ids.ContentIdFromHash([32]byte{2}),
		Scope:    parent.Scope,
		ParentID: &parent.TokenID,
		// ExpiresAtEpoch left nil: an unbounded child cannot attenuate a
		// parent that itself expires.
	}
	require.ErrorIs(t, Attenuates(child, parent), ErrExpiryExceedsParent)
}

func TestCycleDetectionRefusesInsertion(t *testing.T) {
	dag := NewDAG()
	a := ids.ContentIdFromHash([32]byte{1})
	b := ids.ContentIdFromHash([32]byte{2})

	tokA := CapabilityToken{TokenID: a, ParentID: &b}
	tokB := CapabilityToken{TokenID: b, ParentID: &a}

	require.NoError(t, dag.Insert(tokA))
	err := dag.Insert(tokB)
	require.ErrorIs(t, err, ErrCycle)
}

func TestGuardChainOrdering(t *testing.T) {
	dag := NewDAG()
	root := rootToken(ids.NewAuthorityId(), Scope{Namespace: "messaging", Operation: "send"})
	require.NoError(t, dag.Insert(root))

	snap := GuardSnapshot{
		TokenID:            root.TokenID,
		RequiredScope:      root.Scope,
		FlowCost:           5,
		ReplenishedBalance: 10,
		LeakageBits:        2,
		LeakageHeadroom:    10,
		VerifyRoot:         func(CapabilityToken) bool { return true },
	}
	out := Evaluate(dag, snap)
	require.True(t, out.Authorized)
	require.Len(t, out.Effects, 2)

	dag.Revoke(root.TokenID)
	out = Evaluate(dag, snap)
	require.False(t, out.Authorized)
	require.Equal(t, DenialCapability, out.DenialReason)
}
