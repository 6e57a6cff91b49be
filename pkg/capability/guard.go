package capability

import (
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
)

// DenialReason names which guard stage rejected an effect.
type DenialReason int

const (
	DenialNone DenialReason = iota
	DenialCapability
	DenialFlowBudget
	DenialLeakage
	DenialFreshness
)

func (d DenialReason) String() string {
	switch d {
	case DenialCapability:
		return "capability"
	case DenialFlowBudget:
		return "flow_budget"
	case DenialLeakage:
		return "leakage"
	case DenialFreshness:
		return "freshness"
	default:
		return "none"
	}
}

// GuardSnapshot is the pre-fetched state a guard evaluation runs against,
// so evaluation itself stays pure (spec.md §4.D).
type GuardSnapshot struct {
	TokenID          ids.ContentId
	RequiredScope    Scope
	CurrentEpoch     uint64
	ContextID        ids.ContextId
	Peer             ids.AuthorityId
	FlowCost         int64
	FlowBalance      int64 // caller's pre-fetched balance for (ctx, peer) before this charge
	ReplenishedBalance int64 // balance after applying any pending epoch replenishment
	ObserverClass    effects.ObserverClass
	LeakageBits      int64
	LeakageHeadroom  int64 // cap - already-spent for (ctx, class); negative means already over
	CallerViewEpoch  uint64 // epoch of the caller's last known commitment for ContextID
	StalenessBoundEpochs uint64
	VerifyRoot       func(CapabilityToken) bool
}

// EffectCommandKind tags the EffectCommand sum type (spec.md §4.D).
type EffectCommandKind int

const (
	CmdChargeBudget EffectCommandKind = iota
	CmdAppendJournal
	CmdRecordLeakage
	CmdStoreMetadata
	CmdSendEnvelope
	CmdGenerateNonce
)

// EffectCommand is a deferred side effect emitted by a successful guard
// evaluation, executed afterwards by a separate interpreter against the
// effect interface (spec.md §4.D).
type EffectCommand struct {
	Kind      EffectCommandKind
	ContextID ids.ContextId
	Peer      ids.AuthorityId
	Cost      int64
	Class     effects.ObserverClass
	Bits      int64
	Key       string
	Payload   []byte
}

// GuardOutcome is the pure result of one guard evaluation (spec.md §4.D).
type GuardOutcome struct {
	Authorized    bool
	DenialReason  DenialReason
	Effects       []EffectCommand
}

// Evaluate runs the four-stage guard chain in order — capability, then
// flow-budget, then leakage, then freshness — against a single token's
// DAG membership (spec.md §4.D). It is pure: no I/O happens here, and a
// later-stage failure never rolls back an earlier one because no command
// has been executed yet; commands only accumulate and are returned for
// the caller to commit on Authorized == true (spec.md §4.D "Ordering").
func Evaluate(dag *DAG, snap GuardSnapshot) GuardOutcome {
	if res := dag.Check(snap.TokenID, snap.CurrentEpoch, snap.RequiredScope, snap.VerifyRoot); res != Granted {
		return GuardOutcome{Authorized: false, DenialReason: DenialCapability}
	}

	if snap.ReplenishedBalance < snap.FlowCost {
		return GuardOutcome{Authorized: false, DenialReason: DenialFlowBudget}
	}

	if snap.LeakageHeadroom < snap.LeakageBits {
		return GuardOutcome{Authorized: false, DenialReason: DenialLeakage}
	}

	if snap.CurrentEpoch > snap.CallerViewEpoch && snap.CurrentEpoch-snap.CallerViewEpoch > snap.StalenessBoundEpochs {
		return GuardOutcome{Authorized: false, DenialReason: DenialFreshness}
	}

	cmds := []EffectCommand{
		{Kind: CmdChargeBudget, ContextID: snap.ContextID, Peer: snap.Peer, Cost: snap.FlowCost},
		{Kind: CmdRecordLeakage, ContextID: snap.ContextID, Peer: snap.Peer, Class: snap.ObserverClass, Bits: snap.LeakageBits},
	}
	return GuardOutcome{Authorized: true, Effects: cmds}
}
