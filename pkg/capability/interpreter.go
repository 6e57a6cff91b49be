package capability

import (
	"context"
	"fmt"

	"github.com/auranet/aura/pkg/effects"
)

// Interpret executes an authorized GuardOutcome's EffectCommands against
// the effect interface, in order, stopping at the first failure (spec.md
// §4.D: the interpreter is the only place I/O happens for a guarded
// effect). This keeps Evaluate itself free of any capability dependency,
// matching the teacher's separation between a pure precondition check
// (pkg/execution/nonce_tracker.go) and the orchestrator that actually
// performs the action (pkg/execution/unified_orchestrator.go).
func Interpret(ctx context.Context, eff effects.Effects, outcome GuardOutcome) error {
	if !outcome.Authorized {
		return fmt.Errorf("capability: cannot interpret an unauthorized outcome (denial=%s)", outcome.DenialReason)
	}
	for _, cmd := range outcome.Effects {
		if err := interpretOne(ctx, eff, cmd); err != nil {
			return err
		}
	}
	return nil
}

func interpretOne(ctx context.Context, eff effects.Effects, cmd EffectCommand) error {
	switch cmd.Kind {
	case CmdChargeBudget:
		_, err := eff.ChargeFlow(ctx, cmd.ContextID, cmd.Peer, cmd.Cost)
		if err != nil {
			return fmt.Errorf("capability: charge budget: %w", err)
		}
		return nil
	case CmdRecordLeakage:
		event := effects.LeakageEvent{
			Destination:   cmd.Peer,
			ContextID:     cmd.ContextID,
			Bits:          cmd.Bits,
			ObserverClass: cmd.Class,
		}
		if err := eff.RecordLeakage(ctx, event); err != nil {
			return fmt.Errorf("capability: record leakage: %w", err)
		}
		return nil
	case CmdStoreMetadata:
		if err := eff.Store(ctx, cmd.Key, cmd.Payload); err != nil {
			return fmt.Errorf("capability: store metadata: %w", err)
		}
		return nil
	case CmdSendEnvelope:
		if err := eff.SendToPeer(ctx, effects.PeerID(cmd.Peer.String()), cmd.Payload); err != nil {
			return fmt.Errorf("capability: send envelope: %w", err)
		}
		return nil
	case CmdAppendJournal, CmdGenerateNonce:
		// These commands are routed to the journal/coordinator layer
		// directly (the interpreter has no journal reference of its
		// own — spec.md §3 makes the coordinator the journal's sole
		// owner); callers that emit these commands handle them before
		// or after calling Interpret.
		return nil
	default:
		return fmt.Errorf("capability: unknown effect command kind %d", cmd.Kind)
	}
}
