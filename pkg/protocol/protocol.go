// Package protocol defines the shared step-function shape every
// choreography (signing, dkd, verify, reshare, recovery, invitation,
// sync, rendezvous) implements: a pure `Step(input, caps) -> Step`
// state machine whose side effects are returned as a list rather than
// performed inline (spec.md §4.E). Grounded on the teacher's
// pkg/attestation/service.go: a session-keyed map of participant id to
// received payload, a required-count check, and a broadcast-then-await
// step function, generalized here into a reusable collector type
// every sub-package composes.
package protocol

import (
	"github.com/auranet/aura/pkg/ids"
)

// InputKind tags the ProtocolInput sum type.
type InputKind int

const (
	InputMessage InputKind = iota
	InputLocalSignal
	InputTick
)

// ProtocolInput is the event driving one Step call.
type ProtocolInput struct {
	Kind       InputKind
	From       ids.AuthorityId
	Payload    []byte
	SignalName string
	SignalData []byte
	TickMs     int64
}

func MessageInput(from ids.AuthorityId, payload []byte) ProtocolInput {
	return ProtocolInput{Kind: InputMessage, From: from, Payload: payload}
}

func LocalSignal(name string, data []byte) ProtocolInput {
	return ProtocolInput{Kind: InputLocalSignal, SignalName: name, SignalData: data}
}

func TickInput(ms int64) ProtocolInput {
	return ProtocolInput{Kind: InputTick, TickMs: ms}
}

// EffectKind tags the Effect sum type a Step emits.
type EffectKind int

const (
	EffectSend EffectKind = iota
	EffectBroadcast
	EffectAppendJournal
	EffectStore
	EffectSpawnChild
)

// Effect is one deferred side effect a Step asks the driving loop to
// perform; Step itself never performs I/O.
type Effect struct {
	Kind      EffectKind
	To        ids.AuthorityId
	Payload   []byte
	Key       string
	ChildKind string
	ChildID   ids.SessionId
}

func Send(to ids.AuthorityId, payload []byte) Effect {
	return Effect{Kind: EffectSend, To: to, Payload: payload}
}

func Broadcast(payload []byte) Effect {
	return Effect{Kind: EffectBroadcast, Payload: payload}
}

func AppendJournal(payload []byte) Effect {
	return Effect{Kind: EffectAppendJournal, Payload: payload}
}

// Termination tags how a Step call ended.
type Termination int

const (
	Ongoing Termination = iota
	Complete
	Failed
)

// Step is the result of one Step(input, caps) call. A non-Ongoing
// Termination is frozen: once Complete or Failed, further Step calls
// on the same session must be no-ops (spec.md §4.E "both are frozen").
type Step struct {
	Effects     []Effect
	Termination Termination
	Output      any
	Err         error
}

func Progress(effects ...Effect) Step {
	return Step{Effects: effects}
}

func CompleteWith(output any, effects ...Effect) Step {
	return Step{Termination: Complete, Output: output, Effects: effects}
}

func FailWith(err error, effects ...Effect) Step {
	return Step{Termination: Failed, Err: err, Effects: effects}
}

// Collector accumulates payloads from a fixed participant set keyed by
// sender, used by every round-based choreography to decide "do I have
// enough to proceed yet" (spec.md §4.E's broadcast/collect shape).
type Collector struct {
	required int
	received map[ids.AuthorityId][]byte
	known    map[ids.AuthorityId]bool
}

func NewCollector(participants []ids.AuthorityId, required int) *Collector {
	known := make(map[ids.AuthorityId]bool, len(participants))
	for _, p := range participants {
		known[p] = true
	}
	return &Collector{required: required, received: make(map[ids.AuthorityId][]byte), known: known}
}

// ErrUnknownParticipant-style Byzantine rejection is the caller's
// responsibility: Offer reports whether from is a recognised
// participant so the caller can fail the session on a stranger.
func (c *Collector) Offer(from ids.AuthorityId, payload []byte) (accepted, known bool) {
	if !c.known[from] {
		return false, false
	}
	if _, dup := c.received[from]; dup {
		return false, true
	}
	c.received[from] = payload
	return true, true
}

func (c *Collector) Count() int { return len(c.received) }

func (c *Collector) Ready() bool { return len(c.received) >= c.required }

func (c *Collector) Values() map[ids.AuthorityId][]byte { return c.received }
