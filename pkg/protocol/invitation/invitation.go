// Package invitation implements the invitation/ceremony lifecycle
// (spec.md §4.E.5): a relational invite from one authority to another,
// followed, on acceptance, by the device-join ceremony that actually
// admits the invitee's device into the tree. One Session carries both
// halves because they share a state machine over
// {Sent, Accepted, Declined, Cancelled, CeremonyInitiated,
// CeremonyAcceptanceReceived, CeremonyCommitted, CeremonyAborted,
// CeremonySuperseded}; each transition is a fact appended to the
// journal. Observing CeremonySuperseded{old, new, reason} is the
// explicit signal that the old ceremony must stop processing
// immediately — it is handled identically whether it arrives as a
// message or is raised locally by the coordinator superseding its own
// session.
package invitation

import (
	"encoding/json"
	"errors"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
)

type State int

const (
	Sent State = iota
	Accepted
	Declined
	Cancelled
	CeremonyInitiated
	CeremonyAcceptanceReceived
	CeremonyCommitted
	CeremonyAborted
	CeremonySuperseded
)

func (s State) Terminal() bool {
	switch s {
	case Declined, Cancelled, CeremonyCommitted, CeremonyAborted, CeremonySuperseded:
		return true
	default:
		return false
	}
}

var (
	ErrSuperseded = errors.New("invitation: session superseded by a newer ceremony")
	ErrDeclined   = errors.New("invitation: invitee declined")
	ErrCancelled  = errors.New("invitation: cancelled")
)

type inviteMsg struct {
	Ceremony string `json:"ceremony_id"`
	Context  string `json:"context_id"`
}

type responseMsg struct{}

type ceremonyInitMsg struct {
	LeafId string `json:"leaf_id"`
}

type ceremonyAckMsg struct{}

type ceremonyCommitMsg struct {
	Epoch uint64 `json:"epoch"`
}

type supersededMsg struct {
	Old    string `json:"old"`
	New    string `json:"new"`
	Reason string `json:"reason"`
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

// Result is the terminal payload of a completed ceremony: the epoch at
// which the invitee's device was admitted.
type Result struct {
	Epoch uint64
}

// Session is one party's view of an invitation/ceremony. self is
// compared against inviter to determine role.
type Session struct {
	state     State
	self      ids.AuthorityId
	inviter   ids.AuthorityId
	invitee   ids.AuthorityId
	ceremony  ids.CeremonyId
	context   ids.ContextId
	leaf      ids.LeafId
}

func NewSession(self, inviter, invitee ids.AuthorityId, ceremony ids.CeremonyId, context ids.ContextId) *Session {
	return &Session{
		state:    Sent,
		self:     self,
		inviter:  inviter,
		invitee:  invitee,
		ceremony: ceremony,
		context:  context,
	}
}

func (s *Session) isInviter() bool { return s.self == s.inviter }
func (s *Session) isInvitee() bool { return s.self == s.invitee }

func (s *Session) State() State { return s.state }

// Start is the inviter's local signal to send the invite.
func (s *Session) Start() protocol.Step {
	if s.state != Sent || !s.isInviter() {
		return protocol.Progress()
	}
	msg := inviteMsg{Ceremony: s.ceremony.String(), Context: s.context.String()}
	return protocol.Progress(
		protocol.Send(s.invitee, wrap("invite", msg)),
		protocol.AppendJournal(wrap("Sent", msg)),
	)
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state.Terminal() {
		return protocol.Progress()
	}
	switch input.Kind {
	case protocol.InputLocalSignal:
		switch input.SignalName {
		case "accept":
			return s.onAccept()
		case "decline":
			return s.onDecline()
		case "cancel":
			return s.onCancel()
		default:
			return protocol.Progress()
		}
	case protocol.InputMessage:
		var env envelope
		if err := json.Unmarshal(input.Payload, &env); err != nil {
			return protocol.Progress()
		}
		switch env.Kind {
		case "invite":
			return s.onInvite()
		case "accept":
			return s.onAcceptMsg()
		case "decline":
			return s.onDeclineMsg()
		case "ceremony_init":
			return s.onCeremonyInit(env.Body)
		case "ceremony_ack":
			return s.onCeremonyAck()
		case "ceremony_commit":
			return s.onCeremonyCommit(env.Body)
		case "superseded":
			return s.onSuperseded(env.Body)
		default:
			return protocol.Progress()
		}
	default:
		return protocol.Progress()
	}
}

func (s *Session) onInvite() protocol.Step {
	if !s.isInvitee() || s.state != Sent {
		return protocol.Progress()
	}
	return protocol.Progress()
}

// onAccept is the invitee's local decision to accept the invite.
func (s *Session) onAccept() protocol.Step {
	if !s.isInvitee() || s.state != Sent {
		return protocol.Progress()
	}
	s.state = Accepted
	return protocol.Progress(
		protocol.Send(s.inviter, wrap("accept", responseMsg{})),
		protocol.AppendJournal(wrap("Accepted", responseMsg{})),
	)
}

func (s *Session) onDecline() protocol.Step {
	if !s.isInvitee() || s.state != Sent {
		return protocol.Progress()
	}
	s.state = Declined
	return protocol.FailWith(ErrDeclined,
		protocol.Send(s.inviter, wrap("decline", responseMsg{})),
		protocol.AppendJournal(wrap("Declined", responseMsg{})),
	)
}

func (s *Session) onCancel() protocol.Step {
	s.state = Cancelled
	return protocol.FailWith(ErrCancelled, protocol.AppendJournal(wrap("Cancelled", responseMsg{})))
}

func (s *Session) onAcceptMsg() protocol.Step {
	if !s.isInviter() || s.state != Sent {
		return protocol.Progress()
	}
	s.state = CeremonyInitiated
	leaf := ids.NewLeafId()
	s.leaf = leaf
	msg := ceremonyInitMsg{LeafId: leaf.String()}
	return protocol.Progress(
		protocol.Send(s.invitee, wrap("ceremony_init", msg)),
		protocol.AppendJournal(wrap("CeremonyInitiated", msg)),
	)
}

func (s *Session) onDeclineMsg() protocol.Step {
	if !s.isInviter() || s.state != Sent {
		return protocol.Progress()
	}
	s.state = Declined
	return protocol.FailWith(ErrDeclined, protocol.AppendJournal(wrap("Declined", responseMsg{})))
}

func (s *Session) onCeremonyInit(body json.RawMessage) protocol.Step {
	if !s.isInvitee() || s.state != Accepted {
		return protocol.Progress()
	}
	var m ceremonyInitMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	s.state = CeremonyAcceptanceReceived
	return protocol.Progress(
		protocol.Send(s.inviter, wrap("ceremony_ack", ceremonyAckMsg{})),
		protocol.AppendJournal(wrap("CeremonyAcceptanceReceived", m)),
	)
}

func (s *Session) onCeremonyAck() protocol.Step {
	if !s.isInviter() || s.state != CeremonyInitiated {
		return protocol.Progress()
	}
	s.state = CeremonyCommitted
	msg := ceremonyCommitMsg{Epoch: 1}
	return protocol.CompleteWith(Result{Epoch: msg.Epoch},
		protocol.Send(s.invitee, wrap("ceremony_commit", msg)),
		protocol.AppendJournal(wrap("CeremonyCommitted", msg)),
	)
}

func (s *Session) onCeremonyCommit(body json.RawMessage) protocol.Step {
	if !s.isInvitee() || s.state != CeremonyAcceptanceReceived {
		return protocol.Progress()
	}
	var m ceremonyCommitMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	s.state = CeremonyCommitted
	return protocol.CompleteWith(Result{Epoch: m.Epoch}, protocol.AppendJournal(wrap("CeremonyCommitted", m)))
}

func (s *Session) onSuperseded(body json.RawMessage) protocol.Step {
	var m supersededMsg
	_ = json.Unmarshal(body, &m)
	s.state = CeremonySuperseded
	return protocol.FailWith(ErrSuperseded, protocol.AppendJournal(wrap("CeremonySuperseded", m)))
}

// Supersede is the coordinator's local signal that a newer ceremony
// has taken this session's place; it is equivalent to receiving a
// "superseded" message but is raised without a network round trip.
func (s *Session) Supersede(newCeremony ids.CeremonyId, reason string) protocol.Step {
	if s.state.Terminal() {
		return protocol.Progress()
	}
	s.state = CeremonySuperseded
	m := supersededMsg{Old: s.ceremony.String(), New: newCeremony.String(), Reason: reason}
	return protocol.FailWith(ErrSuperseded, protocol.AppendJournal(wrap("CeremonySuperseded", m)))
}
