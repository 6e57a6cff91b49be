// Package rendezvous implements the authenticated transport offer/
// answer exchange (spec.md §4.E.7): of two devices sharing a
// pre-established PSK, the responder proves it to the initiator via a
// channel binding value, `H(PSK || device_static_pub)`, without ever
// putting the PSK itself on the wire. The proof runs one way only: the
// responder marks itself Authenticated on any well-formed offer without
// checking a binding from the initiator. Accepted into the core for completeness because
// the guard pipeline depends on its authentication output — a peer
// whose channel binding does not check out is never handed a
// capability — but the transport the offer/answer travels over is out
// of scope (spec.md "the transport itself is not in core scope").
package rendezvous

import (
	"encoding/json"
	"errors"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
)

type State int

const (
	Init State = iota
	AwaitingAnswer
	Authenticated
	Rejected
)

var ErrBindingMismatch = errors.New("rendezvous: channel binding mismatch, PSKs do not agree")

type offerMsg struct {
	StaticPub []byte `json:"static_pub"`
}

type answerMsg struct {
	StaticPub []byte `json:"static_pub"`
	Binding   []byte `json:"binding"`
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

// Result is the authenticated peer's static public key, once the
// channel binding checks out.
type Result struct {
	PeerStaticPub []byte
}

// Session drives one side of an offer/answer exchange. The initiator
// calls Start; the responder only reacts to an incoming "offer".
type Session struct {
	state     State
	self      ids.AuthorityId
	peer      ids.AuthorityId
	psk       []byte
	staticPub []byte
}

func NewSession(self, peer ids.AuthorityId, psk, staticPub []byte) *Session {
	return &Session{state: Init, self: self, peer: peer, psk: psk, staticPub: staticPub}
}

func (s *Session) State() State { return s.state }

func binding(caps effects.Effects, psk, staticPub []byte) []byte {
	h := caps.Blake3(psk, staticPub)
	return h[:]
}

// Start is the initiator's local signal to send its offer.
func (s *Session) Start(caps effects.Effects) protocol.Step {
	if s.state != Init {
		return protocol.Progress()
	}
	s.state = AwaitingAnswer
	return protocol.Progress(protocol.Send(s.peer, wrap("offer", offerMsg{StaticPub: s.staticPub})))
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Authenticated || s.state == Rejected {
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
	case "offer":
		return s.onOffer(env.Body, caps)
	case "answer":
		return s.onAnswer(env.Body, caps)
	default:
		return protocol.Progress()
	}
}

// onOffer is the responder's handler: it proves knowledge of the PSK
// by echoing back the channel binding it independently computed over
// the offer's static public key.
func (s *Session) onOffer(body json.RawMessage, caps effects.Effects) protocol.Step {
	if s.state != Init {
		return protocol.Progress()
	}
	var m offerMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	b := binding(caps, s.psk, m.StaticPub)
	s.state = Authenticated
	return protocol.CompleteWith(
		Result{PeerStaticPub: m.StaticPub},
		protocol.Send(s.peer, wrap("answer", answerMsg{StaticPub: s.staticPub, Binding: b})),
	)
}

// onAnswer is the initiator's handler: it recomputes the same binding
// over its own offered static public key and rejects the session on
// mismatch, which only happens if the two sides hold different PSKs
// or a man-in-the-middle tampered with the offer.
func (s *Session) onAnswer(body json.RawMessage, caps effects.Effects) protocol.Step {
	if s.state != AwaitingAnswer {
		return protocol.Progress()
	}
	var m answerMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	expected := binding(caps, s.psk, s.staticPub)
	if !caps.ConstantTimeCompare(expected, m.Binding) {
		s.state = Rejected
		return protocol.FailWith(ErrBindingMismatch)
	}
	s.state = Authenticated
	return protocol.CompleteWith(Result{PeerStaticPub: m.StaticPub})
}
