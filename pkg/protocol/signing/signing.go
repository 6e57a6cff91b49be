// Package signing implements the FROST-style two-round threshold
// signing choreography from spec.md §4.E.1: AwaitingStart ->
// GeneratingCommitment -> AwaitingCommitments -> CreatingShare ->
// AwaitingShares -> Aggregating -> Complete|Failed. Wire messages use
// encoding/json, matching the teacher's pkg/attestation/service.go
// request/response structs; round collection reuses
// protocol.Collector, the generalized form of that file's
// bundles-map-plus-requiredCount shape.
package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

type State int

const (
	AwaitingStart State = iota
	GeneratingCommitment
	AwaitingCommitments
	CreatingShare
	AwaitingShares
	Aggregating
	Complete
	Failed
)

var ErrUnknownParticipant = errors.New("signing: commitment or share from a participant outside the signing set")

// wire message kinds, dispatched by SignalName/Payload tagging.
type startMsg struct {
	Message []byte `json:"message"`
}
type commitMsg struct {
	ParticipantID threshold.ParticipantID `json:"participant_id"`
	Digest        cryptocore.Hash32       `json:"digest"`
}
type shareMsg struct {
	ParticipantID threshold.ParticipantID `json:"participant_id"`
	Point         []byte                  `json:"point"`
}

type envelope struct {
	Kind string          `json:"kind"` // "start" | "commit" | "share"
	Body json.RawMessage `json:"body"`
}

func wrap(kind string, body any) []byte {
	b, _ := json.Marshal(body)
	e, _ := json.Marshal(envelope{Kind: kind, Body: b})
	return e
}

// Session is one participant's view of a signing ceremony.
type Session struct {
	state        State
	self         ids.DeviceId
	participants []ids.DeviceId // sorted lexicographically; participants[0] is coordinator
	keyPackage   threshold.KeyPackage
	pubKeyPkg    threshold.PublicKeyPackage
	message      []byte
	nonces       threshold.Nonces
	commitCol    *protocol.Collector
	shareCol     *protocol.Collector
	commitments  map[threshold.ParticipantID]threshold.Commitment
	shares       map[threshold.ParticipantID]threshold.SignatureShare
	sigPkg       threshold.SigningPackage
	startEpoch   uint64
	ttlEpochs    uint64
}

// NewSession builds a signing session; participants need not be
// pre-sorted. Each participant's FROST identifier is carried in its own
// KeyPackage (established at key generation time).
func NewSession(self ids.DeviceId, participants []ids.DeviceId, kp threshold.KeyPackage, pub threshold.PublicKeyPackage, startEpoch, ttlEpochs uint64) *Session {
	sorted := append([]ids.DeviceId(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	parties := make([]ids.AuthorityId, len(sorted))
	for i, d := range sorted {
		parties[i] = d.AsAuthorityId()
	}
	return &Session{
		state:        AwaitingStart,
		self:         self,
		participants: sorted,
		keyPackage:   kp,
		pubKeyPkg:    pub,
		commitCol:    protocol.NewCollector(parties, pub.Threshold),
		shareCol:     protocol.NewCollector(parties, pub.Threshold),
		commitments:  make(map[threshold.ParticipantID]threshold.Commitment),
		shares:       make(map[threshold.ParticipantID]threshold.SignatureShare),
		startEpoch:   startEpoch,
		ttlEpochs:    ttlEpochs,
	}
}

func (s *Session) isCoordinator() bool {
	return len(s.participants) > 0 && s.participants[0] == s.self
}

// Start is the local signal the coordinator fires to kick off the
// ceremony over message.
func (s *Session) Start(message []byte, caps effects.Effects) protocol.Step {
	if s.state != AwaitingStart || !s.isCoordinator() {
		return protocol.Progress()
	}
	s.message = message
	return s.beginCommitting(caps)
}

func (s *Session) beginCommitting(caps effects.Effects) protocol.Step {
	s.state = GeneratingCommitment
	nonces, commitment, err := caps.GenerateNonces(s.keyPackage, s.sessionSeed())
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: generate nonces: %w", err))
	}
	s.nonces = nonces
	s.commitments[commitment.ParticipantID] = commitment
	s.commitCol.Offer(s.self.AsAuthorityId(), nil)
	s.state = AwaitingCommitments
	payload := wrap("commit", commitMsg{ParticipantID: commitment.ParticipantID, Digest: commitment.Digest})
	effs := []protocol.Effect{protocol.Broadcast(payload)}
	if s.isCoordinator() {
		effs = append([]protocol.Effect{protocol.Broadcast(wrap("start", startMsg{Message: s.message}))}, effs...)
	}
	return protocol.Progress(effs...)
}

func (s *Session) sessionSeed() []byte {
	return append(append([]byte(nil), s.message...), byte(s.startEpoch))
}

// Step advances the session by one input (spec.md §4.E.1).
func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Complete || s.state == Failed {
		return protocol.Progress()
	}

	switch input.Kind {
	case protocol.InputTick:
		if uint64(input.TickMs) > s.startEpoch+s.ttlEpochs && s.state != Complete {
			s.state = Failed
			return protocol.FailWith(fmt.Errorf("signing: session expired before reaching threshold"))
		}
		return protocol.Progress()

	case protocol.InputMessage:
		var env envelope
		if err := json.Unmarshal(input.Payload, &env); err != nil {
			return protocol.Progress() // malformed, ignored
		}
		switch env.Kind {
		case "start":
			return s.onStart(env.Body, caps)
		case "commit":
			return s.onCommit(env.Body, input.From, caps)
		case "share":
			return s.onShare(env.Body, input.From, caps)
		default:
			return protocol.Progress()
		}
	default:
		return protocol.Progress()
	}
}

func (s *Session) onStart(body json.RawMessage, caps effects.Effects) protocol.Step {
	if s.state != AwaitingStart {
		return protocol.Progress()
	}
	var m startMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	s.message = m.Message
	return s.beginCommitting(caps)
}

func (s *Session) onCommit(body json.RawMessage, from ids.AuthorityId, caps effects.Effects) protocol.Step {
	if s.state != AwaitingCommitments {
		return protocol.Progress()
	}
	var m commitMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	accepted, known := s.commitCol.Offer(from, nil)
	if !known {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("%w: %s", ErrUnknownParticipant, from))
	}
	if !accepted {
		return protocol.Progress()
	}
	s.commitments[m.ParticipantID] = threshold.Commitment{ParticipantID: m.ParticipantID, Digest: m.Digest}
	if !s.commitCol.Ready() {
		return protocol.Progress()
	}
	return s.createShare(caps)
}

func (s *Session) createShare(caps effects.Effects) protocol.Step {
	s.state = CreatingShare
	var commitments []threshold.Commitment
	for _, c := range s.commitments {
		commitments = append(commitments, c)
	}
	sp, err := caps.CreateSigningPackage(s.message, commitments, s.pubKeyPkg)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: create signing package: %w", err))
	}
	s.sigPkg = sp
	share, err := caps.SignShare(sp, s.keyPackage, s.nonces)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: sign share: %w", err))
	}
	s.shares[share.ParticipantID] = share
	s.shareCol.Offer(s.self.AsAuthorityId(), nil)
	s.state = AwaitingShares
	pointBytes := share.Point.Bytes()
	payload := wrap("share", shareMsg{ParticipantID: share.ParticipantID, Point: pointBytes[:]})
	return protocol.Progress(protocol.Broadcast(payload))
}

func (s *Session) onShare(body json.RawMessage, from ids.AuthorityId, caps effects.Effects) protocol.Step {
	if s.state != AwaitingShares {
		return protocol.Progress()
	}
	var m shareMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	accepted, known := s.shareCol.Offer(from, nil)
	if !known {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("%w: %s", ErrUnknownParticipant, from))
	}
	if !accepted {
		return protocol.Progress()
	}
	point, err := threshold.UnmarshalG1(m.Point)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: unmarshal share point: %w", err))
	}
	s.shares[m.ParticipantID] = threshold.SignatureShare{ParticipantID: m.ParticipantID, Point: point}
	if !s.shareCol.Ready() {
		return protocol.Progress()
	}
	return s.aggregate(caps)
}

func (s *Session) aggregate(caps effects.Effects) protocol.Step {
	s.state = Aggregating
	var shares []threshold.SignatureShare
	for _, sh := range s.shares {
		shares = append(shares, sh)
	}
	sig, err := caps.AggregateShares(s.sigPkg, shares)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: aggregate shares: %w", err))
	}
	if !caps.VerifyThresholdSignature(s.message, sig, s.pubKeyPkg) {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("signing: aggregated signature failed verification"))
	}
	s.state = Complete
	return protocol.CompleteWith(sig)
}

func (s *Session) State() State { return s.state }
