// Package reshare implements the threshold resharing choreography
// (spec.md §4.E.4): rotating the (m, n) configuration under the same
// group public key. A coordinator holding every current participant's
// KeyPackage (the same dealer position pkg/threshold.DealerBased key
// generation already assumes) computes the new configuration and
// distributes one new share per participant; old shares stay valid
// until every acknowledgement is in, and a failure before that point
// rolls back rather than leaving the group half-migrated.
package reshare

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

type State int

const (
	Init State = iota
	Distributing
	AwaitingAcks
	Finalising
	Complete
	Failed
	RolledBack
)

type shareMsg struct {
	ParticipantID threshold.ParticipantID        `json:"participant_id"`
	Share         []byte                         `json:"share"`
	PublicPkg     threshold.WirePublicKeyPackage `json:"public_pkg"`
	NewThreshold  int                            `json:"new_threshold"`
	NewTotal      int                            `json:"new_total"`
}

type ackMsg struct {
	ParticipantID threshold.ParticipantID `json:"participant_id"`
}

type rollbackMsg struct {
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

// Result is the outcome handed back on Complete: the new group public
// material and this participant's new KeyPackage.
type Result struct {
	PublicKeyPkg threshold.PublicKeyPackage
	KeyPackage   threshold.KeyPackage
}

// Session is one participant's view of a reshare ceremony.
type Session struct {
	state        State
	self         ids.DeviceId
	participants []ids.DeviceId // sorted; participants[0] is coordinator
	oldPub       threshold.PublicKeyPackage
	newKeyPkg    threshold.KeyPackage
	newPub       threshold.PublicKeyPackage
	ackCol       *protocol.Collector
	startEpoch   uint64
	ttlEpochs    uint64
}

func NewSession(self ids.DeviceId, participants []ids.DeviceId, oldPub threshold.PublicKeyPackage, startEpoch, ttlEpochs uint64) *Session {
	sorted := append([]ids.DeviceId(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	return &Session{
		state:        Init,
		self:         self,
		participants: sorted,
		oldPub:       oldPub,
		startEpoch:   startEpoch,
		ttlEpochs:    ttlEpochs,
	}
}

func (s *Session) isCoordinator() bool {
	return len(s.participants) > 0 && s.participants[0] == s.self
}

// Start is the coordinator's local signal to begin resharing. oldShares
// must contain every current participant's KeyPackage.
func (s *Session) Start(oldShares map[threshold.ParticipantID]threshold.KeyPackage, newT, newN int, caps effects.Effects) protocol.Step {
	if s.state != Init || !s.isCoordinator() {
		return protocol.Progress()
	}
	newPub, newShares, err := caps.RotateKeys(oldShares, s.oldPub.Threshold, newT, newN)
	if err != nil {
		s.state = Failed
		return protocol.FailWith(fmt.Errorf("reshare: rotate keys: %w", err))
	}
	s.newPub = newPub
	parties := make([]ids.AuthorityId, len(s.participants))
	for i, d := range s.participants {
		parties[i] = d.AsAuthorityId()
	}
	s.ackCol = protocol.NewCollector(parties, len(s.participants))
	s.state = Distributing

	wirePub := threshold.MarshalPublicKeyPackage(newPub)
	var effs []protocol.Effect
	for i, d := range s.participants {
		pid := threshold.ParticipantID(i + 1)
		kp, ok := newShares[pid]
		if !ok {
			s.state = Failed
			return protocol.FailWith(fmt.Errorf("reshare: rotate keys did not return a share for participant %d", pid))
		}
		if d == s.self {
			s.newKeyPkg = kp
			s.ackCol.Offer(s.self.AsAuthorityId(), nil)
			continue
		}
		msg := shareMsg{
			ParticipantID: pid,
			Share:         threshold.MarshalScalar(kp.SecretShare),
			PublicPkg:     wirePub,
			NewThreshold:  newT,
			NewTotal:      newN,
		}
		effs = append(effs, protocol.Send(d.AsAuthorityId(), wrap("share", msg)))
	}
	s.state = AwaitingAcks
	return protocol.Progress(effs...)
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Complete || s.state == Failed || s.state == RolledBack {
		return protocol.Progress()
	}
	switch input.Kind {
	case protocol.InputTick:
		if uint64(input.TickMs) > s.startEpoch+s.ttlEpochs {
			return s.rollback(fmt.Errorf("reshare: session expired before every acknowledgement arrived"))
		}
		return protocol.Progress()
	case protocol.InputMessage:
		var env envelope
		if err := json.Unmarshal(input.Payload, &env); err != nil {
			return protocol.Progress()
		}
		switch env.Kind {
		case "share":
			return s.onShare(env.Body, caps)
		case "ack":
			return s.onAck(env.Body)
		case "finalize":
			if s.state != AwaitingAcks || s.isCoordinator() {
				return protocol.Progress()
			}
			s.state = Complete
			return protocol.CompleteWith(Result{PublicKeyPkg: s.newPub, KeyPackage: s.newKeyPkg})
		case "rollback":
			var m rollbackMsg
			_ = json.Unmarshal(env.Body, &m)
			s.state = RolledBack
			return protocol.Step{Termination: protocol.Failed, Err: fmt.Errorf("reshare: coordinator rolled back: %s", m.Reason)}
		default:
			return protocol.Progress()
		}
	default:
		return protocol.Progress()
	}
}

func (s *Session) onShare(body json.RawMessage, caps effects.Effects) protocol.Step {
	if s.state != Init || s.isCoordinator() {
		return protocol.Progress()
	}
	var m shareMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	newPub, err := m.PublicPkg.Unmarshal()
	if err != nil {
		return s.rollback(fmt.Errorf("reshare: unmarshal public key package: %w", err))
	}
	s.newPub = newPub
	s.newKeyPkg = threshold.KeyPackage{
		ID:           m.ParticipantID,
		SecretShare:  threshold.UnmarshalScalar(m.Share),
		PublicKeyPkg: newPub,
	}
	s.state = AwaitingAcks
	coordinator := s.participants[0].AsAuthorityId()
	return protocol.Progress(protocol.Send(coordinator, wrap("ack", ackMsg{ParticipantID: m.ParticipantID})))
}

func (s *Session) onAck(body json.RawMessage) protocol.Step {
	if !s.isCoordinator() || s.state != AwaitingAcks {
		return protocol.Progress()
	}
	var m ackMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	var from ids.AuthorityId
	for i, d := range s.participants {
		if threshold.ParticipantID(i+1) == m.ParticipantID {
			from = d.AsAuthorityId()
			break
		}
	}
	s.ackCol.Offer(from, nil)
	if !s.ackCol.Ready() {
		return protocol.Progress()
	}
	s.state = Finalising
	finalizeEffect := protocol.Broadcast(wrap("finalize", struct{}{}))
	s.state = Complete
	return protocol.CompleteWith(Result{PublicKeyPkg: s.newPub, KeyPackage: s.newKeyPkg}, finalizeEffect)
}

func (s *Session) rollback(err error) protocol.Step {
	s.state = RolledBack
	if s.isCoordinator() {
		return protocol.Step{
			Termination: protocol.Failed,
			Err:         err,
			Effects:     []protocol.Effect{protocol.Broadcast(wrap("rollback", rollbackMsg{Reason: err.Error()}))},
		}
	}
	return protocol.Step{Termination: protocol.Failed, Err: err}
}

func (s *Session) State() State { return s.state }
