// Package recovery implements guardian-assisted account recovery
// (spec.md §4.E.4): re-binding an account to a new device once at least
// guardian_threshold guardians approve and contribute their share of the
// account root secret. One Session type plays both roles — the
// recovering device drives CollectingApprovals/AwaitingShares/
// Completing, a guardian merely answers a request with an approval and,
// once asked, its share — distinguished by comparing self against the
// recovering device's network identity, the same single-type-multiple-
// roles shape pkg/protocol/signing uses for coordinator vs participant.
// Every approval is itself a journal fact scoped to
// RecoveryAssistance{recovering, session_id}; the cooldown suppressing
// repeated attempts against the same subject (policy.TTLSettings.
// RecoveryCooldown) is enforced by the caller before a Session is even
// constructed, not by the Session itself.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/threshold"
)

type State int

const (
	Initiated State = iota
	CollectingApprovals
	AwaitingShares
	Completing
	Complete
	Aborted
)

var ErrSessionExpired = errors.New("recovery: session expired before reaching the guardian threshold")

type requestMsg struct {
	Recovering string `json:"recovering"`
	SessionID  string `json:"session_id"`
}

type approvalMsg struct{}

type shareRequestMsg struct{}

type shareMsg struct {
	ParticipantID threshold.ParticipantID `json:"participant_id"`
	Share         []byte                  `json:"share"`
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

// Session is one participant's view of a recovery ceremony.
type Session struct {
	state             State
	self              ids.AuthorityId
	recoveringDevice  ids.AuthorityId
	recovering        ids.AccountId
	sessionID         ids.SessionId
	guardians         []ids.AuthorityId
	guardianPID       map[ids.AuthorityId]threshold.ParticipantID
	guardianThreshold int
	myShare           []byte
	approveCol        *protocol.Collector
	shareCol          *protocol.Collector
	shares            map[threshold.ParticipantID][]byte
	startEpoch        uint64
	ttlEpochs         uint64
}

// NewSession builds a recovery session. myShare is only meaningful when
// self is one of the guardians (one of effects.SplitSecret's wire-ready
// shares); the recovering device passes nil.
func NewSession(self, recoveringDevice ids.AuthorityId, recovering ids.AccountId, sessionID ids.SessionId, guardianPID map[ids.AuthorityId]threshold.ParticipantID, guardianThreshold int, myShare []byte, startEpoch, ttlEpochs uint64) *Session {
	guardians := make([]ids.AuthorityId, 0, len(guardianPID))
	for g := range guardianPID {
		guardians = append(guardians, g)
	}
	sort.Slice(guardians, func(i, j int) bool { return guardians[i].String() < guardians[j].String() })
	return &Session{
		state:             Initiated,
		self:              self,
		recoveringDevice:  recoveringDevice,
		recovering:        recovering,
		sessionID:         sessionID,
		guardians:         guardians,
		guardianPID:       guardianPID,
		guardianThreshold: guardianThreshold,
		myShare:           myShare,
		approveCol:        protocol.NewCollector(guardians, guardianThreshold),
		shareCol:          protocol.NewCollector(guardians, guardianThreshold),
		shares:            make(map[threshold.ParticipantID][]byte),
		startEpoch:        startEpoch,
		ttlEpochs:         ttlEpochs,
	}
}

func (s *Session) isRecoveringDevice() bool { return s.self == s.recoveringDevice }

func (s *Session) isGuardian() bool {
	_, ok := s.guardianPID[s.self]
	return ok
}

// Start is the recovering device's local signal to request guardian
// assistance.
func (s *Session) Start() protocol.Step {
	if s.state != Initiated || !s.isRecoveringDevice() {
		return protocol.Progress()
	}
	s.state = CollectingApprovals
	msg := requestMsg{Recovering: s.recovering.String(), SessionID: s.sessionID.String()}
	return protocol.Progress(protocol.Broadcast(wrap("request", msg)))
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Complete || s.state == Aborted {
		return protocol.Progress()
	}
	switch input.Kind {
	case protocol.InputTick:
		if s.isRecoveringDevice() && s.state != Completing && uint64(input.TickMs) > s.startEpoch+s.ttlEpochs {
			s.state = Aborted
			return protocol.FailWith(ErrSessionExpired)
		}
		return protocol.Progress()
	case protocol.InputMessage:
		var env envelope
		if err := json.Unmarshal(input.Payload, &env); err != nil {
			return protocol.Progress()
		}
		switch env.Kind {
		case "request":
			return s.onRequest(input.From)
		case "approval":
			return s.onApproval(input.From)
		case "share_request":
			return s.onShareRequest()
		case "share":
			return s.onShare(env.Body, input.From)
		default:
			return protocol.Progress()
		}
	default:
		return protocol.Progress()
	}
}

func (s *Session) onRequest(from ids.AuthorityId) protocol.Step {
	if !s.isGuardian() || s.state != Initiated {
		return protocol.Progress()
	}
	s.state = CollectingApprovals
	return protocol.Progress(
		protocol.Send(from, wrap("approval", approvalMsg{})),
		protocol.AppendJournal(wrap("approval-fact", approvalMsg{})),
	)
}

func (s *Session) onApproval(from ids.AuthorityId) protocol.Step {
	if !s.isRecoveringDevice() || s.state != CollectingApprovals {
		return protocol.Progress()
	}
	accepted, known := s.approveCol.Offer(from, nil)
	if !known || !accepted {
		return protocol.Progress()
	}
	if !s.approveCol.Ready() {
		return protocol.Progress()
	}
	s.state = AwaitingShares
	return protocol.Progress(protocol.Broadcast(wrap("share_request", shareRequestMsg{})))
}

func (s *Session) onShareRequest() protocol.Step {
	if !s.isGuardian() {
		return protocol.Progress()
	}
	pid := s.guardianPID[s.self]
	msg := shareMsg{ParticipantID: pid, Share: s.myShare}
	s.state = Complete
	return protocol.CompleteWith(nil, protocol.Send(s.recoveringDevice, wrap("share", msg)))
}

func (s *Session) onShare(body json.RawMessage, from ids.AuthorityId) protocol.Step {
	if !s.isRecoveringDevice() || s.state != AwaitingShares {
		return protocol.Progress()
	}
	var m shareMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	accepted, known := s.shareCol.Offer(from, nil)
	if !known || !accepted {
		return protocol.Progress()
	}
	s.shares[m.ParticipantID] = m.Share
	if !s.shareCol.Ready() {
		return protocol.Progress()
	}
	s.state = Completing
	root, err := threshold.ReconstructSecretBytes(s.shares, s.guardianThreshold)
	if err != nil {
		s.state = Aborted
		return protocol.FailWith(fmt.Errorf("recovery: reconstruct secret: %w", err))
	}
	s.state = Complete
	return protocol.CompleteWith(root)
}

func (s *Session) State() State { return s.state }
