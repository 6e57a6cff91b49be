// Package verify implements the two-phase commit-reveal consistency
// check shared by DKD and threshold signing (spec.md §4.E.3): every
// participant commits to H(epoch || sender || result || nonce), then
// reveals (result, nonce); the session is Consistent only if every
// reveal's recomputed digest matches its commit and every result is
// equal. Grounded on the same protocol.Collector broadcast/collect
// shape protocol/signing uses, generalized here to accept the
// caller's own result value rather than a threshold commitment.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
)

type State int

const (
	Commit State = iota
	AwaitingCommits
	Reveal
	AwaitingReveals
	Analyse
	Consistent
	Inconsistent
)

var ErrInconsistentResults = errors.New("verify: participants did not compute the same result")
var ErrForgedReveal = errors.New("verify: a reveal's digest does not match its earlier commit")

type commitMsg struct {
	Epoch  uint64            `json:"epoch"`
	Sender string            `json:"sender"`
	Digest cryptocore.Hash32 `json:"digest"`
}

type revealMsg struct {
	Epoch  uint64   `json:"epoch"`
	Sender string   `json:"sender"`
	Result []byte   `json:"result"`
	Nonce  [32]byte `json:"nonce"`
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

func digest(epoch uint64, sender ids.AuthorityId, result []byte, nonce [32]byte) cryptocore.Hash32 {
	var epochBytes [8]byte
	for i := range epochBytes {
		epochBytes[i] = byte(epoch >> (8 * i))
	}
	return cryptocore.Blake3Sum32(epochBytes[:], []byte(sender.String()), result, nonce[:])
}

// Session is one participant's view of a commit-reveal round.
type Session struct {
	state             State
	self              ids.AuthorityId
	participants      []ids.AuthorityId
	epoch             uint64
	detectByzantine   bool
	myResult          []byte
	myNonce           [32]byte
	commits         map[ids.AuthorityId]commitMsg
	reveals         map[ids.AuthorityId]revealMsg
	forged          map[ids.AuthorityId]bool
	commitCol       *protocol.Collector
	revealCol       *protocol.Collector
}

// NewSession builds a commit-reveal session for the given participant
// set. detectByzantine controls whether an Inconsistent outcome names
// the suspect participants (the complement of the majority result) or
// simply fails.
func NewSession(self ids.AuthorityId, participants []ids.AuthorityId, epoch uint64, detectByzantine bool) *Session {
	return &Session{
		state:           Commit,
		self:            self,
		participants:    participants,
		epoch:           epoch,
		detectByzantine: detectByzantine,
		commits:         make(map[ids.AuthorityId]commitMsg),
		reveals:         make(map[ids.AuthorityId]revealMsg),
		forged:          make(map[ids.AuthorityId]bool),
		commitCol:       protocol.NewCollector(participants, len(participants)),
		revealCol:       protocol.NewCollector(participants, len(participants)),
	}
}

// Start commits to result and broadcasts the commitment.
func (s *Session) Start(result []byte, caps effects.Effects) protocol.Step {
	if s.state != Commit {
		return protocol.Progress()
	}
	s.myResult = result
	s.myNonce = caps.RandomBytes32()
	d := digest(s.epoch, s.self, result, s.myNonce)
	s.commits[s.self] = commitMsg{Epoch: s.epoch, Sender: s.self.String(), Digest: d}
	s.commitCol.Offer(s.self, nil)
	s.state = AwaitingCommits
	return protocol.Progress(protocol.Broadcast(wrap("commit", s.commits[s.self])))
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	if s.state == Consistent || s.state == Inconsistent {
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
	case "commit":
		return s.onCommit(env.Body, input.From)
	case "reveal":
		return s.onReveal(env.Body, input.From, caps)
	default:
		return protocol.Progress()
	}
}

func (s *Session) onCommit(body json.RawMessage, from ids.AuthorityId) protocol.Step {
	if s.state != AwaitingCommits {
		return protocol.Progress()
	}
	var m commitMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	accepted, known := s.commitCol.Offer(from, nil)
	if !known {
		s.state = Inconsistent
		return protocol.FailWith(fmt.Errorf("verify: commit from unrecognised participant %s", from))
	}
	if !accepted {
		return protocol.Progress()
	}
	s.commits[from] = m
	if !s.commitCol.Ready() {
		return protocol.Progress()
	}
	s.state = Reveal
	myReveal := revealMsg{Epoch: s.epoch, Sender: s.self.String(), Result: s.myResult, Nonce: s.myNonce}
	s.reveals[s.self] = myReveal
	s.revealCol.Offer(s.self, nil)
	s.state = AwaitingReveals
	return protocol.Progress(protocol.Broadcast(wrap("reveal", myReveal)))
}

func (s *Session) onReveal(body json.RawMessage, from ids.AuthorityId, caps effects.Effects) protocol.Step {
	if s.state != AwaitingReveals {
		return protocol.Progress()
	}
	var m revealMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return protocol.Progress()
	}
	accepted, known := s.revealCol.Offer(from, nil)
	if !known {
		s.state = Inconsistent
		return protocol.FailWith(fmt.Errorf("verify: reveal from unrecognised participant %s", from))
	}
	if !accepted {
		return protocol.Progress()
	}
	commit, hasCommit := s.commits[from]
	recomputed := digest(m.Epoch, from, m.Result, m.Nonce)
	if !hasCommit || recomputed != commit.Digest {
		s.forged[from] = true
	}
	s.reveals[from] = m
	if !s.revealCol.Ready() {
		return protocol.Progress()
	}
	return s.analyse(caps)
}

func (s *Session) analyse(_ effects.Effects) protocol.Step {
	s.state = Analyse
	counts := make(map[string]int)
	resultOf := make(map[ids.AuthorityId]string)
	for p, r := range s.reveals {
		key := string(r.Result)
		counts[key]++
		resultOf[p] = key
	}
	var majority string
	best := -1
	for k, c := range counts {
		if c > best {
			best = c
			majority = k
		}
	}
	var suspects []ids.AuthorityId
	for p, key := range resultOf {
		if key != majority || s.forged[p] {
			suspects = append(suspects, p)
		}
	}
	if len(suspects) == 0 {
		s.state = Consistent
		return protocol.CompleteWith([]byte(majority))
	}
	s.state = Inconsistent
	if !s.detectByzantine {
		return protocol.FailWith(ErrInconsistentResults)
	}
	return protocol.Step{Termination: protocol.Failed, Err: ErrInconsistentResults, Output: suspects}
}

func (s *Session) State() State { return s.state }
