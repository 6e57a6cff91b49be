package coordinator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
)

// RelationshipKind tags the relationship fact family supplementing
// spec.md §4.F: contacts, guardians, channels, and blocks as first-class
// capability-scoped facts, the same role original_source/crates/
// aura-invitation/src/facts.rs gives them alongside bare tree membership.
type RelationshipKind int

const (
	ContactAdded RelationshipKind = iota
	GuardianDesignated
	ChannelJoined
	PeerBlocked
)

// RelationshipFact is the payload of a TypeRelationship fact.
type RelationshipFact struct {
	Kind    RelationshipKind
	Subject ids.AuthorityId
	Peer    ids.AuthorityId
	Channel ids.ContextId // meaningful only for ChannelJoined; zero otherwise
}

type wireRelationshipFact struct {
	Kind    int    `json:"kind"`
	Subject string `json:"subject"`
	Peer    string `json:"peer"`
	Channel string `json:"channel,omitempty"`
}

func EncodeRelationshipFact(f RelationshipFact) []byte {
	w := wireRelationshipFact{
		Kind:    int(f.Kind),
		Subject: f.Subject.String(),
		Peer:    f.Peer.String(),
	}
	if f.Kind == ChannelJoined {
		w.Channel = f.Channel.String()
	}
	b, _ := json.Marshal(w)
	return b
}

func decodeRelationshipFact(b []byte) (RelationshipFact, error) {
	var w wireRelationshipFact
	if err := json.Unmarshal(b, &w); err != nil {
		return RelationshipFact{}, fmt.Errorf("coordinator: decode relationship fact: %w", err)
	}
	subjectBytes, err := hex.DecodeString(w.Subject)
	if err != nil {
		return RelationshipFact{}, err
	}
	subject, err := ids.AuthorityIdFromBytes(subjectBytes)
	if err != nil {
		return RelationshipFact{}, err
	}
	peerBytes, err := hex.DecodeString(w.Peer)
	if err != nil {
		return RelationshipFact{}, err
	}
	peer, err := ids.AuthorityIdFromBytes(peerBytes)
	if err != nil {
		return RelationshipFact{}, err
	}
	f := RelationshipFact{Kind: RelationshipKind(w.Kind), Subject: subject, Peer: peer}
	if w.Channel != "" {
		channelBytes, err := hex.DecodeString(w.Channel)
		if err != nil {
			return RelationshipFact{}, err
		}
		f.Channel, err = ids.ContextIdFromBytes(channelBytes)
		if err != nil {
			return RelationshipFact{}, err
		}
	}
	return f, nil
}

// RelationalState is the per-subject view folded from the relationship
// fact family, matching spec.md §3's statement that reducing a context's
// facts yields a RelationalState.
type RelationalState struct {
	Contacts  map[ids.AuthorityId]map[ids.AuthorityId]struct{}
	Guardians map[ids.AuthorityId]map[ids.AuthorityId]struct{}
	Channels  map[ids.AuthorityId]map[ids.ContextId]struct{}
	Blocked   map[ids.AuthorityId]map[ids.AuthorityId]struct{}
}

type relationshipReducer struct{}

// NewRelationshipReducer folds the TypeRelationship fact class into
// RelationalState. A PeerBlocked fact never retracts an earlier
// ContactAdded/GuardianDesignated/ChannelJoined fact — "blocked" is an
// independent overlay a caller consults alongside the others, not a
// tombstone, which keeps Fold a pure monotonic union over every branch
// (spec.md §4.B's CRDT laws).
func NewRelationshipReducer() journal.FactReducer { return relationshipReducer{} }

func (relationshipReducer) TypeID() journal.TypeID { return journal.TypeRelationship }

func (relationshipReducer) Zero() any {
	return RelationalState{
		Contacts:  make(map[ids.AuthorityId]map[ids.AuthorityId]struct{}),
		Guardians: make(map[ids.AuthorityId]map[ids.AuthorityId]struct{}),
		Channels:  make(map[ids.AuthorityId]map[ids.ContextId]struct{}),
		Blocked:   make(map[ids.AuthorityId]map[ids.AuthorityId]struct{}),
	}
}

func (relationshipReducer) Fold(acc any, f journal.Fact) any {
	st := acc.(RelationalState)
	rf, err := decodeRelationshipFact(f.Payload)
	if err != nil {
		return st
	}
	switch rf.Kind {
	case ContactAdded:
		addPeer(st.Contacts, rf.Subject, rf.Peer)
	case GuardianDesignated:
		addPeer(st.Guardians, rf.Subject, rf.Peer)
	case PeerBlocked:
		addPeer(st.Blocked, rf.Subject, rf.Peer)
	case ChannelJoined:
		if st.Channels[rf.Subject] == nil {
			st.Channels[rf.Subject] = make(map[ids.ContextId]struct{})
		}
		st.Channels[rf.Subject][rf.Channel] = struct{}{}
	}
	return st
}

func addPeer(m map[ids.AuthorityId]map[ids.AuthorityId]struct{}, subject, peer ids.AuthorityId) {
	if m[subject] == nil {
		m[subject] = make(map[ids.AuthorityId]struct{})
	}
	m[subject][peer] = struct{}{}
}
