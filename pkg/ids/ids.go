// Package ids defines the opaque, content-addressable identifier types
// shared across the journal, ratchet tree, capability, and protocol
// layers. Every identifier is a 128-bit array with no implicit coercion
// between kinds — an AuthorityId cannot be passed where a DeviceId is
// expected without an explicit conversion.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// rawID is the common 128-bit representation backing every identifier
// kind defined in this package.
type rawID [16]byte

func (r rawID) String() string {
	return hex.EncodeToString(r[:])
}

// Bytes exposes the raw 16 bytes backing an identifier, for callers
// (key derivation contexts, wire encoding) that need the value rather
// than its hex string.
func (r rawID) Bytes() [16]byte {
	return [16]byte(r)
}

// Less gives rawID (and every identifier built on it) a total order,
// used to break ties deterministically (e.g. FROST coordinator election,
// lottery tie-break ordering).
func (r rawID) Less(other rawID) bool {
	for i := range r {
		if r[i] != other[i] {
			return r[i] < other[i]
		}
	}
	return false
}

func randomRawID() rawID {
	var r rawID
	if _, err := rand.Read(r[:]); err != nil {
		panic(fmt.Sprintf("ids: failed to read random bytes: %v", err))
	}
	return r
}

func rawIDFromBytes(b []byte) (rawID, error) {
	var r rawID
	if len(b) != len(r) {
		return r, fmt.Errorf("ids: expected %d bytes, got %d", len(r), len(b))
	}
	copy(r[:], b)
	return r, nil
}

// The macro-ish block below defines one distinct Go type per identifier
// kind named in the data model. Each wraps rawID so the compiler rejects
// accidental cross-kind assignment.

type AuthorityId struct{ rawID }
type DeviceId struct{ rawID }
type GuardianId struct{ rawID }
type AccountId struct{ rawID }
type ContextId struct{ rawID }
type SessionId struct{ rawID }
type CeremonyId struct{ rawID }
type IntentId struct{ rawID }
type ContentId struct{ rawID }
type LeafId struct{ rawID }

// LeafIndex is a dense u32 position within a ratchet tree.
type LeafIndex uint32

func NewAuthorityId() AuthorityId { return AuthorityId{randomRawID()} }
func NewDeviceId() DeviceId       { return DeviceId{randomRawID()} }
func NewGuardianId() GuardianId   { return GuardianId{randomRawID()} }
func NewAccountId() AccountId     { return AccountId{randomRawID()} }
func NewContextId() ContextId     { return ContextId{randomRawID()} }
func NewSessionId() SessionId     { return SessionId{randomRawID()} }
func NewCeremonyId() CeremonyId   { return CeremonyId{randomRawID()} }
func NewIntentId() IntentId       { return IntentId{randomRawID()} }
func NewLeafId() LeafId           { return LeafId{randomRawID()} }

// ContentIdFromHash derives a ContentId from a 32-byte content hash by
// truncating to the leading 16 bytes; content addressing is owned by
// the hashing layer (cryptocore.Hash32), this just adapts it to the
// 128-bit identifier shape used across the journal.
func ContentIdFromHash(h [32]byte) ContentId {
	var r rawID
	copy(r[:], h[:16])
	return ContentId{r}
}

// AsAuthorityId gives a device the routing identity it sends and signs
// network messages under. Every other identifier kind intentionally
// has no such conversion — a device is the only identifier kind that
// also acts as a network party in protocol.Effect/protocol.Collector.
func (d DeviceId) AsAuthorityId() AuthorityId { return AuthorityId{d.rawID} }

func AuthorityIdFromBytes(b []byte) (AuthorityId, error) {
	r, err := rawIDFromBytes(b)
	return AuthorityId{r}, err
}

func DeviceIdFromBytes(b []byte) (DeviceId, error) {
	r, err := rawIDFromBytes(b)
	return DeviceId{r}, err
}

func ContextIdFromBytes(b []byte) (ContextId, error) {
	r, err := rawIDFromBytes(b)
	return ContextId{r}, err
}

func ContentIdFromBytes(b []byte) (ContentId, error) {
	r, err := rawIDFromBytes(b)
	return ContentId{r}, err
}

func AccountIdFromBytes(b []byte) (AccountId, error) {
	r, err := rawIDFromBytes(b)
	return AccountId{r}, err
}
