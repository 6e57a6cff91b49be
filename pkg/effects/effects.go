// Package effects defines the typed capability-set every non-pure
// action in the core passes through (spec.md §4.A / §6). Production,
// test, and simulation implementations (pkg/effects/prod,
// pkg/effects/simtest, pkg/effects/sim) satisfy the same interfaces so
// the core above this package never imports a concrete backend.
//
// The interface is partitioned into small groups, mirroring the
// teacher's narrow `KV` interface in pkg/ledger/store.go composed into
// larger services, so a subsystem can declare only the capabilities it
// needs — a guard needs FlowBudget and Clock but not Network.
package effects

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/threshold"
)

// Time is the time group: physical_time()/sleep().
type Time struct {
	TsMs          int64
	UncertaintyMs *int64
}

type Clock interface {
	PhysicalTime() Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Random is the random group.
type Random interface {
	RandomBytes(n int) []byte
	RandomBytes32() [32]byte
	RandomUint64() uint64
	RandomRange(lo, hi int64) int64
	RandomUUID() uuid.UUID
}

// CryptoCore is the non-threshold crypto group.
type CryptoCore interface {
	HKDFExpand(ikm, salt, info []byte, n int) ([]byte, error)
	GenerateEd25519() (pub, priv []byte, err error)
	Ed25519Sign(priv, message []byte) []byte
	Ed25519Verify(pub, message, sig []byte) bool
	SealAEAD(key, nonce, plaintext, aad []byte) ([]byte, error)
	OpenAEAD(key, nonce, ciphertext, aad []byte) ([]byte, error)
	Blake3(parts ...[]byte) cryptocore.Hash32
	ConstantTimeCompare(a, b []byte) bool
	Zeroize(b []byte)
}

// CryptoThreshold is the threshold-signing crypto group.
type CryptoThreshold interface {
	GenerateThresholdKeys(method threshold.GenerationMethod, m, n int) (threshold.PublicKeyPackage, map[threshold.ParticipantID]threshold.KeyPackage, error)
	GenerateNonces(kp threshold.KeyPackage, sessionID []byte) (threshold.Nonces, threshold.Commitment, error)
	CreateSigningPackage(message []byte, commitments []threshold.Commitment, pk threshold.PublicKeyPackage) (threshold.SigningPackage, error)
	SignShare(sp threshold.SigningPackage, kp threshold.KeyPackage, n threshold.Nonces) (threshold.SignatureShare, error)
	AggregateShares(sp threshold.SigningPackage, shares []threshold.SignatureShare) (threshold.Signature, error)
	VerifyThresholdSignature(message []byte, sig threshold.Signature, pk threshold.PublicKeyPackage) bool
	RotateKeys(old map[threshold.ParticipantID]threshold.KeyPackage, oldT, newT, newN int) (threshold.PublicKeyPackage, map[threshold.ParticipantID]threshold.KeyPackage, error)
	// SplitSecret Shamir-splits an arbitrary 32-byte secret (e.g. an
	// account root held for guardian-assisted recovery) into (m, n)
	// wire-ready shares.
	SplitSecret(secret [32]byte, m, n int) (map[threshold.ParticipantID][]byte, error)
}

// StorageStats mirrors the teacher's KV `stats()` surface.
type StorageStats struct {
	Keys       int
	TotalBytes int64
}

// Storage is the object-store group (spec.md §6: not transactional, no
// ordering relied on inside a prefix scan).
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	StoreBatch(ctx context.Context, items map[string][]byte) error
	RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	Stats(ctx context.Context) (StorageStats, error)
}

// PeerID identifies a network counterparty; the core treats it as an
// opaque token, resolved to a transport address outside the core
// (spec.md §1).
type PeerID string

// PeerEvent is a connection up/down notification.
type PeerEvent struct {
	Peer PeerID
	Up   bool
}

// Network is the send(peer, bytes)/recv() -> (peer, bytes) contract.
type Network interface {
	SendToPeer(ctx context.Context, peer PeerID, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) (PeerID, []byte, error)
	ReceiveFrom(ctx context.Context, peer PeerID) ([]byte, error)
	PeerEvents() <-chan PeerEvent
}

// Receipt is a signed, chained flow-budget charge (spec.md §3).
type Receipt struct {
	ContextID      ids.ContextId
	Source         ids.AuthorityId
	Destination    ids.AuthorityId
	Epoch          uint64
	Cost           int64
	Nonce          uint64
	PrevHash       cryptocore.Hash32
	Signature      threshold.Signature
}

// CanonicalBytes is the pre-image hashed for chaining and signing,
// excluding the signature itself — mirrors flowbudget.Receipt's method
// of the same name, since this type is that one adapted onto the
// effect-interface boundary.
func (r Receipt) CanonicalBytes() []byte {
	var buf []byte
	buf = append(buf, r.ContextID.String()...)
	buf = append(buf, r.Source.String()...)
	buf = append(buf, r.Destination.String()...)
	buf = append(buf, byte(r.Epoch), byte(r.Epoch>>8), byte(r.Epoch>>16), byte(r.Epoch>>24))
	buf = append(buf, byte(r.Cost), byte(r.Cost>>8), byte(r.Cost>>16), byte(r.Cost>>24))
	buf = append(buf, byte(r.Nonce), byte(r.Nonce>>8), byte(r.Nonce>>16), byte(r.Nonce>>24))
	buf = append(buf, r.PrevHash[:]...)
	return buf
}

func (r Receipt) Hash() cryptocore.Hash32 {
	return cryptocore.Blake3Sum32(r.CanonicalBytes())
}

// FlowBudgetEffect is the flow-budget group.
type FlowBudgetEffect interface {
	ChargeFlow(ctx context.Context, ctxID ids.ContextId, peer ids.AuthorityId, cost int64) (Receipt, error)
}

// ObserverClass classifies who can observe a leaked bit (spec.md §3).
type ObserverClass int

const (
	SelfOnly ObserverClass = iota
	GroupInternal
	External
)

// LeakageEvent is the unit recorded against a leakage budget.
type LeakageEvent struct {
	Source         ids.AuthorityId
	Destination    ids.AuthorityId
	ContextID      ids.ContextId
	Bits           int64
	ObserverClass  ObserverClass
	Operation      string
	TsMs           int64
}

// LeakageEffect is the leakage group.
type LeakageEffect interface {
	RecordLeakage(ctx context.Context, event LeakageEvent) error
	CheckLeakageBudget(ctx context.Context, ctxID ids.ContextId, class ObserverClass, amount int64) (bool, error)
	GetLeakageHistory(ctx context.Context, ctxID ids.ContextId, sinceMs *int64) ([]LeakageEvent, error)
}

// Console is the minimal ambient output group, matching the teacher's
// injected *log.Logger pattern everywhere else in this module.
type Console interface {
	Printf(format string, args ...any)
}

// Effects is the aggregate capability set. Driver code (coordinator,
// protocol step functions) is constructed against this single value;
// individual helper functions take only the sub-interface they need.
type Effects interface {
	Clock
	Random
	CryptoCore
	CryptoThreshold
	Storage
	Network
	FlowBudgetEffect
	LeakageEffect
	Console
}
