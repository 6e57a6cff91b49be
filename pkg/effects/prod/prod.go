// Package prod wires the production effects.Effects backend: real
// crypto/rand, the cometbft-db-backed pkg/storage, pkg/flowbudget and
// pkg/leakage ledgers, and a caller-supplied effects.Network transport
// (spec.md §1 keeps the wire transport outside the core; this package
// never dials a socket itself). Grounded on the teacher's
// pkg/execution/unified_orchestrator.go pattern of one top-level struct
// assembled from already-constructed subsystem references, handed in
// by the caller rather than constructed internally.
package prod

import (
	"context"
	"crypto/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/leakage"
	"github.com/auranet/aura/pkg/storage"
	"github.com/auranet/aura/pkg/threshold"
)

// SignerFunc lets the caller attach real threshold or single-party
// signatures to flow-budget receipts; nil means unsigned receipts.
type SignerFunc func([]byte) threshold.Signature

// zerologConsole adapts a zerolog.Logger to effects.Console, the
// teacher's injected *log.Logger pattern generalized to the structured
// logger the rest of the ambient stack (cmd/auradevnet) uses.
type zerologConsole struct {
	log zerolog.Logger
}

func (c zerologConsole) Printf(format string, args ...any) {
	c.log.Info().Msgf(format, args...)
}

// Backend is the production effects.Effects implementation.
type Backend struct {
	self    ids.AuthorityId
	epoch   func() uint64
	signer  SignerFunc
	console effects.Console

	*storage.KVStore
	flow    *flowbudget.Ledger
	leakage *leakage.Tracker
	Network effects.Network
}

// Config collects the externally-supplied pieces a production backend
// needs: the account's own authority id, a live epoch source (normally
// the account coordinator's current tree epoch), a network transport,
// and a storage backend (NewMemKVStore or NewGoLevelDBStore). Console
// is optional; a nil value falls back to a zerolog console logger on
// stderr tagged with self's id.
type Config struct {
	Self       ids.AuthorityId
	EpochFunc  func() uint64
	Signer     SignerFunc
	Network    effects.Network
	Store      *storage.KVStore
	FlowBudget flowbudget.ReplenishRule
	Console    effects.Console
}

func New(cfg Config) *Backend {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemKVStore()
	}
	if cfg.Console == nil {
		cfg.Console = zerologConsole{log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("authority", cfg.Self.String()).Logger()}
	}
	return &Backend{
		self:    cfg.Self,
		epoch:   cfg.EpochFunc,
		signer:  cfg.Signer,
		console: cfg.Console,
		KVStore: cfg.Store,
		flow:    flowbudget.NewLedger(cfg.FlowBudget),
		leakage: leakage.NewTracker(),
		Network: cfg.Network,
	}
}

// SetLeakageBudget installs the cap vector for ctx.
func (b *Backend) SetLeakageBudget(ctx ids.ContextId, budget leakage.Budget) {
	b.leakage.SetBudget(ctx, budget)
}

// --- Clock ---

func (b *Backend) PhysicalTime() effects.Time {
	return effects.Time{TsMs: time.Now().UnixMilli()}
}

func (b *Backend) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Random (crypto/rand-backed) ---

func (b *Backend) RandomBytes(n int) []byte {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		panic(err) // crypto/rand.Read failing means the OS entropy source is broken
	}
	return out
}

func (b *Backend) RandomBytes32() [32]byte {
	var out [32]byte
	copy(out[:], b.RandomBytes(32))
	return out
}

func (b *Backend) RandomUint64() uint64 {
	buf := b.RandomBytes(8)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

func (b *Backend) RandomRange(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	span := uint64(hi - lo)
	return lo + int64(b.RandomUint64()%span)
}

func (b *Backend) RandomUUID() uuid.UUID {
	return uuid.New()
}

// --- CryptoCore ---

func (b *Backend) HKDFExpand(ikm, salt, info []byte, n int) ([]byte, error) {
	return cryptocore.HKDFExpand(ikm, salt, info, n)
}

func (b *Backend) GenerateEd25519() (pub, priv []byte, err error) {
	kp, err := cryptocore.GenerateEd25519(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(kp.Public), []byte(kp.Private), nil
}

func (b *Backend) Ed25519Sign(priv, message []byte) []byte {
	return cryptocore.Ed25519Sign(priv, message)
}

func (b *Backend) Ed25519Verify(pub, message, sig []byte) bool {
	return cryptocore.Ed25519Verify(pub, message, sig)
}

func (b *Backend) SealAEAD(key, nonce, plaintext, aad []byte) ([]byte, error) {
	return cryptocore.SealChaCha20Poly1305(key, nonce, plaintext, aad)
}

func (b *Backend) OpenAEAD(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	return cryptocore.OpenChaCha20Poly1305(key, nonce, ciphertext, aad)
}

func (b *Backend) Blake3(parts ...[]byte) cryptocore.Hash32 {
	return cryptocore.Blake3Sum32(parts...)
}

func (b *Backend) ConstantTimeCompare(a, c []byte) bool {
	return cryptocore.ConstantTimeCompare(a, c)
}

func (b *Backend) Zeroize(v []byte) { cryptocore.Zeroize(v) }

// --- CryptoThreshold ---

func (b *Backend) GenerateThresholdKeys(method threshold.GenerationMethod, m, n int) (threshold.PublicKeyPackage, map[threshold.ParticipantID]threshold.KeyPackage, error) {
	return threshold.GenerateKeys(method, m, n, rand.Reader)
}

func (b *Backend) GenerateNonces(kp threshold.KeyPackage, sessionID []byte) (threshold.Nonces, threshold.Commitment, error) {
	return threshold.GenerateNonces(kp, sessionID, rand.Reader)
}

func (b *Backend) CreateSigningPackage(message []byte, commitments []threshold.Commitment, pk threshold.PublicKeyPackage) (threshold.SigningPackage, error) {
	return threshold.CreateSigningPackage(message, commitments, pk)
}

func (b *Backend) SignShare(sp threshold.SigningPackage, kp threshold.KeyPackage, n threshold.Nonces) (threshold.SignatureShare, error) {
	return threshold.SignShare(sp, kp, n)
}

func (b *Backend) AggregateShares(sp threshold.SigningPackage, shares []threshold.SignatureShare) (threshold.Signature, error) {
	return threshold.AggregateShares(sp, shares)
}

func (b *Backend) VerifyThresholdSignature(message []byte, sig threshold.Signature, pk threshold.PublicKeyPackage) bool {
	return threshold.Verify(message, sig, pk)
}

func (b *Backend) RotateKeys(old map[threshold.ParticipantID]threshold.KeyPackage, oldT, newT, newN int) (threshold.PublicKeyPackage, map[threshold.ParticipantID]threshold.KeyPackage, error) {
	return threshold.RotateKeys(old, oldT, newT, newN, rand.Reader)
}

func (b *Backend) SplitSecret(secret [32]byte, m, n int) (map[threshold.ParticipantID][]byte, error) {
	return threshold.SplitSecretBytes(secret, m, n, rand.Reader)
}

// --- FlowBudgetEffect / LeakageEffect ---

func (b *Backend) ChargeFlow(_ context.Context, ctxID ids.ContextId, peer ids.AuthorityId, cost int64) (effects.Receipt, error) {
	r, err := b.flow.Charge(ctxID, b.self, peer, b.epoch(), cost, b.signer)
	if err != nil {
		return effects.Receipt{}, err
	}
	return effects.Receipt{
		ContextID:   r.ContextID,
		Source:      r.Source,
		Destination: r.Destination,
		Epoch:       r.Epoch,
		Cost:        r.Cost,
		Nonce:       r.Nonce,
		PrevHash:    r.PrevHash,
		Signature:   r.Signature,
	}, nil
}

func (b *Backend) RecordLeakage(ctx context.Context, event effects.LeakageEvent) error {
	return b.leakage.RecordLeakage(ctx, event)
}

func (b *Backend) CheckLeakageBudget(ctx context.Context, ctxID ids.ContextId, class effects.ObserverClass, amount int64) (bool, error) {
	return b.leakage.CheckLeakageBudget(ctx, ctxID, class, amount)
}

func (b *Backend) GetLeakageHistory(ctx context.Context, ctxID ids.ContextId, sinceMs *int64) ([]effects.LeakageEvent, error) {
	return b.leakage.GetLeakageHistory(ctx, ctxID, sinceMs)
}

// --- Network (delegated to the caller-supplied transport) ---

func (b *Backend) SendToPeer(ctx context.Context, peer effects.PeerID, payload []byte) error {
	return b.Network.SendToPeer(ctx, peer, payload)
}

func (b *Backend) Broadcast(ctx context.Context, payload []byte) error {
	return b.Network.Broadcast(ctx, payload)
}

func (b *Backend) Receive(ctx context.Context) (effects.PeerID, []byte, error) {
	return b.Network.Receive(ctx)
}

func (b *Backend) ReceiveFrom(ctx context.Context, peer effects.PeerID) ([]byte, error) {
	return b.Network.ReceiveFrom(ctx, peer)
}

func (b *Backend) PeerEvents() <-chan effects.PeerEvent {
	return b.Network.PeerEvents()
}

func (b *Backend) Printf(format string, args ...any) { b.console.Printf(format, args...) }

var _ effects.Effects = (*Backend)(nil)
