// Package simtest provides a deterministic, seeded implementation of
// effects.Effects for unit tests: every random draw, threshold-crypto
// computation, and clock reading is reproducible given the same seed,
// so a protocol test can assert an exact sequence of outcomes rather
// than a property over many runs. Grounded on the teacher's layering
// of a single backend struct implementing several narrow interfaces at
// once (pkg/ledger/store.go's LedgerStore composing KV), here composing
// every effects.* group onto one *Backend.
package simtest

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/leakage"
	"github.com/auranet/aura/pkg/storage"
	"github.com/auranet/aura/pkg/threshold"
)

// Backend is one simulated participant's effect set. Many Backends
// sharing a *Hub model a multi-party protocol run in a single process.
type Backend struct {
	mu     sync.Mutex
	rng    *rand.Rand
	nowMs  int64
	epoch  uint64
	self   ids.AuthorityId
	log    *log.Logger

	*storage.KVStore
	flow    *flowAdapter
	leakage *leakage.Tracker
	net     *netAdapter
}

// New builds a deterministic backend for participant self, seeded with
// seed. Two backends built with the same seed produce identical
// randomness, which lets a test pin an exact key/nonce/signature.
func New(self ids.AuthorityId, seed int64, hub *Hub, rule flowbudget.ReplenishRule) *Backend {
	b := &Backend{
		rng:     rand.New(rand.NewSource(seed)),
		self:    self,
		log:     log.New(os.Stderr, "[simtest] ", log.LstdFlags),
		KVStore: storage.NewMemKVStore(),
		leakage: leakage.NewTracker(),
	}
	b.flow = &flowAdapter{ledger: flowbudget.NewLedger(rule), self: self, epoch: b.Epoch}
	if hub != nil {
		b.net = newNetAdapter(hub, effects.PeerID(self.String()))
	}
	return b
}

// AdvanceEpoch moves the simulated epoch forward, driving flow-budget
// replenishment and freshness-bound checks.
func (b *Backend) AdvanceEpoch(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch += n
}

func (b *Backend) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// SetLeakageBudget installs a leakage cap vector for ctx, delegating to the
// embedded leakage.Tracker.
func (b *Backend) SetLeakageBudget(ctx ids.ContextId, budget leakage.Budget) {
	b.leakage.SetBudget(ctx, budget)
}

// --- Clock ---

func (b *Backend) PhysicalTime() effects.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return effects.Time{TsMs: b.nowMs}
}

// Sleep advances the simulated clock by d without blocking, so tests
// exercising timeout logic run instantly; it still honours context
// cancellation the way a real Clock would.
func (b *Backend) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.nowMs += d.Milliseconds()
	b.mu.Unlock()
	return nil
}

// --- Random ---

func (b *Backend) RandomBytes(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, n)
	_, _ = b.rng.Read(out)
	return out
}

func (b *Backend) RandomBytes32() [32]byte {
	var out [32]byte
	copy(out[:], b.RandomBytes(32))
	return out
}

func (b *Backend) RandomUint64() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Uint64()
}

func (b *Backend) RandomRange(lo, hi int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hi <= lo {
		return lo
	}
	return lo + b.rng.Int63n(hi-lo)
}

func (b *Backend) RandomUUID() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := uuid.NewRandomFromReader(b.rng)
	if err != nil {
		// rand.Rand.Read never errors; this path is unreachable in
		// practice and only guards against a future io.Reader change.
		return uuid.Nil
	}
	return id
}

// --- CryptoCore ---

func (b *Backend) HKDFExpand(ikm, salt, info []byte, n int) ([]byte, error) {
	return cryptocore.HKDFExpand(ikm, salt, info, n)
}

func (b *Backend) GenerateEd25519() (pub, priv []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kp, err := cryptocore.GenerateEd25519(b.rng)
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
	b.mu.Lock()
	defer b.mu.Unlock()
	return threshold.GenerateKeys(method, m, n, b.rng)
}

func (b *Backend) GenerateNonces(kp threshold.KeyPackage, sessionID []byte) (threshold.Nonces, threshold.Commitment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return threshold.GenerateNonces(kp, sessionID, b.rng)
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
	b.mu.Lock()
	defer b.mu.Unlock()
	return threshold.RotateKeys(old, oldT, newT, newN, b.rng)
}

func (b *Backend) SplitSecret(secret [32]byte, m, n int) (map[threshold.ParticipantID][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return threshold.SplitSecretBytes(secret, m, n, b.rng)
}

// --- FlowBudgetEffect / LeakageEffect / Network / Console ---

func (b *Backend) ChargeFlow(ctx context.Context, ctxID ids.ContextId, peer ids.AuthorityId, cost int64) (effects.Receipt, error) {
	return b.flow.ChargeFlow(ctx, ctxID, peer, cost)
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

func (b *Backend) SendToPeer(ctx context.Context, peer effects.PeerID, payload []byte) error {
	return b.net.SendToPeer(ctx, peer, payload)
}

func (b *Backend) Broadcast(ctx context.Context, payload []byte) error {
	return b.net.Broadcast(ctx, payload)
}

func (b *Backend) Receive(ctx context.Context) (effects.PeerID, []byte, error) {
	return b.net.Receive(ctx)
}

func (b *Backend) ReceiveFrom(ctx context.Context, peer effects.PeerID) ([]byte, error) {
	return b.net.ReceiveFrom(ctx, peer)
}

func (b *Backend) PeerEvents() <-chan effects.PeerEvent {
	return b.net.PeerEvents()
}

func (b *Backend) Printf(format string, args ...any) { b.log.Printf(format, args...) }

// flowAdapter adapts flowbudget.Ledger (which is keyed by an explicit
// epoch and signing function) onto the single-epoch, unsigned-by-
// default effects.FlowBudgetEffect contract simtest exercises.
type flowAdapter struct {
	ledger *flowbudget.Ledger
	self   ids.AuthorityId
	epoch  func() uint64
}

func (f *flowAdapter) ChargeFlow(_ context.Context, ctxID ids.ContextId, peer ids.AuthorityId, cost int64) (effects.Receipt, error) {
	r, err := f.ledger.Charge(ctxID, f.self, peer, f.epoch(), cost, nil)
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

var _ effects.Effects = (*Backend)(nil)
