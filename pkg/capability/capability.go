// Package capability implements CapabilityToken, its delegation DAG with
// cascading revocation, and the four-stage guard chain from spec.md §4.D.
// Grounded on the teacher's pkg/proof/lifecycle.go (stage-gated checks
// before a result is considered final) for the guard-chain staging, and
// pkg/execution/nonce_tracker.go / pkg/batch/cost_tracker.go for the
// "evaluate a pure check against a pre-fetched snapshot, commit side
// effects only on success" pattern generalized here into
// GuardSnapshot -> GuardOutcome plus a separate EffectCommand interpreter.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/threshold"
)

var (
	ErrRevoked          = errors.New("capability: token has been revoked")
	ErrExpired          = errors.New("capability: token has expired")
	ErrNotFound         = errors.New("capability: token not found")
	ErrAncestorInvalid  = errors.New("capability: an ancestor in the delegation chain is invalid")
	ErrScopeNotSubset   = errors.New("capability: child scope is not a subset of parent scope")
	ErrExpiryExceedsParent = errors.New("capability: child expiry exceeds parent expiry")
	ErrRootUnsigned     = errors.New("capability: root token is not signed by the current group key")
	ErrCycle            = errors.New("capability: delegation would introduce a cycle")
)

// Scope is the (namespace, operation, resource?) tuple a token grants.
type Scope struct {
	Namespace string
	Operation string
	Resource  string // optional; empty means "any resource"
}

// Subset reports whether s is covered by other: equal namespace/operation,
// and either other.Resource is empty (wildcard) or the resources match.
func (s Scope) Subset(other Scope) bool {
	if s.Namespace != other.Namespace || s.Operation != other.Operation {
		return false
	}
	return other.Resource == "" || other.Resource == s.Resource
}

// CapabilityToken is the typed, signed delegation grant (spec.md §3).
type CapabilityToken struct {
	TokenID   ids.ContentId
	Subject   ids.AuthorityId
	Scope     Scope
	ParentID  *ids.ContentId
	ExpiresAtEpoch *uint64
	Signature threshold.Signature
	Epoch     uint64 // epoch under which Signature was produced
}

// CheckResult is the outcome of walking a token's delegation chain.
type CheckResult int

const (
	Granted CheckResult = iota
	Revoked
	Expired
	NotFound
	ScopeInsufficient
)

// DAG is the flat (token_id, parent_id) edge table with cycle detection
// on insertion, per spec.md §9's design note.
type DAG struct {
	mu        sync.RWMutex
	tokens    map[ids.ContentId]CapabilityToken
	revoked   map[ids.ContentId]struct{}
	children  map[ids.ContentId][]ids.ContentId
}

func NewDAG() *DAG {
	return &DAG{
		tokens:   make(map[ids.ContentId]CapabilityToken),
		revoked:  make(map[ids.ContentId]struct{}),
		children: make(map[ids.ContentId][]ids.ContentId),
	}
}

// Insert adds a token to the DAG, refusing a delegation that would
// introduce a cycle (walking from the proposed parent toward the root and
// rejecting if it encounters the new token's own id).
func (d *DAG) Insert(t CapabilityToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.ParentID != nil {
		cursor := *t.ParentID
		for {
			if cursor == t.TokenID {
				return fmt.Errorf("%w: token=%s", ErrCycle, t.TokenID)
			}
			parent, ok := d.tokens[cursor]
			if !ok || parent.ParentID == nil {
				break
			}
			cursor = *parent.ParentID
		}
	}

	d.tokens[t.TokenID] = t
	if t.ParentID != nil {
		d.children[*t.ParentID] = append(d.children[*t.ParentID], t.TokenID)
	}
	return nil
}

// Revoke marks a token revoked. Cascading is not materialised eagerly as a
// flood-fill over descendants; Check instead walks from subject toward the
// root and observes the revoked set, so a revoked ancestor invalidates
// every descendant the instant it is observed (spec.md §4.D), without
// needing to enumerate the (potentially unbounded) descendant set here.
func (d *DAG) Revoke(tokenID ids.ContentId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked[tokenID] = struct{}{}
}

// Check walks the delegation chain from tokenID toward a root, verifying
// every hop's revocation status, expiry against currentEpoch, and that
// requiredScope is covered by that hop's Scope (spec.md §4.D step 1,
// "required scope ⊆ caller's capabilities"). Checking scope at every hop,
// not just at tokenID, catches a chain that was inserted without ever
// passing through Attenuates, since Insert itself does not enforce the
// scope lattice. Signature verification against the group key is the
// caller's responsibility via verifyRoot, since DAG does not hold key
// material.
func (d *DAG) Check(tokenID ids.ContentId, currentEpoch uint64, requiredScope Scope, verifyRoot func(CapabilityToken) bool) CheckResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cursor := tokenID
	for {
		tok, ok := d.tokens[cursor]
		if !ok {
			return NotFound
		}
		if _, revoked := d.revoked[cursor]; revoked {
			return Revoked
		}
		if tok.ExpiresAtEpoch != nil && currentEpoch > *tok.ExpiresAtEpoch {
			return Expired
		}
		if !requiredScope.Subset(tok.Scope) {
			return ScopeInsufficient
		}
		if tok.ParentID == nil {
			if verifyRoot != nil && !verifyRoot(tok) {
				return NotFound
			}
			return Granted
		}
		cursor = *tok.ParentID
	}
}

// Attenuates reports whether child validly attenuates parent: its scope
// is a subset and its expiry is no later (spec.md §3 "Scope lattice"). A
// child with no expiry at all is unbounded, which cannot be no-later-than
// a parent that does carry one.
func Attenuates(child, parent CapabilityToken) error {
	if !child.Scope.Subset(parent.Scope) {
		return ErrScopeNotSubset
	}
	if parent.ExpiresAtEpoch != nil {
		if child.ExpiresAtEpoch == nil || *child.ExpiresAtEpoch > *parent.ExpiresAtEpoch {
			return ErrExpiryExceedsParent
		}
	}
	return nil
}
