// Package dkd implements distributed key derivation (spec.md §4.E.2):
// a pure, deterministic derivation function plus a commit-reveal
// session (built on protocol/verify) that lets every holder of a root
// confirm they derived the identical key before it is used, catching a
// participant operating on a stale or tampered root. Derive itself is
// grounded on the teacher's cryptographic primitives package pattern
// (pkg/cryptocore) of HKDF-based subkey derivation; the derivation
// spec's canonical encoding plays the role of HKDF's "info" parameter.
package dkd

import (
	"encoding/binary"
	"fmt"

	"github.com/auranet/aura/pkg/cryptocore"
	"github.com/auranet/aura/pkg/effects"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
	"github.com/auranet/aura/pkg/protocol/verify"
)

// IdentityContext is what a derivation binds to.
type IdentityContext struct {
	Kind string // "AccountRoot" | "DeviceEncryption" | "RelationshipKeys" | "GuardianKeys"
	ID   [16]byte
}

func AccountRoot(id ids.AccountId) IdentityContext {
	return IdentityContext{Kind: "AccountRoot", ID: id.Bytes()}
}

func DeviceEncryption(id ids.DeviceId) IdentityContext {
	return IdentityContext{Kind: "DeviceEncryption", ID: id.Bytes()}
}

func RelationshipKeys(id ids.ContextId) IdentityContext {
	return IdentityContext{Kind: "RelationshipKeys", ID: id.Bytes()}
}

func GuardianKeys(id ids.GuardianId) IdentityContext {
	return IdentityContext{Kind: "GuardianKeys", ID: id.Bytes()}
}

// PermissionContext is the optional overlay narrowing an identity
// context to a specific capability use.
type PermissionContext struct {
	set       bool
	Kind      string // "StorageAccess" | "Communication"
	Operation string
	Resource  string
	Capability string
}

func NoPermission() PermissionContext { return PermissionContext{} }

func StorageAccess(operation, resource string) PermissionContext {
	return PermissionContext{set: true, Kind: "StorageAccess", Operation: operation, Resource: resource}
}

func Communication(capabilityID string) PermissionContext {
	return PermissionContext{set: true, Kind: "Communication", Capability: capabilityID}
}

// Spec names one derivation: identity context, optional permission
// overlay, and a version allowing deliberate key rotation.
type Spec struct {
	Identity   IdentityContext
	Permission PermissionContext
	Version    uint32
}

// canonicalBytes encodes a Spec so that any two semantically distinct
// specs (different kind, id, permission, or version) produce distinct
// byte strings, and identical specs always produce identical bytes
// regardless of call order — required for Derive's determinism.
func (s Spec) canonicalBytes() []byte {
	var buf []byte
	buf = append(buf, []byte(s.Identity.Kind)...)
	buf = append(buf, 0)
	buf = append(buf, s.Identity.ID[:]...)
	if s.Permission.set {
		buf = append(buf, []byte(s.Permission.Kind)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(s.Permission.Operation)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(s.Permission.Resource)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(s.Permission.Capability)...)
		buf = append(buf, 0)
	}
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], s.Version)
	buf = append(buf, v[:]...)
	return buf
}

// Derive is the size-invariant, constant-time, deterministic, context-
// isolated, avalanching key derivation function required by spec.md
// §4.E.2. It is HKDF-Expand over the root as IKM and the spec's
// canonical bytes as info; HKDF's HMAC core is branch-free in the
// secret root, giving the constant-time property, and its fixed
// 32-byte expansion gives the size-invariant one regardless of how
// large the context (permission resource strings, etc) grows.
func Derive(root [32]byte, spec Spec) ([32]byte, error) {
	out, err := cryptocore.HKDFExpand(root[:], nil, spec.canonicalBytes(), 32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("dkd: derive: %w", err)
	}
	var result [32]byte
	copy(result[:], out)
	return result, nil
}

// Session confirms, across every holder of root, that all parties
// derived the identical key for spec before any of them relies on it.
type Session struct {
	inner *verify.Session
}

func NewSession(self ids.AuthorityId, participants []ids.AuthorityId, epoch uint64) *Session {
	return &Session{inner: verify.NewSession(self, participants, epoch, true)}
}

// Start derives the local key from root and spec, then commits it into
// the underlying commit-reveal round.
func (s *Session) Start(root [32]byte, spec Spec, caps effects.Effects) (protocol.Step, error) {
	key, err := Derive(root, spec)
	if err != nil {
		return protocol.Step{}, err
	}
	return s.inner.Start(key[:], caps), nil
}

func (s *Session) Step(input protocol.ProtocolInput, caps effects.Effects) protocol.Step {
	return s.inner.Step(input, caps)
}

func (s *Session) State() verify.State { return s.inner.State() }
