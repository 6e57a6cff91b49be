package dkd

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/protocol"
)

func hammingFraction(a, b [32]byte) float64 {
	bitsSet := 0
	for i := range a {
		bitsSet += bits.OnesCount8(a[i] ^ b[i])
	}
	return float64(bitsSet) / float64(len(a)*8)
}

func TestDeriveIsDeterministic(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("root-material-for-device-001"))
	spec := Spec{Identity: DeviceEncryption(ids.NewDeviceId()), Version: 1}

	k1, err := Derive(root, spec)
	require.NoError(t, err)
	k2, err := Derive(root, spec)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestDeriveIsContextIsolated(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("shared-root"))

	device := ids.NewDeviceId()
	account := ids.NewAccountId()

	specs := []Spec{
		{Identity: DeviceEncryption(device), Version: 1},
		{Identity: AccountRoot(account), Version: 1},
		{Identity: DeviceEncryption(device), Permission: StorageAccess("read", "/x"), Version: 1},
		{Identity: DeviceEncryption(device), Version: 2},
	}

	var keys [][32]byte
	for _, s := range specs {
		k, err := Derive(root, s)
		require.NoError(t, err)
		keys = append(keys, k)
	}

	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			frac := hammingFraction(keys[i], keys[j])
			require.GreaterOrEqual(t, frac, 0.35, "specs %d,%d too correlated", i, j)
			require.LessOrEqual(t, frac, 0.65, "specs %d,%d too decorrelated", i, j)
		}
	}
}

func TestDeriveAvalanchesOnSpecChange(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("avalanche-root"))

	id1 := [16]byte{}
	id2 := [16]byte{}
	copy(id2[:], []byte{1}) // one-bit difference from id1

	s1 := Spec{Identity: IdentityContext{Kind: "DeviceEncryption", ID: id1}, Version: 1}
	s2 := Spec{Identity: IdentityContext{Kind: "DeviceEncryption", ID: id2}, Version: 1}

	k1, err := Derive(root, s1)
	require.NoError(t, err)
	k2, err := Derive(root, s2)
	require.NoError(t, err)

	frac := hammingFraction(k1, k2)
	require.GreaterOrEqual(t, frac, 0.35)
	require.LessOrEqual(t, frac, 0.65)
}

func TestDeriveIsRootIndependent(t *testing.T) {
	var root1, root2 [32]byte
	copy(root1[:], []byte("root-one"))
	copy(root2[:], []byte("root-two"))

	spec := Spec{Identity: DeviceEncryption(ids.NewDeviceId()), Version: 1}
	k1, err := Derive(root1, spec)
	require.NoError(t, err)
	k2, err := Derive(root2, spec)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestDeriveAcceptsLargeContext(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("large-context-root"))
	resource := make([]byte, 10*1024)
	for i := range resource {
		resource[i] = byte(i)
	}
	spec := Spec{
		Identity:   DeviceEncryption(ids.NewDeviceId()),
		Permission: StorageAccess("read", string(resource)),
		Version:    1,
	}
	k, err := Derive(root, spec)
	require.NoError(t, err)
	require.Len(t, k, 32)
}

func TestSessionConfirmsAgreementAcrossParticipants(t *testing.T) {
	caps := simtest.New(ids.NewAuthorityId(), 9, nil, flowbudget.ReplenishRule{PerEpoch: 1, Cap: 1})
	parties := []ids.AuthorityId{ids.NewAuthorityId(), ids.NewAuthorityId(), ids.NewAuthorityId()}

	var root [32]byte
	copy(root[:], []byte("account-root-shared-by-all-devices"))
	spec := Spec{Identity: AccountRoot(ids.NewAccountId()), Version: 1}

	sessions := make(map[ids.AuthorityId]*Session, 3)
	for _, p := range parties {
		sessions[p] = NewSession(p, parties, 1)
	}

	type pendingMsg struct {
		from ids.AuthorityId
		eff  protocol.Effect
	}
	var queue []pendingMsg
	results := make(map[ids.AuthorityId]protocol.Step)
	for _, p := range parties {
		step, err := sessions[p].Start(root, spec, caps)
		require.NoError(t, err)
		for _, e := range step.Effects {
			queue = append(queue, pendingMsg{from: p, eff: e})
		}
	}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if m.eff.Kind != protocol.EffectBroadcast {
			continue
		}
		for party, sess := range sessions {
			if party == m.from {
				continue
			}
			step := sess.Step(protocol.MessageInput(m.from, m.eff.Payload), caps)
			if step.Termination != protocol.Ongoing {
				results[party] = step
			}
			for _, e := range step.Effects {
				queue = append(queue, pendingMsg{from: party, eff: e})
			}
		}
	}

	require.Len(t, results, 3)
	for p, r := range results {
		require.Equal(t, protocol.Complete, r.Termination, "participant %s", p)
	}
}
