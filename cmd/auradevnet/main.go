// Command auradevnet runs a local, single-process demonstration of the
// account coordinator: a handful of simulated devices share one
// account's journal and ratchet tree and drive add_device,
// rotate_device, and start_recovery through pkg/coordinator, the same
// way a real device would, just without a network hop in between.
//
// Grounded on the teacher's main.go: flag-driven startup, a structured
// logger injected throughout instead of package-level log calls, and a
// signal-driven graceful shutdown once the demo scenario has run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/auranet/aura/pkg/coordinator"
	"github.com/auranet/aura/pkg/effects/prod"
	"github.com/auranet/aura/pkg/effects/simtest"
	"github.com/auranet/aura/pkg/flowbudget"
	"github.com/auranet/aura/pkg/ids"
	"github.com/auranet/aura/pkg/journal"
	"github.com/auranet/aura/pkg/policy"
	"github.com/auranet/aura/pkg/storage"
	"github.com/auranet/aura/pkg/threshold"
	"github.com/auranet/aura/pkg/tree"
)

func main() {
	var (
		logLevel = flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
		guardian = flag.Bool("guardian", true, "run the start_recovery/complete_recovery cooldown demo")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auradevnet: bad -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("component", "auradevnet").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, log, *guardian); err != nil {
		log.Error().Err(err).Msg("devnet scenario failed")
		os.Exit(1)
	}

	log.Info().Msg("devnet scenario complete, waiting for shutdown signal")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
}

// device bundles one simulated participant's identifiers and effects
// backend, standing in for what would otherwise be a separate process
// reached over a network transport.
type device struct {
	name    string
	device  ids.DeviceId
	backend *prod.Backend
}

func newDevice(name string, hub *simtest.Hub, seed int64, log zerolog.Logger) device {
	dev := ids.NewDeviceId()
	self := dev.AsAuthorityId()
	net := simtest.New(self, seed, hub, flowbudget.ReplenishRule{PerEpoch: 1000, Cap: 10000})
	backend := prod.New(prod.Config{
		Self:       self,
		EpochFunc:  net.Epoch,
		Network:    net,
		Store:      storage.NewMemKVStore(),
		FlowBudget: flowbudget.ReplenishRule{PerEpoch: 1000, Cap: 10000},
		Console:    consoleFor(log, name),
	})
	return device{name: name, device: dev, backend: backend}
}

// consoleFor tags every Printf call coming through effects.Console with
// which simulated device emitted it, since all devices share one
// process's stderr.
func consoleFor(log zerolog.Logger, name string) zerologConsole {
	return zerologConsole{log: log.With().Str("device", name).Logger()}
}

type zerologConsole struct {
	log zerolog.Logger
}

func (c zerologConsole) Printf(format string, args ...any) {
	c.log.Info().Msgf(format, args...)
}

func run(ctx context.Context, log zerolog.Logger, runRecoveryDemo bool) error {
	hub := simtest.NewHub()

	pol := policy.Default()

	genesisPolicy := tree.Policy{Threshold: 1, Total: 8, RecoveryThreshold: 1}
	t := tree.New(genesisPolicy)
	j := journal.New()
	ctxID := ids.NewContextId()
	account := ids.NewAccountId()

	alice := newDevice("alice", hub, 1, log)
	bob := newDevice("bob", hub, 2, log)

	aliceLeaf, alicePriv, err := genesisLeaf(alice.backend)
	if err != nil {
		return fmt.Errorf("genesis leaf for alice: %w", err)
	}
	aliceLeaf.LeafIndex = ids.LeafIndex(t.NumLeaves())
	if _, _, err := t.AddLeaf(aliceLeaf); err != nil {
		return fmt.Errorf("seed genesis leaf: %w", err)
	}
	_ = alicePriv
	log.Info().
		Str("leaf_id", aliceLeaf.LeafID.String()).
		Uint64("epoch", t.Epoch()).
		Msg("genesis device seeded directly onto the tree")

	coordA := coordinator.New(ctxID, account, alice.device.AsAuthorityId(), nil, j, alice.backend, pol, t)

	bobLeaf, _, err := genesisLeaf(bob.backend)
	if err != nil {
		return fmt.Errorf("leaf material for bob: %w", err)
	}
	leafIdx, err := coordA.AddDevice(ctx, alice.device, bobLeaf)
	if err != nil {
		return fmt.Errorf("add_device(bob): %w", err)
	}
	log.Info().Int("leaf_index", int(leafIdx)).Msg("bob added via coordinator.AddDevice")

	coordB := coordinator.New(ctxID, account, bob.device.AsAuthorityId(), nil, j, bob.backend, pol, t)

	if err := coordB.RotateDevice(ctx, bob.device, leafIdx); err != nil {
		return fmt.Errorf("rotate_device(bob): %w", err)
	}
	log.Info().Uint64("epoch", t.Epoch()).Msg("bob's path rotated via coordinator.RotateDevice")

	if err := coordA.RecordRelationshipFact(coordinator.RelationshipFact{
		Kind:    coordinator.ContactAdded,
		Subject: alice.device.AsAuthorityId(),
		Peer:    bob.device.AsAuthorityId(),
	}); err != nil {
		return fmt.Errorf("record contact fact: %w", err)
	}
	view := coordA.RelationalView()
	log.Info().Int("contacts", len(view.Contacts[alice.device.AsAuthorityId()])).Msg("relationship view folded from the journal")

	if !runRecoveryDemo {
		return nil
	}
	return recoveryDemo(ctx, log, coordA, alice.device)
}

// genesisLeaf generates an Ed25519 key package for a device about to
// join the tree, the way a real device would before it ever submits an
// add_device intent.
func genesisLeaf(backend *prod.Backend) (tree.LeafNode, []byte, error) {
	pub, priv, err := backend.GenerateEd25519()
	if err != nil {
		return tree.LeafNode{}, nil, err
	}
	leaf := tree.LeafNode{
		LeafID:     ids.NewLeafId(),
		Role:       tree.RoleDevice,
		KeyPackage: tree.KeyPackage{SigningKey: pub},
	}
	return leaf, priv, nil
}

// recoveryDemo runs one recovery ceremony to completion, then retries
// start_recovery immediately: the retry must be rejected by the
// cooldown CompleteRecovery just latched, since no wall-clock time
// passes between the two calls in this single-process demo.
func recoveryDemo(ctx context.Context, log zerolog.Logger, coord *coordinator.Coordinator, actor ids.DeviceId) error {
	guardianID := ids.NewAuthorityId()
	pidMap := map[ids.AuthorityId]threshold.ParticipantID{guardianID: 1}

	session, release, err := coord.StartRecovery(ctx, actor, ids.NewSessionId(), pidMap, 1, []byte("share"))
	if err != nil {
		return fmt.Errorf("start_recovery: %w", err)
	}
	log.Info().Int("session_state", int(session.State())).Msg("recovery session started")

	if _, err := coord.CompleteRecovery(actor, nil); err != nil {
		release()
		return fmt.Errorf("complete_recovery: %w", err)
	}
	release()
	log.Info().Msg("recovery completed, cooldown latched")

	_, _, err = coord.StartRecovery(ctx, actor, ids.NewSessionId(), pidMap, 1, []byte("share"))
	if !errors.Is(err, coordinator.ErrRecoveryCooldown) {
		return fmt.Errorf("expected immediate retry to be rejected by ErrRecoveryCooldown, got %v", err)
	}
	log.Info().Err(err).Msg("second start_recovery correctly rejected by cooldown")
	return nil
}
