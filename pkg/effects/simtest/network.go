package simtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/auranet/aura/pkg/effects"
)

// Hub is an in-process message bus connecting every Backend registered
// against it, modeling effects.Network without a real transport.
// Grounded on the teacher's pkg/attestation/service.go broadcast/collect
// shape: a central registry peers address each other through rather
// than dialing directly.
type Hub struct {
	mu      sync.Mutex
	inboxes map[effects.PeerID]chan frame
}

type frame struct {
	from    effects.PeerID
	payload []byte
}

func NewHub() *Hub {
	return &Hub{inboxes: make(map[effects.PeerID]chan frame)}
}

// Peers lists every peer currently registered against the hub (i.e.
// every Backend constructed with this Hub so far). pkg/effects/sim uses
// this to enumerate broadcast targets itself rather than delegating to
// Hub.broadcast, so it can apply a fault roll per destination.
func (h *Hub) Peers() []effects.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]effects.PeerID, 0, len(h.inboxes))
	for id := range h.inboxes {
		out = append(out, id)
	}
	return out
}

func (h *Hub) register(id effects.PeerID) chan frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.inboxes[id]
	if !ok {
		ch = make(chan frame, 256)
		h.inboxes[id] = ch
	}
	return ch
}

func (h *Hub) send(from, to effects.PeerID, payload []byte) error {
	h.mu.Lock()
	ch, ok := h.inboxes[to]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("simtest: unknown peer %q", to)
	}
	ch <- frame{from: from, payload: payload}
	return nil
}

func (h *Hub) broadcast(from effects.PeerID, payload []byte) {
	h.mu.Lock()
	targets := make([]chan frame, 0, len(h.inboxes))
	for id, ch := range h.inboxes {
		if id == from {
			continue
		}
		targets = append(targets, ch)
	}
	h.mu.Unlock()
	for _, ch := range targets {
		ch <- frame{from: from, payload: payload}
	}
}

// netAdapter is one Backend's view of a shared Hub.
type netAdapter struct {
	hub    *Hub
	self   effects.PeerID
	inbox  chan frame
	buffer []frame // frames received out of order relative to a ReceiveFrom filter
}

func newNetAdapter(hub *Hub, self effects.PeerID) *netAdapter {
	return &netAdapter{hub: hub, self: self, inbox: hub.register(self)}
}

func (n *netAdapter) SendToPeer(_ context.Context, peer effects.PeerID, payload []byte) error {
	return n.hub.send(n.self, peer, payload)
}

func (n *netAdapter) Broadcast(_ context.Context, payload []byte) error {
	n.hub.broadcast(n.self, payload)
	return nil
}

func (n *netAdapter) Receive(ctx context.Context) (effects.PeerID, []byte, error) {
	if len(n.buffer) > 0 {
		f := n.buffer[0]
		n.buffer = n.buffer[1:]
		return f.from, f.payload, nil
	}
	select {
	case f := <-n.inbox:
		return f.from, f.payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// ReceiveFrom blocks until a frame from peer arrives, buffering any
// frames received from other peers in the meantime so a later Receive
// or ReceiveFrom call still observes them.
func (n *netAdapter) ReceiveFrom(ctx context.Context, peer effects.PeerID) ([]byte, error) {
	for i, f := range n.buffer {
		if f.from == peer {
			n.buffer = append(n.buffer[:i], n.buffer[i+1:]...)
			return f.payload, nil
		}
	}
	for {
		select {
		case f := <-n.inbox:
			if f.from == peer {
				return f.payload, nil
			}
			n.buffer = append(n.buffer, f)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PeerEvents reports no churn: simtest models a stable peer set, unlike
// pkg/effects/sim's fault-injecting NetworkPartition scenario.
func (n *netAdapter) PeerEvents() <-chan effects.PeerEvent {
	ch := make(chan effects.PeerEvent)
	return ch
}
