package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrNotMember is returned when a departed node proposes an update.
var ErrNotMember = errors.New("node is not a cluster member")

// Hub is an in-process group transport. Sequencing happens under the hub
// lock, so every member observes updates and view changes in the same
// order. Delivery is asynchronous through a per-node mailbox.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	viewID  uint64
	members map[NodeID]*Node
	owners  map[string]NodeID
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		members: make(map[NodeID]*Node),
		owners:  make(map[string]NodeID),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join adds a node and starts its delivery goroutine. Every member,
// including the new one, receives the resulting view.
func (h *Hub) Join(id NodeID) (*Node, error) {
	n := &Node{id: id, hub: h, box: newMailbox(), done: make(chan struct{})}

	h.mu.Lock()
	if _, exists := h.members[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("node %s already joined", id)
	}
	h.members[id] = n
	view := h.nextViewLocked([]NodeID{id}, nil)
	h.broadcastViewLocked(view)
	h.mu.Unlock()

	go n.deliver()
	h.logger.Info("cluster node joined", "node", id, "view", view.ID, "members", len(view.Members))
	return n, nil
}

func (h *Hub) leave(n *Node) {
	h.mu.Lock()
	if h.members[n.id] != n {
		h.mu.Unlock()
		return
	}
	delete(h.members, n.id)

	view := h.nextViewLocked(nil, []NodeID{n.id})
	reowned := 0
	if len(view.Members) > 0 {
		successor := view.Members[0]
		for obj, owner := range h.owners {
			if owner == n.id {
				h.owners[obj] = successor
				reowned++
			}
		}
	} else {
		clear(h.owners)
	}
	h.broadcastViewLocked(view)
	h.mu.Unlock()

	n.box.Close()
	<-n.done
	h.logger.Info("cluster node left", "node", n.id, "view", view.ID, "reowned", reowned)
}

func (h *Hub) nextViewLocked(joined, left []NodeID) View {
	h.viewID++
	return View{ID: h.viewID, Members: h.membersLocked(), Joined: joined, Left: left}
}

func (h *Hub) membersLocked() []NodeID {
	members := make([]NodeID, 0, len(h.members))
	for id := range h.members {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}

func (h *Hub) broadcastViewLocked(v View) {
	for _, m := range h.members {
		m.box.Enqueue(envelope{view: &v})
	}
}

func (h *Hub) propose(from NodeID, u Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, from)
	}
	h.seq++
	u.Seq = h.seq
	u.Origin = from

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	for id, m := range h.members {
		if id == from {
			continue
		}
		m.box.Enqueue(envelope{update: data})
	}
	return nil
}

func (h *Hub) becomeOwner(id NodeID, obj string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[id]; !ok {
		return false
	}
	owner, ok := h.owners[obj]
	if ok && owner != id {
		if _, live := h.members[owner]; live {
			return false
		}
	}
	h.owners[obj] = id
	return true
}

func (h *Hub) owner(obj string) (NodeID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, ok := h.owners[obj]
	return owner, ok
}

func (h *Hub) relinquish(id NodeID, obj string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[obj] == id {
		delete(h.owners, obj)
	}
}

// Members returns the current sorted membership.
func (h *Hub) Members() []NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked()
}

// Flush blocks until every update and view change sequenced so far has
// been delivered to every member, or ctx ends.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	waits := make([]chan struct{}, 0, len(h.members))
	for _, m := range h.members {
		ch := make(chan struct{})
		if m.box.Enqueue(envelope{barrier: ch}) {
			waits = append(waits, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Node is one member's handle on the hub. It implements ReplicatedState.
type Node struct {
	id   NodeID
	hub  *Hub
	box  *mailbox
	done chan struct{}

	hmu      sync.Mutex
	onUpdate []func(Update)
	onView   []func(View)
	lastView View
}

var _ ReplicatedState = (*Node)(nil)

// Self implements ReplicatedState.
func (n *Node) Self() NodeID { return n.id }

// BecomeOwner implements ReplicatedState.
func (n *Node) BecomeOwner(objectID string) bool { return n.hub.becomeOwner(n.id, objectID) }

// Owner implements ReplicatedState.
func (n *Node) Owner(objectID string) (NodeID, bool) { return n.hub.owner(objectID) }

// Relinquish implements ReplicatedState.
func (n *Node) Relinquish(objectID string) { n.hub.relinquish(n.id, objectID) }

// ProposeUpdate implements ReplicatedState.
func (n *Node) ProposeUpdate(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.hub.propose(n.id, u)
}

// ReceiveUpdate implements ReplicatedState.
func (n *Node) ReceiveUpdate(fn func(Update)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onUpdate = append(n.onUpdate, fn)
}

// OnViewChanged implements ReplicatedState.
func (n *Node) OnViewChanged(fn func(View)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onView = append(n.onView, fn)
}

// View returns the last view delivered to this node.
func (n *Node) View() View {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	return n.lastView
}

// Leave removes the node from the hub. Objects it owned are taken over by
// the lowest surviving node id.
func (n *Node) Leave() { n.hub.leave(n) }

func (n *Node) deliver() {
	defer close(n.done)
	for {
		env, ok := n.box.TryDequeue()
		if !ok {
			if _, open := <-n.box.Wait(); !open && n.box.Len() == 0 {
				return
			}
			continue
		}
		n.dispatch(env)
	}
}

func (n *Node) dispatch(env envelope) {
	switch {
	case env.barrier != nil:
		close(env.barrier)
	case env.view != nil:
		n.hmu.Lock()
		n.lastView = *env.view
		handlers := slices.Clone(n.onView)
		n.hmu.Unlock()
		for _, fn := range handlers {
			fn(*env.view)
		}
	default:
		var u Update
		if err := json.Unmarshal(env.update, &u); err != nil {
			n.hub.logger.Error("dropping undecodable update", "node", n.id, "error", err)
			return
		}
		n.hmu.Lock()
		handlers := slices.Clone(n.onUpdate)
		n.hmu.Unlock()
		for _, fn := range handlers {
			fn(u)
		}
	}
}
