// Package cluster mirrors runtime metadata across peer nodes.
//
// Components that need cluster-wide consistency (tuple buffer ownership,
// cache invalidation) depend only on the ReplicatedState capability. The
// in-process Hub implements it for tests, scenarios and single-binary
// deployments; any group-communication backend with the same guarantees
// can be substituted.
//
// Guarantees required of an implementation:
//   - reliable, totally ordered delivery of updates to current members
//   - view-change notification on join/leave, ordered with updates
//   - at least one owner for every owned object; when an owner departs the
//     lowest surviving node id takes over
package cluster

import (
	"context"
	"encoding/json"
	"slices"
)

// NodeID identifies a cluster member.
type NodeID string

// Update is one replicated state change.
type Update struct {
	Seq     uint64          `json:"seq"`    // Hub-assigned total order
	Origin  NodeID          `json:"origin"` // Proposing node
	Kind    string          `json:"kind"`   // e.g. "buffer.created", "cache.unitCleared"
	Object  string          `json:"object"` // Subject of the update
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (u Update) Decode(v any) error {
	if len(u.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(u.Payload, v)
}

// NewUpdate builds an update with a JSON payload.
func NewUpdate(kind, object string, payload any) (Update, error) {
	u := Update{Kind: kind, Object: object}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Update{}, err
		}
		u.Payload = data
	}
	return u, nil
}

// View is a membership snapshot.
type View struct {
	ID      uint64
	Members []NodeID // sorted
	Joined  []NodeID
	Left    []NodeID
}

// Contains reports whether n is a member of the view.
func (v View) Contains(n NodeID) bool {
	_, found := slices.BinarySearch(v.Members, n)
	return found
}

// ReplicatedState is the capability consumed by replicated components.
type ReplicatedState interface {
	// Self returns this node's id.
	Self() NodeID

	// BecomeOwner claims objectID for this node. It succeeds when the
	// object has no live owner or is already owned by this node.
	BecomeOwner(objectID string) bool

	// Owner returns the current owner of objectID.
	Owner(objectID string) (NodeID, bool)

	// Relinquish drops this node's ownership of objectID.
	Relinquish(objectID string)

	// ProposeUpdate broadcasts u to every other member in total order.
	ProposeUpdate(ctx context.Context, u Update) error

	// ReceiveUpdate registers a handler for updates from other members.
	// Handlers run on a single delivery goroutine per node, in order.
	ReceiveUpdate(fn func(Update))

	// OnViewChanged registers a handler for membership changes.
	OnViewChanged(fn func(View))
}
