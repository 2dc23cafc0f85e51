package tuplebuf

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/cluster"
	"github.com/roach88/fedq/internal/rows"
)

// Update kinds mirrored by Replicated.
const (
	KindBufferCreated = "buffer.created"
	KindBufferSealed  = "buffer.sealed"
	KindBufferRemoved = "buffer.removed"
)

const proposeTimeout = 5 * time.Second

// RemoteInfo is the metadata a node knows about a buffer held elsewhere.
type RemoteInfo struct {
	Object   string         `json:"object"` // cluster-wide key: node/id
	Node     cluster.NodeID `json:"node"`   // node holding the rows
	Owner    string         `json:"owner"`  // producing work item
	Columns  []string       `json:"columns"`
	Sealed   bool           `json:"sealed"`
	Orphaned bool           `json:"-"` // holder left; ownership re-elected
	Steward  cluster.NodeID `json:"-"` // current cluster owner of the object
}

// Replicated wraps a Directory so buffer existence and ownership are
// mirrored to peers. Row data stays on the node that produced it.
type Replicated struct {
	Directory
	state  cluster.ReplicatedState
	logger *slog.Logger

	mu     sync.Mutex
	remote map[string]*RemoteInfo
}

var _ Directory = (*Replicated)(nil)

// NewReplicated wraps inner and subscribes to peer updates.
func NewReplicated(inner Directory, state cluster.ReplicatedState, logger *slog.Logger) *Replicated {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Replicated{
		Directory: inner,
		state:     state,
		logger:    logger,
		remote:    make(map[string]*RemoteInfo),
	}
	state.ReceiveUpdate(r.apply)
	state.OnViewChanged(r.viewChanged)
	return r
}

// ObjectKey returns the cluster-wide key of a local buffer.
func (r *Replicated) ObjectKey(id ID) string {
	return string(r.state.Self()) + "/" + id.String()
}

// Create implements Directory.
func (r *Replicated) Create(owner string, schema rows.Schema) (ID, error) {
	id, err := r.Directory.Create(owner, schema)
	if err != nil {
		return id, err
	}
	obj := r.ObjectKey(id)
	if !r.state.BecomeOwner(obj) {
		r.logger.Warn("buffer ownership claim rejected", "object", obj)
	}
	r.propose(KindBufferCreated, obj, RemoteInfo{
		Object:  obj,
		Node:    r.state.Self(),
		Owner:   owner,
		Columns: schema.Names(),
	})
	return id, nil
}

// Seal implements Directory.
func (r *Replicated) Seal(owner string, id ID) error {
	if err := r.Directory.Seal(owner, id); err != nil {
		return err
	}
	r.propose(KindBufferSealed, r.ObjectKey(id), nil)
	return nil
}

// Remove implements Directory.
func (r *Replicated) Remove(id ID) error {
	err := r.Directory.Remove(id)
	if err == nil || errors.Is(err, buffer.ErrUnknownBuffer) {
		r.removed(id)
	}
	return err
}

// Release implements Directory.
func (r *Replicated) Release(id ID) (bool, error) {
	gone, err := r.Directory.Release(id)
	if gone {
		r.removed(id)
	}
	return gone, err
}

// RemoveOwned implements Directory.
func (r *Replicated) RemoveOwned(owner string) []ID {
	ids := r.Directory.RemoveOwned(owner)
	for _, id := range ids {
		r.removed(id)
	}
	return ids
}

func (r *Replicated) removed(id ID) {
	obj := r.ObjectKey(id)
	r.state.Relinquish(obj)
	r.propose(KindBufferRemoved, obj, nil)
}

func (r *Replicated) propose(kind, obj string, payload any) {
	u, err := cluster.NewUpdate(kind, obj, payload)
	if err != nil {
		r.logger.Error("encode buffer update", "kind", kind, "object", obj, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()
	if err := r.state.ProposeUpdate(ctx, u); err != nil {
		r.logger.Warn("buffer update not replicated", "kind", kind, "object", obj, "error", err)
	}
}

func (r *Replicated) apply(u cluster.Update) {
	if !strings.HasPrefix(u.Kind, "buffer.") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case KindBufferCreated:
		var info RemoteInfo
		if err := u.Decode(&info); err != nil {
			r.logger.Warn("bad buffer update", "object", u.Object, "error", err)
			return
		}
		info.Steward = info.Node
		r.remote[u.Object] = &info
	case KindBufferSealed:
		if info, ok := r.remote[u.Object]; ok {
			info.Sealed = true
		}
	case KindBufferRemoved:
		delete(r.remote, u.Object)
	}
}

func (r *Replicated) viewChanged(v cluster.View) {
	if len(v.Left) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for obj, info := range r.remote {
		if !slices.Contains(v.Left, info.Node) {
			continue
		}
		info.Orphaned = true
		if steward, ok := r.state.Owner(obj); ok {
			info.Steward = steward
		}
		r.logger.Info("remote buffer orphaned", "object", obj, "node", info.Node, "steward", info.Steward)
	}
}

// Remote reports what this node knows about a peer's buffer.
func (r *Replicated) Remote(object string) (RemoteInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.remote[object]
	if !ok {
		return RemoteInfo{}, false
	}
	return *info, true
}

// Remotes lists all known peer buffers, sorted by object key.
func (r *Replicated) Remotes() []RemoteInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteInfo, 0, len(r.remote))
	for _, info := range r.remote {
		out = append(out, *info)
	}
	slices.SortFunc(out, func(a, b RemoteInfo) int { return strings.Compare(a.Object, b.Object) })
	return out
}
