package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects deliveries for one node.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	views   []View
}

func (r *recorder) attach(n *Node) {
	n.ReceiveUpdate(func(u Update) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updates = append(r.updates, u)
	})
	n.OnViewChanged(func(v View) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.views = append(r.views, v)
	})
}

func (r *recorder) objects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Object
	}
	return out
}

func flush(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Flush(ctx))
}

func setupCluster(t *testing.T, ids ...NodeID) (*Hub, map[NodeID]*Node) {
	t.Helper()
	h := NewHub()
	nodes := make(map[NodeID]*Node, len(ids))
	for _, id := range ids {
		n, err := h.Join(id)
		require.NoError(t, err)
		nodes[id] = n
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Leave()
		}
	})
	return h, nodes
}

func TestHub_TotalOrderDelivery(t *testing.T) {
	h, nodes := setupCluster(t, "a", "b", "c")
	recB, recC := &recorder{}, &recorder{}
	recB.attach(nodes["b"])
	recC.attach(nodes["c"])

	var wg sync.WaitGroup
	for _, from := range []NodeID{"a", "b"} {
		wg.Add(1)
		go func(from NodeID) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				u, err := NewUpdate("test", string(from), map[string]int{"i": i})
				if err != nil {
					t.Error(err)
					return
				}
				if err := nodes[from].ProposeUpdate(context.Background(), u); err != nil {
					t.Error(err)
					return
				}
			}
		}(from)
	}
	wg.Wait()
	flush(t, h)

	// c sees everything, b does not see its own updates
	assert.Len(t, recC.objects(), 100)
	assert.Len(t, recB.objects(), 50)

	// sequence numbers strictly increase at every member
	recC.mu.Lock()
	for i := 1; i < len(recC.updates); i++ {
		assert.Greater(t, recC.updates[i].Seq, recC.updates[i-1].Seq)
	}
	recC.mu.Unlock()

	recB.mu.Lock()
	for _, u := range recB.updates {
		assert.Equal(t, NodeID("a"), u.Origin)
	}
	var payload map[string]int
	require.NoError(t, recB.updates[49].Decode(&payload))
	assert.Equal(t, 49, payload["i"])
	recB.mu.Unlock()
}

func TestHub_ViewChanges(t *testing.T) {
	h := NewHub()
	a, err := h.Join("a")
	require.NoError(t, err)
	defer a.Leave()
	flush(t, h)
	rec := &recorder{}
	rec.attach(a)

	b, err := h.Join("b")
	require.NoError(t, err)
	flush(t, h)
	assert.Equal(t, []NodeID{"a", "b"}, a.View().Members)
	assert.True(t, b.View().Contains("a"))

	b.Leave()
	flush(t, h)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.views, 2)
	assert.Equal(t, []NodeID{"b"}, rec.views[0].Joined)
	assert.Equal(t, []NodeID{"b"}, rec.views[1].Left)
	assert.Equal(t, []NodeID{"a"}, rec.views[1].Members)
	assert.Greater(t, rec.views[1].ID, rec.views[0].ID)

	_, err = h.Join("a")
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestHub_OwnershipReelection(t *testing.T) {
	h, nodes := setupCluster(t, "n2", "n3")
	n1, err := h.Join("n1")
	require.NoError(t, err)

	assert.True(t, n1.BecomeOwner("tb-1"))
	assert.True(t, n1.BecomeOwner("tb-1"), "re-claiming own object succeeds")
	assert.False(t, nodes["n3"].BecomeOwner("tb-1"))

	owner, ok := nodes["n2"].Owner("tb-1")
	require.True(t, ok)
	assert.Equal(t, NodeID("n1"), owner)

	n1.Leave()

	owner, ok = nodes["n3"].Owner("tb-1")
	require.True(t, ok)
	assert.Equal(t, NodeID("n2"), owner, "lowest surviving node id takes over")
	assert.Equal(t, []NodeID{"n2", "n3"}, h.Members())

	nodes["n2"].Relinquish("tb-1")
	_, ok = nodes["n3"].Owner("tb-1")
	assert.False(t, ok)
	assert.True(t, nodes["n3"].BecomeOwner("tb-1"))
}

func TestHub_DepartedNodeCannotPropose(t *testing.T) {
	h := NewHub()
	a, err := h.Join("a")
	require.NoError(t, err)
	a.Leave()

	err = a.ProposeUpdate(context.Background(), Update{Kind: "x"})
	assert.ErrorIs(t, err, ErrNotMember)
	assert.False(t, a.BecomeOwner("obj"))
}

func TestHub_HandlersMayPropose(t *testing.T) {
	h, nodes := setupCluster(t, "a", "b")
	rec := &recorder{}
	rec.attach(nodes["a"])

	// b echoes every update back; delivery must not deadlock
	nodes["b"].ReceiveUpdate(func(u Update) {
		if u.Kind == "ping" {
			_ = nodes["b"].ProposeUpdate(context.Background(), Update{Kind: "pong", Object: u.Object})
		}
	})

	require.NoError(t, nodes["a"].ProposeUpdate(context.Background(), Update{Kind: "ping", Object: "x"}))
	flush(t, h)
	flush(t, h)

	assert.Equal(t, []string{"x"}, rec.objects())
}
