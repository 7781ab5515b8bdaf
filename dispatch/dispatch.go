// Package dispatch implements the single-writer request serializer
// described in spec.md §4.6: one agent owning (tree, metadata, CRDT
// handle, peer list) per named tree, so the pure rtree engine never sees
// concurrent access to the same tree value. The per-tree-id lock table
// generalizes the teacher's per-user userLocks map in repomgr.go to the
// case where one process hosts more than one independent tree.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/lwwmap"
	"github.com/boxtree/boxtree/nodemap"
	"github.com/boxtree/boxtree/replicate"
	"github.com/boxtree/boxtree/rtree"
)

var tracer = otel.Tracer("dispatch")

// handle is one tree's serialized state: exactly what repomgr.go's
// userLock guards, generalized from a per-user repo to a per-id tree.
type handle struct {
	mu    sync.Mutex
	tree  rtree.Tree
	meta  rtree.Metadata
	crdt  *lwwmap.Map
	peers []string
}

// Dispatcher owns a lock-free table of tree handles, one per tree id.
type Dispatcher struct {
	handles *xsync.MapOf[string, *handle]

	opCount    *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	deltaCount prometheus.Counter
}

// New returns an empty Dispatcher. Metrics are registered against reg,
// mirroring cmd/graphd's promhttp wiring in the teacher.
func New(reg prometheus.Registerer) *Dispatcher {
	factory := promauto.With(reg)
	return &Dispatcher{
		handles: xsync.NewMapOf[string, *handle](),
		opCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "boxtree_dispatch_ops_total",
			Help: "Number of dispatcher operations by kind and result.",
		}, []string{"op", "result"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "boxtree_dispatch_op_duration_seconds",
			Help: "Dispatcher operation latency by kind.",
		}, []string{"op"}),
		deltaCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "boxtree_dispatch_crdt_deltas_total",
			Help: "Number of CRDT deltas emitted after mutating operations.",
		}),
	}
}

// ErrUnknownTree is returned by any operation naming a tree id that
// hasn't been created with Create.
var ErrUnknownTree = errors.New("dispatch: unknown tree id")

// Create allocates a new tree under id. Recreating an existing id
// replaces it, mirroring "new(opts)" always yielding a fresh empty tree
// per spec.md §6. The CRDT map tags its own writes with a fresh uuid
// rather than the tree id, so two dispatcher processes serving the same
// tree id never collide as the same last-writer-wins peer.
func (d *Dispatcher) Create(id string, opts rtree.Options) {
	tree, meta := rtree.New(opts)
	d.handles.Store(id, &handle{
		tree: tree,
		meta: meta,
		crdt: lwwmap.New(uuid.NewString()),
	})
}

// Join creates a tree under id like Create, but when snapshot is
// non-empty it rebuilds the local node map from it via
// replicate.Reconstruct instead of starting from an empty tree — the
// initial-join rule spec.md §4.5 describes for a peer that finds the
// CRDT already holding state when it joins.
func (d *Dispatcher) Join(id string, opts rtree.Options, snapshot map[any]any) error {
	tree, meta := rtree.New(opts)

	if len(snapshot) > 0 {
		nodes, err := replicate.Reconstruct(tree.Nodes(), snapshot)
		if err != nil {
			return fmt.Errorf("dispatch: join %s: %w", id, err)
		}
		tree = rtree.FromNodes(nodes, inferDim(nodes))
		if ticket, ok := nodes.Ticket(); ok {
			meta.Ticket = ticket
		}
	}

	d.handles.Store(id, &handle{
		tree: tree,
		meta: meta,
		crdt: lwwmap.New(uuid.NewString()),
	})
	return nil
}

// inferDim recovers a reconstructed tree's dimensionality from any leaf
// record present in nodes, since a folded snapshot carries no Metadata
// of its own to read it from.
func inferDim(nodes nodemap.Map) int {
	for _, k := range nodes.Keys() {
		rec, ok := nodes.Get(k)
		if ok && rec.Kind == nodemap.KindLeaf {
			return rec.Box.Dim()
		}
	}
	return 0
}

func (d *Dispatcher) get(id string) (*handle, error) {
	h, ok := d.handles.Load(id)
	if !ok {
		return nil, ErrUnknownTree
	}
	return h, nil
}

// mutate runs fn under id's lock, publishing a replication diff when the
// tree is in distributed mode and fn succeeds, and recording metrics
// regardless of outcome.
func (d *Dispatcher) mutate(ctx context.Context, op, id string, fn func(h *handle) error) error {
	_, span := tracer.Start(ctx, op)
	defer span.End()

	timer := prometheus.NewTimer(d.opDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	h, err := d.get(id)
	if err != nil {
		d.opCount.WithLabelValues(op, "unknown_tree").Inc()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var oldNodes nodemap.HashSummarized
	distributed := h.meta.Options.Mode == rtree.Distributed
	if distributed {
		oldNodes, _ = h.tree.Nodes().(nodemap.HashSummarized)
	}

	err = fn(h)

	result := "ok"
	if err != nil {
		result = "error"
	}
	d.opCount.WithLabelValues(op, result).Inc()

	if err == nil && distributed {
		newNodes, ok := h.tree.Nodes().(nodemap.HashSummarized)
		if ok {
			// Count the newly queued deltas without draining them: FanOut
			// is what consumes the queue.
			queued := len(h.crdt.Deltas())
			bridge := replicate.New(h.crdt)
			bridge.Publish(oldNodes, newNodes)
			d.deltaCount.Add(float64(len(h.crdt.Deltas()) - queued))
		}
	}

	if h.meta.Options.Verbose {
		slog.Debug("dispatch: operation", "op", op, "tree", id, "result", result)
	}

	return err
}

// Insert applies rtree.Insert under id's lock.
func (d *Dispatcher) Insert(ctx context.Context, id string, leafID rtree.Key, box geom.Box) error {
	return d.mutate(ctx, "insert", id, func(h *handle) error {
		tree, meta, err := rtree.Insert(h.tree, h.meta, leafID, box)
		h.tree, h.meta = tree, meta
		return err
	})
}

// BulkInsert applies rtree.BulkInsert under id's lock.
func (d *Dispatcher) BulkInsert(ctx context.Context, id string, leaves []rtree.Leaf) error {
	return d.mutate(ctx, "bulk_insert", id, func(h *handle) error {
		tree, meta, err := rtree.BulkInsert(h.tree, h.meta, leaves)
		h.tree, h.meta = tree, meta
		return err
	})
}

// Upsert applies rtree.Upsert under id's lock.
func (d *Dispatcher) Upsert(ctx context.Context, id string, leafID rtree.Key, box geom.Box) error {
	return d.mutate(ctx, "upsert", id, func(h *handle) error {
		tree, meta, err := rtree.Upsert(h.tree, h.meta, leafID, box)
		h.tree, h.meta = tree, meta
		return err
	})
}

// Update applies rtree.Update under id's lock.
func (d *Dispatcher) Update(ctx context.Context, id string, leafID rtree.Key, box geom.Box) error {
	return d.mutate(ctx, "update", id, func(h *handle) error {
		tree, meta, err := rtree.Update(h.tree, h.meta, leafID, box)
		h.tree, h.meta = tree, meta
		return err
	})
}

// BulkUpdate applies rtree.BulkUpdate under id's lock.
func (d *Dispatcher) BulkUpdate(ctx context.Context, id string, ops []rtree.UpdateOp) error {
	return d.mutate(ctx, "bulk_update", id, func(h *handle) error {
		tree, meta, err := rtree.BulkUpdate(h.tree, h.meta, ops)
		h.tree, h.meta = tree, meta
		return err
	})
}

// Delete applies rtree.Delete under id's lock.
func (d *Dispatcher) Delete(ctx context.Context, id string, leafID rtree.Key) error {
	return d.mutate(ctx, "delete", id, func(h *handle) error {
		tree, meta, err := rtree.Delete(h.tree, h.meta, leafID)
		h.tree, h.meta = tree, meta
		return err
	})
}

// BulkDelete applies rtree.BulkDelete under id's lock.
func (d *Dispatcher) BulkDelete(ctx context.Context, id string, ids []rtree.Key) error {
	return d.mutate(ctx, "bulk_delete", id, func(h *handle) error {
		tree, meta, err := rtree.BulkDelete(h.tree, h.meta, ids)
		h.tree, h.meta = tree, meta
		return err
	})
}

// Query runs rtree.Query against a read-locked snapshot of id's tree.
func (d *Dispatcher) Query(ctx context.Context, id string, box geom.Box) ([]rtree.Key, error) {
	_, span := tracer.Start(ctx, "query")
	defer span.End()

	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return rtree.Query(h.tree, box)
}

// PQuery runs rtree.PQuery against a read-locked snapshot of id's tree.
func (d *Dispatcher) PQuery(ctx context.Context, id string, box geom.Box, depth int) ([]rtree.Key, error) {
	_, span := tracer.Start(ctx, "pquery")
	defer span.End()

	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return rtree.PQuery(h.tree, box, depth)
}

// Tree returns the current tree snapshot for id.
func (d *Dispatcher) Tree(id string) (rtree.Tree, error) {
	h, err := d.get(id)
	if err != nil {
		return rtree.Tree{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree, nil
}

// Metadata returns the current metadata snapshot for id.
func (d *Dispatcher) Metadata(id string) (rtree.Metadata, error) {
	h, err := d.get(id)
	if err != nil {
		return rtree.Metadata{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta, nil
}

// SetMembers replaces id's peer list, the trigger spec.md §4.6 names for
// refreshing the CRDT neighbor list on node_up/node_down events. Every
// peer is health-checked before admission; a single unhealthy peer fails
// the whole call and leaves the existing membership untouched, so a
// caller never ends up with a half-applied neighbor list.
func (d *Dispatcher) SetMembers(ctx context.Context, id string, peers []string) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if err := replicate.HealthCheck(ctx, replicate.PeerHealthURL(peer)); err != nil {
			return fmt.Errorf("dispatch: admit peer %s: %w", peer, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append([]string(nil), peers...)
	return nil
}

// Fold applies inbound replication deltas directly to id's node map,
// without running any rtree algorithm — the receiving half of the peer
// transport service.go's inbound accept route drives, mirroring how
// Publish only ever diffs already-computed node maps.
func (d *Dispatcher) Fold(id string, deltas []lwwmap.Delta) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	nodes, err := replicate.Fold(h.tree.Nodes(), deltas)
	if err != nil {
		return err
	}

	dim := h.tree.Dim()
	if dim == 0 {
		dim = inferDim(nodes)
	}
	h.tree = rtree.FromNodes(nodes, dim)
	if ticket, ok := nodes.Ticket(); ok {
		h.meta.Ticket = ticket
	}
	return nil
}

// Snapshot returns id's current CRDT view.
func (d *Dispatcher) Snapshot(id string) (map[any]any, error) {
	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.crdt.Snapshot(), nil
}

// SnapshotDeltas returns id's current CRDT view as a batch of Add
// deltas, the form a newly accepted peer connection sends so the joiner
// can fold it straight through the same Fold/Reconstruct path an
// ordinary delta batch takes.
func (d *Dispatcher) SnapshotDeltas(id string) ([]lwwmap.Delta, error) {
	snap, err := d.Snapshot(id)
	if err != nil {
		return nil, err
	}
	deltas := make([]lwwmap.Delta, 0, len(snap))
	for k, v := range snap {
		deltas = append(deltas, lwwmap.Delta{Key: k, Value: v})
	}
	return deltas, nil
}

// FanOut periodically drains id's CRDT deltas and ships them to every
// current peer over a link opened by dial, until ctx is cancelled. This
// is the background half of distributed mode: Publish only queues
// deltas locally, and FanOut is what actually moves them to the
// neighbor list set by SetMembers.
func (d *Dispatcher) FanOut(ctx context.Context, id string, interval time.Duration, dial func(ctx context.Context, peer string) (*replicate.PeerLink, error)) error {
	h, err := d.get(id)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.mu.Lock()
			peers := append([]string(nil), h.peers...)
			deltas := replicate.Drain(h.crdt)
			h.mu.Unlock()

			if len(deltas) == 0 {
				continue
			}
			for _, peer := range peers {
				link, err := dial(ctx, peer)
				if err != nil {
					continue
				}
				_ = link.Send(deltas)
				_ = link.Close()
			}
		}
	}
}

// Members returns id's current peer list.
func (d *Dispatcher) Members(id string) ([]string, error) {
	h, err := d.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.peers...), nil
}
