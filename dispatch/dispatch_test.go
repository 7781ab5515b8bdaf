package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/replicate"
	"github.com/boxtree/boxtree/rtree"
)

func healthyPeer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func box(pairs ...[2]float64) geom.Box {
	b := make(geom.Box, len(pairs))
	for i, p := range pairs {
		b[i] = geom.Range{Lo: p[0], Hi: p[1]}
	}
	return b
}

func TestInsertAndQueryRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{Width: 6})

	ctx := context.Background()
	require.NoError(t, d.Insert(ctx, "t1", "u", box([2]float64{1, 2}, [2]float64{3, 4})))

	got, err := d.Query(ctx, "t1", box([2]float64{1, 2}, [2]float64{3, 4}))
	require.NoError(t, err)
	require.Equal(t, []rtree.Key{"u"}, got)
}

func TestUnknownTreeReturnsErrUnknownTree(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	err := d.Insert(ctx, "missing", "u", box([2]float64{0, 1}))
	require.ErrorIs(t, err, ErrUnknownTree)
}

func TestDuplicateInsertSurfacesKeyExists(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{})
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, "t1", "u", box([2]float64{0, 1})))
	err := d.Insert(ctx, "t1", "u", box([2]float64{2, 3}))
	require.ErrorIs(t, err, rtree.ErrKeyExists)
}

func TestSetMembersAndMembersRoundTrip(t *testing.T) {
	peerA, peerB := healthyPeer(t), healthyPeer(t)

	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{})

	require.NoError(t, d.SetMembers(context.Background(), "t1", []string{peerA.URL, peerB.URL}))
	peers, err := d.Members("t1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{peerA.URL, peerB.URL}, peers)
}

func TestSetMembersRejectsUnhealthyPeer(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{})

	err := d.SetMembers(context.Background(), "t1", []string{unhealthy.URL})
	require.Error(t, err)

	peers, err := d.Members("t1")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestDistributedModePublishesDeltas(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{Mode: rtree.Distributed})
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, "t1", "u", box([2]float64{0, 1}, [2]float64{0, 1})))

	h, err := d.get("t1")
	require.NoError(t, err)
	snap := h.crdt.Snapshot()
	require.NotEmpty(t, snap)
}

func TestFanOutDeliversDeltasToPeer(t *testing.T) {
	received := make(chan int, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/trees/t1/peer", func(w http.ResponseWriter, r *http.Request) {
		link, err := replicate.AcceptPeer("peer", w, r)
		if err != nil {
			return
		}
		deltas, err := link.Receive()
		if err == nil {
			received <- len(deltas)
		}
		_ = link.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{Mode: rtree.Distributed})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Insert(ctx, "t1", "u", box([2]float64{0, 1}, [2]float64{0, 1})))
	require.NoError(t, d.SetMembers(ctx, "t1", []string{srv.URL}))

	go d.FanOut(ctx, "t1", 20*time.Millisecond, func(dialCtx context.Context, peer string) (*replicate.PeerLink, error) {
		return replicate.DialPeer(dialCtx, "t1", replicate.PeerWebsocketURL(peer, "t1"))
	})

	select {
	case n := <-received:
		require.Greater(t, n, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanned-out deltas")
	}
}

func TestJoinReconstructsFromNonEmptySnapshot(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("src", rtree.Options{Mode: rtree.Distributed})
	ctx := context.Background()
	require.NoError(t, d.Insert(ctx, "src", "u", box([2]float64{0, 1}, [2]float64{0, 1})))

	snap, err := d.Snapshot("src")
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	require.NoError(t, d.Join("dst", rtree.Options{Mode: rtree.Distributed}, snap))

	got, err := d.Query(ctx, "dst", box([2]float64{0, 1}, [2]float64{0, 1}))
	require.NoError(t, err)
	require.Equal(t, []rtree.Key{"u"}, got)
}

func TestJoinWithEmptySnapshotBehavesLikeCreate(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Join("t1", rtree.Options{}, nil))

	tree, err := d.Tree("t1")
	require.NoError(t, err)
	require.True(t, tree.Initialized())
	require.Equal(t, 3, tree.Nodes().Len()) // empty root branch + root pointer + ticket, no leaves
}

func TestFoldAppliesInboundSnapshotDeltas(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("src", rtree.Options{Mode: rtree.Distributed})
	ctx := context.Background()
	require.NoError(t, d.Insert(ctx, "src", "u", box([2]float64{0, 1}, [2]float64{0, 1})))

	deltas, err := d.SnapshotDeltas("src")
	require.NoError(t, err)
	require.NotEmpty(t, deltas)

	d.Create("dst", rtree.Options{Mode: rtree.Distributed})
	require.NoError(t, d.Fold("dst", deltas))

	got, err := d.Query(ctx, "dst", box([2]float64{0, 1}, [2]float64{0, 1}))
	require.NoError(t, err)
	require.Equal(t, []rtree.Key{"u"}, got)
}

func TestFanOutStopsWhenContextCancelled(t *testing.T) {
	d := newTestDispatcher(t)
	d.Create("t1", rtree.Options{Mode: rtree.Distributed})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.FanOut(ctx, "t1", time.Millisecond, func(context.Context, string) (*replicate.PeerLink, error) {
		t.Fatal("dial should never be called once ctx is already cancelled")
		return nil, nil
	})
	require.NoError(t, err)
}
