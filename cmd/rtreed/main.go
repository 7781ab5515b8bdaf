// Command rtreed runs a boxtree dispatcher behind an HTTP control plane,
// mirroring the teacher's cmd/graphd/main.go shape: a urfave/cli app
// whose Action builds the domain object and hands it to an echo server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/boxtree/boxtree/dispatch"
	"github.com/boxtree/boxtree/replicate"
	"github.com/boxtree/boxtree/rtree"
	"github.com/boxtree/boxtree/service"
)

func main() {
	app := cli.App{
		Name:  "rtreed",
		Usage: "dynamic R-tree index daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.IntFlag{Name: "port", Usage: "listen port for http server", Value: 8080},
			&cli.StringFlag{Name: "tree-id", Usage: "initial tree id to create at startup", Value: "default"},
			&cli.IntFlag{Name: "width", Usage: "max children per branch", Value: rtree.DefaultWidth},
			&cli.StringFlag{Name: "backend", Usage: "node-map backend: Plain or HashSummarized", Value: "Plain"},
			&cli.StringFlag{Name: "mode", Usage: "Standalone or Distributed", Value: "Standalone"},
			&cli.Uint64Flag{Name: "seed", Usage: "id-generator seed", Value: 0},
			&cli.StringSliceFlag{Name: "peer", Usage: "initial peer addresses"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	opts := rtree.ParseOptions(map[string]any{
		"width":   cctx.Int("width"),
		"type":    cctx.String("backend"),
		"mode":    cctx.String("mode"),
		"verbose": cctx.Bool("debug"),
		"seed":    cctx.Uint64("seed"),
	})

	// Verbose drives both the process-wide handler (text instead of JSON,
	// debug level) and, per tree, dispatch's own per-operation logging —
	// one flag, not two disconnected knobs.
	logLevel := slog.LevelInfo
	var handler slog.Handler
	if opts.Verbose {
		logLevel = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	d := dispatch.New(prometheus.DefaultRegisterer)
	treeID := cctx.String("tree-id")
	peers := cctx.StringSlice("peer")

	if opts.Mode == rtree.Distributed && len(peers) > 0 {
		snapshot, err := joinViaPeer(cctx.Context, peers[0], treeID)
		if err != nil {
			slog.Warn("rtreed: could not fetch initial snapshot from peer, starting empty", "peer", peers[0], "err", err)
		}
		if err := d.Join(treeID, opts, snapshot); err != nil {
			return fmt.Errorf("rtreed: join: %w", err)
		}
	} else {
		d.Create(treeID, opts)
	}

	if len(peers) > 0 {
		if err := d.SetMembers(cctx.Context, treeID, peers); err != nil {
			return fmt.Errorf("rtreed: set initial members: %w", err)
		}
	}

	slog.Info("starting rtreed", "tree", treeID, "width", opts.Width, "backend", opts.Backend, "mode", opts.Mode)

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := service.New(d)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, fmt.Sprintf(":%d", cctx.Int("port")))
	})

	if opts.Mode == rtree.Distributed {
		g.Go(func() error {
			return d.FanOut(ctx, treeID, 2*time.Second, func(dialCtx context.Context, peer string) (*replicate.PeerLink, error) {
				return replicate.DialPeer(dialCtx, peer, replicate.PeerWebsocketURL(peer, treeID))
			})
		})
	}

	return g.Wait()
}

// joinViaPeer dials peer's inbound replication endpoint and reads the
// one initial delta batch it sends on connect: that peer's full current
// CRDT view, per acceptPeer's join-catch-up behavior in package service.
func joinViaPeer(ctx context.Context, peer, treeID string) (map[any]any, error) {
	link, err := replicate.DialPeer(ctx, peer, replicate.PeerWebsocketURL(peer, treeID))
	if err != nil {
		return nil, err
	}
	defer link.Close()

	deltas, err := link.Receive()
	if err != nil {
		return nil, err
	}
	snapshot := make(map[any]any, len(deltas))
	for _, d := range deltas {
		if !d.Removed {
			snapshot[d.Key] = d.Value
		}
	}
	return snapshot, nil
}
