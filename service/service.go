// Package service exposes a Dispatcher over HTTP, the "request-dispatch
// wrapper" spec.md §1 lists as an external collaborator to the engine.
// It mirrors graphd's echo + otel + promhttp wiring in the teacher: one
// echo.Echo, one health/metrics pair of routes, and one handler per
// dispatcher operation.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelecho "go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"github.com/boxtree/boxtree/dispatch"
	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/replicate"
	"github.com/boxtree/boxtree/rtree"
)

// Server wraps an echo.Echo bound to one Dispatcher.
type Server struct {
	echo *echo.Echo
	d    *dispatch.Dispatcher
}

// New builds the routes described in SPEC_FULL.md §4.6: insert, upsert,
// delete, update, query, pquery, status, members, plus health and
// metrics.
func New(d *dispatch.Dispatcher) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("boxtree"))

	s := &Server{echo: e, d: d}

	e.GET("/_health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/trees/:id", s.createTree)
	e.POST("/trees/:id/insert", s.insert)
	e.POST("/trees/:id/upsert", s.upsert)
	e.POST("/trees/:id/delete", s.delete)
	e.POST("/trees/:id/update", s.update)
	e.GET("/trees/:id/query", s.query)
	e.GET("/trees/:id/pquery", s.pquery)
	e.GET("/trees/:id/status", s.status)
	e.POST("/trees/:id/members", s.members)
	e.GET("/trees/:id/peer", s.acceptPeer)

	return s
}

// Start blocks serving on addr with no graceful shutdown; callers that
// need to bring the server down alongside other goroutines should use
// Run instead.
func (s *Server) Start(addr string) error {
	slog.Info("service listening", "addr", addr)
	return s.echo.Start(addr)
}

// Run serves on addr until ctx is cancelled, then shuts the HTTP server
// down within a bounded grace period. It's meant to run inside the same
// errgroup as the dispatcher's peer delta fan-out goroutine, so a single
// signal brings both down together.
func (s *Server) Run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("service listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type createTreeRequest struct {
	Options map[string]any `json:"options"`
}

func (s *Server) createTree(c echo.Context) error {
	var req createTreeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	s.d.Create(c.Param("id"), rtree.ParseOptions(req.Options))
	return c.NoContent(http.StatusCreated)
}

type leafRequest struct {
	ID  any       `json:"id"`
	Box []float64 `json:"box"`
}

func boxFromFlatCoords(coords []float64) geom.Box {
	b := make(geom.Box, len(coords)/2)
	for i := range b {
		b[i] = geom.Range{Lo: coords[2*i], Hi: coords[2*i+1]}
	}
	return b
}

func (s *Server) insert(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := s.d.Insert(c.Request().Context(), c.Param("id"), req.ID, boxFromFlatCoords(req.Box)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) upsert(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := s.d.Upsert(c.Request().Context(), c.Param("id"), req.ID, boxFromFlatCoords(req.Box)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) update(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := s.d.Update(c.Request().Context(), c.Param("id"), req.ID, boxFromFlatCoords(req.Box)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

type deleteRequest struct {
	ID any `json:"id"`
}

func (s *Server) delete(c echo.Context) error {
	var req deleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := s.d.Delete(c.Request().Context(), c.Param("id"), req.ID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) query(c echo.Context) error {
	b, err := boxFromQueryParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	ids, err := s.d.Query(c.Request().Context(), c.Param("id"), b)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) pquery(c echo.Context) error {
	b, err := boxFromQueryParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	depth := 0
	if v := c.QueryParam("depth"); v != "" {
		if _, err := parseDepth(v, &depth); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
	}
	keys, err := s.d.PQuery(c.Request().Context(), c.Param("id"), b, depth)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) status(c echo.Context) error {
	tree, err := s.d.Tree(c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	meta, _ := s.d.Metadata(c.Param("id"))
	root, _ := tree.Root()
	return c.JSON(http.StatusOK, map[string]any{
		"root":  root,
		"dim":   tree.Dim(),
		"width": meta.Options.Width,
		"mode":  meta.Options.Mode.String(),
		"nodes": tree.Nodes().Len(),
	})
}

type membersRequest struct {
	Peers []string `json:"peers"`
}

func (s *Server) members(c echo.Context) error {
	var req membersRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	if err := s.d.SetMembers(c.Request().Context(), c.Param("id"), req.Peers); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// acceptPeer upgrades an inbound replication connection: it hands the
// new peer id's current CRDT view as an initial delta batch (the join
// catch-up spec.md §4.5 assumes an arriving peer needs), then folds
// every subsequent batch the peer sends until the connection closes.
func (s *Server) acceptPeer(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.d.Tree(id); err != nil {
		return respondErr(c, err)
	}

	link, err := replicate.AcceptPeer(id, c.Response().Writer, c.Request())
	if err != nil {
		return err
	}
	defer link.Close()

	if snap, err := s.d.SnapshotDeltas(id); err == nil && len(snap) > 0 {
		if err := link.Send(snap); err != nil {
			slog.Error("service: send initial snapshot to peer", "tree", id, "err", err)
		}
	}

	for {
		deltas, err := link.Receive()
		if err != nil {
			return nil
		}
		if err := s.d.Fold(id, deltas); err != nil {
			slog.Error("service: fold inbound replication deltas", "tree", id, "err", err)
		}
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func respondErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case err == dispatch.ErrUnknownTree:
		status = http.StatusNotFound
	case err == rtree.ErrBadTree:
		status = http.StatusConflict
	case err == rtree.ErrKeyExists:
		status = http.StatusConflict
	case err == rtree.ErrDimensionMismatch:
		status = http.StatusBadRequest
	}
	return c.JSON(status, errorBody(err))
}
