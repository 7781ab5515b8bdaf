package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/boxtree/boxtree/dispatch"
	"github.com/boxtree/boxtree/rtree"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d := dispatch.New(prometheus.NewRegistry())
	d.Create("t1", rtree.Options{})
	return New(d)
}

func TestHealthReturnsOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/_health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestInsertThenQuery(t *testing.T) {
	s := newTestServer(t)

	insertBody := `{"id":"u","box":[1,2,3,4]}`
	req := httptest.NewRequest(http.MethodPost, "/trees/t1/insert", strings.NewReader(insertBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/trees/t1/query?box=1,2,3,4", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "\"u\"")
}

func TestQueryMissingBoxIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/trees/t1/query", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusOnUnknownTreeIsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/trees/missing/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMembersRejectsUnhealthyPeer(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	s := newTestServer(t)

	body := `{"peers":["` + unhealthy.URL + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/trees/t1/members", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAcceptPeerOnUnknownTreeIsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/trees/missing/peer", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
