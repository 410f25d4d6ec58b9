// Package httpapi is the REST + SSE surface over the core. Handlers decode
// requests, call into the registry and snapshot engine, and translate
// classified errors into the wire error envelope; they hold no lifecycle
// logic of their own.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/giantswarm/dbenv/internal/core"
	"github.com/giantswarm/dbenv/internal/metrics"
)

// Pinger is a liveness probe on a dependency. Both the container daemon
// and the metadata store satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server carries the handler dependencies.
type Server struct {
	reg      *core.Registry
	snaps    *core.Snapshots
	docker   Pinger
	metadata Pinger
}

// New builds the server.
func New(reg *core.Registry, snaps *core.Snapshots, docker, metadata Pinger) *Server {
	return &Server{reg: reg, snaps: snaps, docker: docker, metadata: metadata}
}

// Router wires the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/db/new", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/db/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/db/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/db/{id}/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/db/{id}/fork", s.handleFork).Methods(http.MethodPost)
	r.HandleFunc("/db/{id}/backup", s.handleBackup).Methods(http.MethodPost)
	r.HandleFunc("/db/{id}/backup/{bid}", s.handleFetchBackup).Methods(http.MethodGet)
	r.HandleFunc("/db/{id}/restore/{bid}", s.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}
