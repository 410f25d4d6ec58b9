package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/core"
	"github.com/giantswarm/dbenv/internal/dialect"
)

type queryRequest struct {
	SQL string `json:"sql"`
}

// handleQuery runs a statement and renders its event stream in the
// requested format:
//
//	(default)  SSE, one event per frame
//	jsonl      NDJSON, one envelope per line, flushed per event
//	json       a single JSON array of envelopes, buffered
//	text       the CLI's own table rendering, passed through
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]

	format := r.URL.Query().Get("format")
	if format == "text" {
		out, err := s.reg.QueryText(r.Context(), id, req.SQL)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, out)
		return
	}

	events, err := s.reg.Query(r.Context(), id, req.SQL)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case "", "sse":
		s.streamSSE(w, events)
	case "jsonl":
		s.streamJSONL(w, events)
	case "json":
		s.writeJSONArray(w, events)
	default:
		// Drain so the pipeline releases the query slot.
		for range events {
		}
		writeErrorParts(w, http.StatusBadRequest, apperr.QuerySyntaxError.Code(),
			fmt.Sprintf("unknown format %q", format), "")
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, events <-chan dialect.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	for ev := range events {
		data, err := ev.Data()
		if err != nil {
			core.Logger().Warn("encoding event", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) streamJSONL(w http.ResponseWriter, events <-chan dialect.Event) {
	w.Header().Set("Content-Type", "application/x-ndjson")

	flusher, _ := w.(http.Flusher)
	for ev := range events {
		env, err := ev.Envelope()
		if err != nil {
			core.Logger().Warn("encoding event", "error", err)
			continue
		}
		w.Write(env)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeJSONArray aggregates the stream into one document. The size cap on
// instances bounds how much this buffers.
func (s *Server) writeJSONArray(w http.ResponseWriter, events <-chan dialect.Event) {
	envelopes := make([]json.RawMessage, 0, 16)
	for ev := range events {
		env, err := ev.Envelope()
		if err != nil {
			core.Logger().Warn("encoding event", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	writeJSON(w, http.StatusOK, envelopes)
}
