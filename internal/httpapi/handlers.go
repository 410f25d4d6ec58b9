package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/core"
)

type createRequest struct {
	Dialect string `json:"dialect"`
}

// instanceResponse is the create/get/fork shape. Connection fields let a
// caller reach the engine directly on the published loopback port.
type instanceResponse struct {
	DBID         string `json:"db_id"`
	Dialect      string `json:"dialect"`
	Status       string `json:"status"`
	DBName       string `json:"db_name"`
	DBUser       string `json:"db_user"`
	DBPassword   string `json:"db_password"`
	Port         int    `json:"port"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	ExpiresAt    string `json:"expires_at"`
	ForkedFrom   string `json:"forked_from,omitempty"`
}

func instanceBody(v core.View, status string) instanceResponse {
	return instanceResponse{
		DBID:         v.ID,
		Dialect:      v.Dialect,
		Status:       status,
		DBName:       v.DBName,
		DBUser:       v.DBUser,
		DBPassword:   v.DBPassword,
		Port:         v.HostPort,
		SizeBytes:    v.SizeBytes,
		CreatedAt:    v.CreatedAt.Format(time.RFC3339),
		LastActivity: v.LastActivityAt.Format(time.RFC3339),
		ExpiresAt:    v.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := s.reg.Create(r.Context(), req.Dialect)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instanceBody(inst.View(), "ready"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.reg.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	v := inst.View()
	writeJSON(w, http.StatusOK, instanceBody(v, v.Status))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.reg.Destroy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"db_id":  id,
		"status": "destroyed",
	})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	child, err := s.snaps.Fork(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := instanceBody(child.View(), "ready")
	body.ForkedFrom = id
	writeJSON(w, http.StatusCreated, body)
}

type backupResponse struct {
	BackupID  string `json:"backup_id"`
	DBID      string `json:"db_id"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.snaps.Backup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, backupResponse{
		BackupID:  rec.ID,
		DBID:      rec.DBID,
		SizeBytes: rec.SizeBytes,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		ExpiresAt: rec.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleFetchBackup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, rc, err := s.snaps.Fetch(r.Context(), vars["bid"])
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	if rec.DBID != vars["id"] {
		writeError(w, apperr.Newf(apperr.BackupNotFound,
			"backup %s does not belong to database %s", vars["bid"], vars["id"]))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.ID+`.sql.gz"`)
	if _, err := io.Copy(w, rc); err != nil {
		core.Logger().Warn("streaming backup", "backup_id", rec.ID, "error", err)
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.snaps.Restore(r.Context(), vars["id"], vars["bid"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"db_id":     vars["id"],
		"backup_id": vars["bid"],
		"status":    "restored",
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Docker   string `json:"docker"`
	Metadata string `json:"metadata"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthResponse{Status: "ok", Docker: "ok", Metadata: "ok"}
	status := http.StatusOK

	if err := s.docker.Ping(r.Context()); err != nil {
		body.Status = "degraded"
		body.Docker = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.metadata.Ping(r.Context()); err != nil {
		body.Status = "degraded"
		body.Metadata = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
