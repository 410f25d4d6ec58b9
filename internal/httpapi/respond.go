package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/core"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		core.Logger().Warn("encoding response", "error", err)
	}
}

// writeError translates a classified error into its envelope. Unclassified
// errors surface as INTERNAL_ERROR without leaking their chain.
func writeError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if errors.As(err, &e) {
		writeErrorParts(w, e.Kind.HTTPStatus(), e.Kind.Code(), e.Message, e.Detail)
		return
	}
	writeErrorParts(w, http.StatusInternalServerError, apperr.Internal.Code(), err.Error(), "")
}

func writeErrorParts(w http.ResponseWriter, status int, code, message, detail string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Detail: detail}})
}

// decodeBody parses a JSON request body into dst. A malformed body is the
// caller's mistake and reported as a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorParts(w, http.StatusBadRequest, apperr.Internal.Code(), "malformed JSON body", err.Error())
		return false
	}
	return true
}
