package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/api/middleware"
	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/service"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string             `json:"error"`
	Kind          laborder.ErrorKind `json:"kind,omitempty"`
	MissingFields []string           `json:"missing_fields,omitempty"`
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, service.ErrDocumentStore) {
		return http.StatusBadGateway
	}
	switch laborder.KindOf(err) {
	case laborder.KindNotFound:
		return http.StatusNotFound
	case laborder.KindInvalidState:
		return http.StatusConflict
	case laborder.KindInvalidCommand:
		return http.StatusBadRequest
	case laborder.KindInvalidMethod, laborder.KindIncompleteFields, laborder.KindMissingDocument,
		laborder.KindMissingLabName, laborder.KindMissingReason:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *LabHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: laborder.KindOf(err)}
	var lerr *laborder.Error
	if errors.As(err, &lerr) {
		resp.MissingFields = lerr.Missing
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		if code == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, code, resp)
}

func (h *LabHandler) badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Kind: laborder.KindInvalidCommand})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
