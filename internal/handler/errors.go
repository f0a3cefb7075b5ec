// Package handler provides HTTP handlers for the issue capture service.
//
// errors.go centralizes error responses: every failure leaving a handler is
// mapped from its apperror kind to a status code and a JSON body, and
// server-side failures get an error ID that ties the response to its log line.
package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/model"
)

// generateErrorID creates a unique error ID for tracking
func generateErrorID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("ERR-%d", time.Now().UnixNano()%1000000)
	}
	return "ERR-" + hex.EncodeToString(b)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and a standard error body.
//
// Client errors echo the error message, which never carries internal
// detail. Server errors answer with a generic message and an error ID; the
// full error is logged under the same ID.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := apperror.HTTPStatus(err)
	resp := model.ErrorResponse{
		Code:   string(apperror.KindOf(err)),
		Status: status,
		Errors: apperror.FieldsOf(err),
	}

	if status >= http.StatusInternalServerError {
		resp.ErrorID = generateErrorID()
		resp.Error = http.StatusText(status)
		logger.Error("request failed",
			zap.String("errorId", resp.ErrorID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		resp.Error = clientMessage(err)
	}

	writeJSON(w, status, resp)
}

// writeStatus answers with a plain error for failures that have no kind:
// malformed JSON, unknown routes, missing resources.
func writeStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, model.ErrorResponse{Error: message, Code: code, Status: status})
}

func clientMessage(err error) string {
	var e *apperror.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
