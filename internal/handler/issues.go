// Package handler implements the HTTP transport layer for the application.
//
// EDUCATIONAL CONTEXT:
// In clean architecture, "Handlers" (or Controllers) are responsible for:
// 1. Parsing incoming HTTP requests (JSON bodies, query params, path vars).
// 2. Invoking the appropriate business logic (the ingestion service).
// 3. Formatting the response (JSON serialization, status codes).
//
// They should NOT contain core business rules or SQL queries. Validation of
// submissions lives in the ingest package; handlers only decode the envelope.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/ingest"
	"github.com/bluefermion/issuecapture/internal/model"
	"github.com/bluefermion/issuecapture/internal/storage"
)

// Submitter runs the ingestion pipeline.
type Submitter interface {
	Submit(ctx context.Context, req model.SubmissionRequest, origin string) (*ingest.Result, error)
}

// ScopeResolver maps a project key to its scope. The read API resolves keys
// the same way ingestion does.
type ScopeResolver interface {
	Resolve(ctx context.Context, rawKey json.RawMessage, origin string) (model.Scope, error)
}

// IssueReader is the read side of the repository.
type IssueReader interface {
	GetIssue(ctx context.Context, id string) (*model.Issue, error)
	ListIssues(ctx context.Context, projectID string, limit, offset int) ([]*model.Issue, error)
	GetScreenshot(ctx context.Context, issueID, screenshotID string) (*model.Screenshot, error)
}

// IssueHandler groups all methods related to issue operations.
type IssueHandler struct {
	svc      Submitter
	resolver ScopeResolver
	issues   IssueReader
	store    storage.Store
	logger   *zap.Logger
	// maxBody caps the request body of a submission, screenshot included.
	maxBody int64
}

// NewIssueHandler is the constructor for IssueHandler.
func NewIssueHandler(svc Submitter, resolver ScopeResolver, issues IssueReader, store storage.Store, maxBody int64, logger *zap.Logger) *IssueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IssueHandler{
		svc:      svc,
		resolver: resolver,
		issues:   issues,
		store:    store,
		logger:   logger,
		maxBody:  maxBody,
	}
}

// HandleSubmit processes POST /api/issues requests.
// This is the core endpoint for the embedded widget.
func (h *IssueHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	// -------------------------------------------------------------------------
	// 1. INPUT PARSING
	// -------------------------------------------------------------------------

	// The body is capped before decoding. A screenshot inflates the envelope by
	// a third (base64), so the cap sits above the screenshot ceiling.
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	// Fields stay raw here; the pipeline decides what a wrong-typed field means.
	var req model.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeStatus(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return
		}
		writeStatus(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON")
		return
	}

	// -------------------------------------------------------------------------
	// 2. PIPELINE
	// -------------------------------------------------------------------------

	result, err := h.svc.Submit(r.Context(), req, r.Header.Get("Origin"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// -------------------------------------------------------------------------
	// 3. RESPONSE
	// -------------------------------------------------------------------------

	data := model.CreatedData{
		ID:         result.Issue.ID,
		Screenshot: result.Issue.ScreenshotStatus,
	}
	if result.Screenshot != nil {
		data.ScreenshotID = result.Screenshot.ID
	}
	writeJSON(w, http.StatusCreated, model.CreatedResponse{Data: data, Status: http.StatusCreated})
}

// HandleList processes GET /api/issues?projectKey=... (Pagination).
func (h *IssueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	// Defaults
	limit := 50
	offset := 0

	// Always validate and bound user input to prevent DOS attacks (e.g., limit=1000000).
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	issues, err := h.issues.ListIssues(r.Context(), scope.ProjectID, limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.IssueList{Data: issues, Limit: limit, Offset: offset})
}

// HandleGet processes GET /api/issues/{id}. Each screenshot carries an
// availability flag: the row may outlive its object (removed out of band).
func (h *IssueHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	issue, err := h.issues.GetIssue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	// Issues of other projects are reported as missing, not forbidden.
	if issue == nil || issue.ProjectID != scope.ProjectID {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "Issue not found")
		return
	}

	for i := range issue.Screenshots {
		available, err := h.store.Exists(r.Context(), issue.Screenshots[i].StoragePath)
		if err != nil {
			h.logger.Warn("screenshot availability check failed",
				zap.String("issueId", issue.ID),
				zap.String("path", issue.Screenshots[i].StoragePath),
				zap.Error(err))
		}
		issue.Screenshots[i].Available = &available
	}

	writeJSON(w, http.StatusOK, issue)
}

// HandleScreenshot processes GET /api/issues/{id}/screenshots/{screenshotId}
// and streams the stored object.
func (h *IssueHandler) HandleScreenshot(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	issueID := chi.URLParam(r, "id")
	issue, err := h.issues.GetIssue(r.Context(), issueID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if issue == nil || issue.ProjectID != scope.ProjectID {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "Issue not found")
		return
	}

	shot, err := h.issues.GetScreenshot(r.Context(), issueID, chi.URLParam(r, "screenshotId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if shot == nil {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "Screenshot not found")
		return
	}

	rc, err := h.store.Open(r.Context(), shot.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		// The row exists but the object is gone.
		writeStatus(w, http.StatusNotFound, "SCREENSHOT_UNAVAILABLE", "screenshot unavailable")
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", shot.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(shot.FileSize, 10))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("screenshot stream interrupted",
			zap.String("screenshotId", shot.ID), zap.Error(err))
	}
}

// scope resolves the projectKey query parameter. It writes the error
// response itself and reports whether the caller may continue.
func (h *IssueHandler) scope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	var raw json.RawMessage
	if key := r.URL.Query().Get("projectKey"); key != "" {
		raw, _ = json.Marshal(key)
	}
	scope, err := h.resolver.Resolve(r.Context(), raw, r.Header.Get("Origin"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return model.Scope{}, false
	}
	return scope, true
}
