package model

import (
	"encoding/json"

	"github.com/bluefermion/issuecapture/internal/apperror"
)

// SubmissionRequest is the JSON envelope posted by the widget.
//
// Every field is kept raw: the project key is resolved first, and only then
// are the remaining fields parsed and coerced by the validator. This keeps a
// wrong-typed field from turning into an opaque JSON error and avoids decoding
// a large screenshot for a submission that will be rejected anyway.
type SubmissionRequest struct {
	ProjectKey  json.RawMessage `json:"projectKey"`
	Title       json.RawMessage `json:"title"`
	Description json.RawMessage `json:"description"`
	Severity    json.RawMessage `json:"severity"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Screenshot  json.RawMessage `json:"screenshot,omitempty"`
}

// Submission is the validated, typed form of a SubmissionRequest.
type Submission struct {
	Scope       Scope
	Title       string
	Description string
	Severity    Severity
	Metadata    Metadata
	// Screenshot is the still-undecoded capture block; nil when absent.
	// It is parsed by the screenshot decoder, whose failures degrade instead
	// of rejecting the submission.
	Screenshot json.RawMessage
}

// HasScreenshot reports whether the submission carried a capture block.
func (s Submission) HasScreenshot() bool {
	return IsPresent(s.Screenshot)
}

// IsPresent reports whether a raw JSON value was supplied and is not null.
func IsPresent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	return string(raw) != "null"
}

// CreatedResponse is the 201 body of a successful submission.
type CreatedResponse struct {
	Data   CreatedData `json:"data"`
	Status int         `json:"status"`
}

// CreatedData identifies the created issue and what became of its screenshot.
type CreatedData struct {
	ID           string           `json:"id"`
	Screenshot   ScreenshotStatus `json:"screenshot"`
	ScreenshotID string           `json:"screenshotId,omitempty"`
}

// ErrorResponse defines the standard error structure.
type ErrorResponse struct {
	Error  string                `json:"error"`
	Code   string                `json:"code,omitempty"`
	Status int                   `json:"status"`
	Errors []apperror.FieldError `json:"errors,omitempty"`
	// ErrorID correlates a server error with its log line.
	ErrorID string `json:"errorId,omitempty"`
}

// IssueList is a page of issues for the read API.
type IssueList struct {
	Data   []*Issue `json:"data"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}
