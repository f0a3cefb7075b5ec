// Package model defines the domain entities and data transfer objects (DTOs) for the system.
//
// The persisted entities are Issue and Screenshot. Submission, ScreenshotPayload
// and ElementSelector are transient: they are built per request by the ingestion
// pipeline and discarded once the Issue is committed.
//
// JSON tags define how these objects map to/from JSON when interacting with the
// embedded widget and the read API.
package model

import (
	"strings"
	"time"
)

// Severity is the reporter-chosen impact of an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists the accepted values in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity accepts a severity case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Severities {
		if v == known {
			return v, true
		}
	}
	return "", false
}

// Status tracks the triage lifecycle of an issue. Ingestion always creates
// issues as StatusOpen; admin workflows move them along.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// ScreenshotStatus records what happened to the optional screenshot of a
// submission. A degraded screenshot is deliberately distinct from "none" so
// that diagnostics can tell a dropped capture from one that was never sent.
type ScreenshotStatus string

const (
	ScreenshotNone     ScreenshotStatus = "none"
	ScreenshotStored   ScreenshotStatus = "stored"
	ScreenshotDegraded ScreenshotStatus = "degraded"
)

var screenshotExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// mimeAliases maps non-canonical labels browsers and libraries emit.
var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
}

// CanonicalMimeType lower-cases a mime label and resolves known aliases.
func CanonicalMimeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := mimeAliases[s]; ok {
		return alias
	}
	return s
}

// ScreenshotExtension maps a screenshot mime type to the extension its
// object is stored under. Only mapped types can be stored.
func ScreenshotExtension(mimeType string) (string, bool) {
	ext, ok := screenshotExtensions[mimeType]
	return ext, ok
}

// Dimensions is a width/height pair in CSS pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Metadata is the diagnostic browser/environment snapshot sent by the widget.
// Every field is optional; values of unexpected shape are dropped at the
// boundary instead of rejecting the submission.
type Metadata struct {
	URL       string      `json:"url,omitempty"`
	UserAgent string      `json:"userAgent,omitempty"`
	Viewport  *Dimensions `json:"viewport,omitempty"`
	Screen    *Dimensions `json:"screen,omitempty"`
	Language  string      `json:"language,omitempty"`
	Timezone  string      `json:"timezone,omitempty"`
	// Timestamp is the client clock at submission. Kept verbatim, never used
	// for ordering (server timestamps are authoritative).
	Timestamp string `json:"timestamp,omitempty"`
}

// Issue is a persisted bug/feedback report tied to a project/environment scope.
type Issue struct {
	// ID is reserved before the row exists so the content store can name the
	// screenshot directory ahead of commit.
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`

	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`
	Metadata    Metadata `json:"metadata"`

	ScreenshotStatus ScreenshotStatus `json:"screenshotStatus"`
	// ScreenshotError holds the degradation reason when ScreenshotStatus is
	// ScreenshotDegraded.
	ScreenshotError string `json:"screenshotError,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	Screenshots []Screenshot `json:"screenshots,omitempty"`
}

// Screenshot points at a stored image artifact plus the DOM element locator.
// It cannot exist without its Issue.
type Screenshot struct {
	ID      string `json:"id"`
	IssueID string `json:"issueId"`
	// StoragePath is relative to the storage root and never derived from
	// client-supplied strings.
	StoragePath string `json:"storagePath"`
	MimeType    string `json:"mimeType"`
	// FileSize is the number of decoded bytes written, not the declared size.
	FileSize        int64           `json:"fileSize"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	ElementSelector ElementSelector `json:"elementSelector"`
	CreatedAt       time.Time       `json:"createdAt"`

	// Available is filled by the read API from the content store. It is nil
	// when availability was not checked.
	Available *bool `json:"available,omitempty"`
}

// BoundingBox is the highlighted element's rectangle in page coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSelector is the forensic descriptor of the DOM element a reporter
// pointed at.
type ElementSelector struct {
	CSSSelector string      `json:"cssSelector"`
	XPath       string      `json:"xpath"`
	BoundingBox BoundingBox `json:"boundingBox"`
	OuterHTML   string      `json:"outerHTML"`
	// Truncated is set when any string field was cut to its storage bound.
	Truncated bool `json:"truncated,omitempty"`
}

// ScreenshotPayload is the client's screenshot capture as declared. Only
// DataURL is load-bearing; the rest is advisory.
type ScreenshotPayload struct {
	DataURL  string
	MimeType string
	FileSize int64
	Width    int
	Height   int
}

// Project is an ingestion scope. Projects are provisioned outside this service.
type Project struct {
	ID            string   `json:"id" yaml:"id"`
	EnvironmentID string   `json:"environmentId" yaml:"environmentId"`
	Key           string   `json:"-" yaml:"key"`
	Name          string   `json:"name" yaml:"name"`
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	// AllowedOrigins restricts the browser origins that may submit with this
	// key. Empty means any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins"`
}

// Scope is the resolved project/environment a submission is filed under.
type Scope struct {
	ProjectID      string
	EnvironmentID  string
	AllowedOrigins []string
}
