// Package storage persists screenshot content objects.
//
// Objects live under a deterministic layout keyed by the reserved issue
// identity:
//
//	screenshots/<issueId>/<generatedName>.<ext>
//
// The returned path is relative to the storage root and is what the
// Screenshot row stores. No segment of it ever comes from the client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bluefermion/issuecapture/internal/model"
)

// ScreenshotsDir is the top-level prefix of every screenshot object.
const ScreenshotsDir = "screenshots"

// tempPrefix marks in-flight writes. Files carrying it are never referenced
// by a row and are safe to garbage-collect.
const tempPrefix = ".upload-"

// ErrNotFound is returned by Open when the object does not exist, e.g. an
// orphan already swept or a file removed out of band.
var ErrNotFound = errors.New("storage: object not found")

// Object describes a stored content object.
type Object struct {
	// Path is relative to the storage root.
	Path     string
	Size     int64
	MimeType string
}

// Store is a content store for screenshot objects.
type Store interface {
	// Put writes data for the given reserved issue identity and returns the
	// object's relative path and the number of bytes written. A reader never
	// observes a partially written object.
	Put(ctx context.Context, issueID string, data []byte, mimeType string) (Object, error)
	// Open returns the object's content, or ErrNotFound.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)
	// Exists reports whether the object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
	// Sweep removes orphaned objects and stale temp files.
	Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error)
}

// SweepOptions controls a reconciliation pass.
type SweepOptions struct {
	// OlderThan protects recent writes: only objects last modified before it
	// are considered.
	OlderThan time.Time
	// Keep reports whether an issue row exists for the identity; objects of
	// kept identities are never removed.
	Keep func(ctx context.Context, issueID string) (bool, error)
}

// SweepReport summarizes a reconciliation pass.
type SweepReport struct {
	Scanned        int
	RemovedOrphans int
	RemovedTemps   int
	RemovedBytes   int64
	Errors         []error
}

// ExtensionFor maps a verified mime type to the file extension used on disk.
func ExtensionFor(mimeType string) (string, bool) {
	return model.ScreenshotExtension(mimeType)
}

// ObjectPath builds the relative path of an object.
func ObjectPath(issueID, name, ext string) string {
	return path.Join(ScreenshotsDir, issueID, name+"."+ext)
}

// IssueDir is the directory (or key prefix) holding an issue's objects.
func IssueDir(issueID string) string {
	return path.Join(ScreenshotsDir, issueID)
}

// ValidIssueID reports whether id is a server-generated identity. Anything
// else is refused before touching the store.
func ValidIssueID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// ValidObjectPath reports whether p has the shape ObjectPath produces.
func ValidObjectPath(p string) bool {
	if p != path.Clean(p) || strings.Contains(p, "\\") {
		return false
	}
	parts := strings.Split(p, "/")
	if len(parts) != 3 || parts[0] != ScreenshotsDir {
		return false
	}
	if !ValidIssueID(parts[1]) {
		return false
	}
	name := parts[2]
	return name != "" && !strings.HasPrefix(name, ".") && name != ".."
}

// issueIDOf extracts the identity segment of a valid object path.
func issueIDOf(p string) string {
	return strings.Split(p, "/")[1]
}

func newObjectName() string {
	return uuid.NewString()
}

func errInvalidPath(p string) error {
	return fmt.Errorf("storage: invalid object path %q", p)
}
