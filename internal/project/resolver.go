// Package project resolves ingestion keys to project/environment scopes.
//
// Projects are provisioned outside this service; the resolver only reads
// them. Keys are opaque to clients, so the only validation beyond lookup is
// a shape check that keeps junk out of the query.
package project

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/model"
)

// MaxKeyLen is the longest key the resolver will look up.
const MaxKeyLen = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store reads and provisions projects. FindProjectByKey returns (nil, nil)
// for an unknown key.
type Store interface {
	FindProjectByKey(ctx context.Context, key string) (*model.Project, error)
	UpsertProject(ctx context.Context, p *model.Project) error
}

// Resolver maps a submitted key to its scope.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a Resolver over store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve checks rawKey, the still-undecoded projectKey of a request, and
// returns the scope of its project. origin is the request's Origin header.
//
// A missing key is a validation failure. A key that is not a string, has the
// wrong shape or is unknown is rejected as unauthorized; a known key of a
// disabled project, or a request from an origin the project does not allow,
// as forbidden.
func (r *Resolver) Resolve(ctx context.Context, rawKey json.RawMessage, origin string) (model.Scope, error) {
	key, err := parseKey(rawKey)
	if err != nil {
		return model.Scope{}, err
	}

	p, err := r.store.FindProjectByKey(ctx, key)
	if err != nil {
		return model.Scope{}, apperror.Wrap(apperror.KindPersistence, err, "look up project key")
	}
	if p == nil {
		r.logger.Info("unknown project key", zap.String("keyPrefix", redact(key)))
		return model.Scope{}, apperror.Unauthorized("unknown project key")
	}
	if !p.Enabled {
		return model.Scope{}, apperror.Forbidden("project %s is disabled", p.ID)
	}
	if !OriginAllowed(p.AllowedOrigins, origin) {
		r.logger.Info("origin not allowed for project",
			zap.String("projectId", p.ID), zap.String("origin", origin))
		return model.Scope{}, apperror.Forbidden("origin %q is not allowed for this project", origin)
	}

	return model.Scope{
		ProjectID:      p.ID,
		EnvironmentID:  p.EnvironmentID,
		AllowedOrigins: p.AllowedOrigins,
	}, nil
}

func parseKey(raw json.RawMessage) (string, error) {
	if !model.IsPresent(raw) {
		return "", apperror.Validation(apperror.FieldError{Field: "projectKey", Message: "is required"})
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", apperror.Unauthorized("projectKey must be a string")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apperror.Validation(apperror.FieldError{Field: "projectKey", Message: "is required"})
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func checkKey(key string) error {
	if len(key) > MaxKeyLen || !keyPattern.MatchString(key) {
		return apperror.Unauthorized("malformed project key")
	}
	return nil
}

// OriginAllowed reports whether origin may submit under a project with the
// given allow-list. An empty list, a "*" entry or a request without an
// Origin header (server-side submitters) are always allowed.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	want := normalizeOrigin(origin)
	for _, a := range allowed {
		if a == "*" || normalizeOrigin(a) == want {
			return true
		}
	}
	return false
}

func normalizeOrigin(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(s)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// redact keeps enough of a key to correlate log lines without logging it.
func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
