// Package ingest implements the issue ingestion pipeline.
//
// A submission moves through the states
//
//	Received -> Validated -> {ScreenshotSkipped | ScreenshotStored | ScreenshotDegraded} -> Committed
//
// or ends in Rejected when the project key or a load-bearing field is bad.
// Decoding and the content write happen before the database transaction is
// opened; the transaction inserts the Issue and its Screenshot together.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/model"
	"github.com/bluefermion/issuecapture/internal/storage"
)

// State is a step of the submission state machine.
type State string

const (
	StateReceived           State = "received"
	StateValidated          State = "validated"
	StateScreenshotSkipped  State = "screenshot_skipped"
	StateScreenshotStored   State = "screenshot_stored"
	StateScreenshotDegraded State = "screenshot_degraded"
	StateCommitted          State = "committed"
	StateRejected           State = "rejected"
)

// cleanupTimeout bounds the best-effort removal of an object whose issue
// could not be committed. It runs detached from the request deadline.
const cleanupTimeout = 5 * time.Second

// ProjectResolver maps the raw projectKey of a request to its scope.
type ProjectResolver interface {
	Resolve(ctx context.Context, rawKey json.RawMessage, origin string) (model.Scope, error)
}

// IssueRepository persists an issue and its optional screenshot atomically.
type IssueRepository interface {
	CreateIssue(ctx context.Context, issue *model.Issue, screenshot *model.Screenshot) error
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Resolver ProjectResolver
	Store    storage.Store
	Repo     IssueRepository
	Recorder Recorder
	Logger   *zap.Logger
}

// Result is the outcome of a committed submission.
type Result struct {
	Issue      *model.Issue
	Screenshot *model.Screenshot
	State      State

	// ScreenshotStage is the skipped, stored or degraded state the
	// submission passed through.
	ScreenshotStage State
}

// Service runs submissions through the pipeline. It holds no per-submission
// state, so one Service serves concurrent requests.
type Service struct {
	resolver  ProjectResolver
	validator *Validator
	decoder   *Decoder
	selectors *SelectorNormalizer
	store     storage.Store
	repo      IssueRepository
	policy    *DegradationPolicy
	recorder  Recorder
	logger    *zap.Logger
	timeout   time.Duration

	now   func() time.Time
	newID func() (string, error)
}

// NewService wires the pipeline. timeout bounds each submission; zero means
// only the caller's context applies.
func NewService(deps Dependencies, cfg config.IngestConfig, timeout time.Duration) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		resolver:  deps.Resolver,
		validator: NewValidator(cfg),
		decoder:   NewDecoder(cfg, logger),
		selectors: NewSelectorNormalizer(cfg),
		store:     deps.Store,
		repo:      deps.Repo,
		policy:    NewDegradationPolicy(logger, recorder),
		recorder:  recorder,
		logger:    logger,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newIdentity,
	}
}

// newIdentity reserves an issue identity. UUIDv7 keeps identities roughly
// time-ordered, which keeps primary key inserts append-mostly.
func newIdentity() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Submit runs one submission. origin is the request's Origin header, empty
// when absent.
//
// Errors are *apperror.Error values: InvalidProjectKey and ValidationError
// before any write, PersistenceError or Timeout after. Screenshot failures
// are never returned; they show up as a degraded Result.
func (s *Service) Submit(ctx context.Context, req model.SubmissionRequest, origin string) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.recorder.SubmissionReceived()

	scope, err := s.resolver.Resolve(ctx, req.ProjectKey, origin)
	if err != nil {
		return nil, s.reject(ctx, err)
	}
	sub, err := s.validator.Validate(req, scope)
	if err != nil {
		return nil, s.reject(ctx, err)
	}

	id, err := s.newID()
	if err != nil {
		return nil, s.fail(apperror.Wrap(apperror.KindPersistence, err, "reserve issue identity"))
	}
	log := s.logger.With(zap.String("issueId", id), zap.String("projectId", scope.ProjectID))
	log.Debug("submission validated", zap.String("state", string(StateValidated)))

	now := s.now()
	issue := &model.Issue{
		ID:               id,
		ProjectID:        scope.ProjectID,
		EnvironmentID:    scope.EnvironmentID,
		Title:            sub.Title,
		Description:      sub.Description,
		Severity:         sub.Severity,
		Status:           model.StatusOpen,
		Metadata:         sub.Metadata,
		ScreenshotStatus: model.ScreenshotNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	state := StateScreenshotSkipped
	var shot *model.Screenshot
	if sub.HasScreenshot() {
		shot, err = s.captureScreenshot(ctx, id, sub.Screenshot, now)
		switch {
		case err == nil:
			state = StateScreenshotStored
			issue.ScreenshotStatus = model.ScreenshotStored
		case s.policy.Degradable(err):
			state = StateScreenshotDegraded
			issue.ScreenshotStatus = model.ScreenshotDegraded
			issue.ScreenshotError = s.policy.Degrade(id, err)
		default:
			return nil, s.fail(s.timeoutError(ctx, err))
		}
	}
	log.Debug("screenshot stage finished", zap.String("state", string(state)))

	if err := ctx.Err(); err != nil {
		s.discard(log, shot)
		return nil, s.fail(s.timeoutError(ctx, err))
	}

	if err := s.repo.CreateIssue(ctx, issue, shot); err != nil {
		s.discard(log, shot)
		if ctx.Err() != nil {
			return nil, s.fail(s.timeoutError(ctx, err))
		}
		if !apperror.Has(err, apperror.KindPersistence) {
			err = apperror.Wrap(apperror.KindPersistence, err, "record issue")
		}
		return nil, s.fail(err)
	}

	s.recorder.IssueCommitted(issue.ScreenshotStatus)
	if shot != nil {
		issue.Screenshots = []model.Screenshot{*shot}
	}
	log.Info("issue committed",
		zap.String("severity", string(issue.Severity)),
		zap.String("screenshot", string(issue.ScreenshotStatus)))

	return &Result{Issue: issue, Screenshot: shot, State: StateCommitted, ScreenshotStage: state}, nil
}

// captureScreenshot decodes and stores the capture block under the reserved
// identity. Any error it returns is subject to the degradation policy.
func (s *Service) captureScreenshot(ctx context.Context, issueID string, raw json.RawMessage, now time.Time) (*model.Screenshot, error) {
	payload, selectorRaw, err := ParseCapture(raw)
	if err != nil {
		return nil, err
	}
	img, err := s.decoder.Decode(payload)
	if err != nil {
		return nil, err
	}
	selector := s.selectors.Normalize(selectorRaw)

	screenshotID, err := s.newID()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "name screenshot")
	}

	obj, err := s.store.Put(ctx, issueID, img.Data, img.MimeType)
	if err != nil {
		return nil, err
	}
	if obj.Size != img.Size {
		s.discardPath(s.logger.With(zap.String("issueId", issueID)), obj.Path)
		return nil, apperror.New(apperror.KindStorage, "stored %d of %d bytes", obj.Size, img.Size)
	}

	return &model.Screenshot{
		ID:              screenshotID,
		IssueID:         issueID,
		StoragePath:     obj.Path,
		MimeType:        img.MimeType,
		FileSize:        obj.Size,
		Width:           img.Width,
		Height:          img.Height,
		ElementSelector: selector,
		CreatedAt:       now,
	}, nil
}

// discard removes the object of a screenshot that will not be committed.
func (s *Service) discard(log *zap.Logger, shot *model.Screenshot) {
	if shot != nil {
		s.discardPath(log, shot.StoragePath)
	}
}

// discardPath is best-effort; failure leaves an orphan for the
// reconciliation sweep.
func (s *Service) discardPath(log *zap.Logger, objectPath string) {
	if objectPath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, objectPath); err != nil {
		s.recorder.ObjectCleanup(false)
		log.Error("could not remove uncommitted screenshot, left for sweep",
			zap.String("path", objectPath), zap.Error(err))
		return
	}
	s.recorder.ObjectCleanup(true)
	log.Info("removed uncommitted screenshot", zap.String("path", objectPath))
}

func (s *Service) reject(ctx context.Context, err error) error {
	kind := apperror.KindOf(err)
	if kind != apperror.KindValidation && kind != apperror.KindInvalidProjectKey {
		// Resolver infrastructure failure, not a client mistake.
		if ctx.Err() != nil {
			return s.fail(s.timeoutError(ctx, err))
		}
		return s.fail(err)
	}
	s.recorder.SubmissionRejected(kind)
	s.logger.Info("submission rejected",
		zap.String("state", string(StateRejected)),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return err
}

func (s *Service) fail(err error) error {
	kind := apperror.KindOf(err)
	s.recorder.SubmissionFailed(kind)
	s.logger.Error("submission failed", zap.String("kind", string(kind)), zap.Error(err))
	return err
}

func (s *Service) timeoutError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return apperror.Wrap(apperror.KindTimeout, err, "submission cancelled")
	}
	return apperror.Wrap(apperror.KindTimeout, err, "submission exceeded %s", s.timeout)
}
