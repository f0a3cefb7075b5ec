package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/model"
)

// Recorder receives pipeline events. *metrics.Collector implements it.
type Recorder interface {
	SubmissionReceived()
	SubmissionRejected(kind apperror.Kind)
	ScreenshotDegraded(kind apperror.Kind)
	SubmissionFailed(kind apperror.Kind)
	IssueCommitted(status model.ScreenshotStatus)
	ObjectCleanup(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) SubmissionReceived() {}
func (nopRecorder) SubmissionRejected(apperror.Kind) {}
func (nopRecorder) ScreenshotDegraded(apperror.Kind) {}
func (nopRecorder) SubmissionFailed(apperror.Kind) {}
func (nopRecorder) IssueCommitted(model.ScreenshotStatus) {}
func (nopRecorder) ObjectCleanup(bool) {}

// maxReasonLen bounds the degradation reason stored on the issue row.
const maxReasonLen = 500

// DegradationPolicy decides what a failure on the screenshot path costs.
//
// Losing the screenshot never loses the issue. Decode, media type, size and
// storage failures drop only the screenshot, loudly: a warning is logged,
// the kind is counted, and the issue row is marked degraded so it can be
// told apart from a submission that never carried a screenshot. The only
// screenshot-path failure that is not degradable is running out of time,
// because the request itself is over.
type DegradationPolicy struct {
	logger   *zap.Logger
	recorder Recorder
}

// NewDegradationPolicy builds the policy. A nil recorder discards events.
func NewDegradationPolicy(logger *zap.Logger, recorder Recorder) *DegradationPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &DegradationPolicy{logger: logger, recorder: recorder}
}

// Degradable reports whether err, raised while decoding or storing a
// screenshot, may be absorbed.
func (p *DegradationPolicy) Degradable(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

// Degrade records the loss of the screenshot of issueID and returns the
// reason to persist with the issue.
func (p *DegradationPolicy) Degrade(issueID string, err error) string {
	kind := apperror.KindOf(err)
	p.recorder.ScreenshotDegraded(kind)
	p.logger.Warn("screenshot degraded, issue kept without it",
		zap.String("issueId", issueID),
		zap.String("kind", string(kind)),
		zap.Error(err))

	reason, _ := truncateRunes(err.Error(), maxReasonLen)
	return reason
}
