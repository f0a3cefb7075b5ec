// Package metrics keeps in-process counters for the ingestion pipeline and
// serves them as JSON.
package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/model"
)

// Collector stores pipeline metrics. The zero value is not usable; call New.
type Collector struct {
	submissions        atomic.Uint64
	committed          atomic.Uint64
	screenshotsStored  atomic.Uint64
	screenshotsSkipped atomic.Uint64
	cleanupsOK         atomic.Uint64
	cleanupsFailed     atomic.Uint64
	sweepsRun          atomic.Uint64
	orphansRemoved     atomic.Uint64

	mu        sync.Mutex
	rejected  map[apperror.Kind]uint64
	degraded  map[apperror.Kind]uint64
	failed    map[apperror.Kind]uint64
	startTime time.Time
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{
		rejected:  make(map[apperror.Kind]uint64),
		degraded:  make(map[apperror.Kind]uint64),
		failed:    make(map[apperror.Kind]uint64),
		startTime: time.Now(),
	}
}

// SubmissionReceived counts a submission entering the pipeline.
func (c *Collector) SubmissionReceived() { c.submissions.Add(1) }

// SubmissionRejected counts a submission refused before any write.
func (c *Collector) SubmissionRejected(kind apperror.Kind) { c.bump(c.rejected, kind) }

// ScreenshotDegraded counts a screenshot dropped by the degradation policy.
func (c *Collector) ScreenshotDegraded(kind apperror.Kind) { c.bump(c.degraded, kind) }

// SubmissionFailed counts a submission that failed after validation.
func (c *Collector) SubmissionFailed(kind apperror.Kind) { c.bump(c.failed, kind) }

// IssueCommitted counts a committed issue by screenshot outcome.
func (c *Collector) IssueCommitted(status model.ScreenshotStatus) {
	c.committed.Add(1)
	switch status {
	case model.ScreenshotStored:
		c.screenshotsStored.Add(1)
	case model.ScreenshotNone:
		c.screenshotsSkipped.Add(1)
	}
}

// ObjectCleanup counts a best-effort removal of a stored object.
func (c *Collector) ObjectCleanup(ok bool) {
	if ok {
		c.cleanupsOK.Add(1)
		return
	}
	c.cleanupsFailed.Add(1)
}

// SweepCompleted counts a reconciliation pass and the orphans it removed.
func (c *Collector) SweepCompleted(removed int) {
	c.sweepsRun.Add(1)
	c.orphansRemoved.Add(uint64(removed))
}

func (c *Collector) bump(m map[apperror.Kind]uint64, kind apperror.Kind) {
	c.mu.Lock()
	m[kind]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Submissions        uint64                   `json:"submissions_total"`
	Committed          uint64                   `json:"issues_committed"`
	ScreenshotsStored  uint64                   `json:"screenshots_stored"`
	ScreenshotsSkipped uint64                   `json:"screenshots_skipped"`
	Rejected           map[apperror.Kind]uint64 `json:"submissions_rejected"`
	Degraded           map[apperror.Kind]uint64 `json:"screenshots_degraded"`
	Failed             map[apperror.Kind]uint64 `json:"submissions_failed"`
	CleanupsOK         uint64                   `json:"object_cleanups_ok"`
	CleanupsFailed     uint64                   `json:"object_cleanups_failed"`
	SweepsRun          uint64                   `json:"sweeps_run"`
	OrphansRemoved     uint64                   `json:"orphans_removed"`
	UptimeSeconds      float64                  `json:"uptime_seconds"`
	Goroutines         int                      `json:"goroutines"`
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Rejected: copyCounts(c.rejected),
		Degraded: copyCounts(c.degraded),
		Failed:   copyCounts(c.failed),
	}
	c.mu.Unlock()

	s.Submissions = c.submissions.Load()
	s.Committed = c.committed.Load()
	s.ScreenshotsStored = c.screenshotsStored.Load()
	s.ScreenshotsSkipped = c.screenshotsSkipped.Load()
	s.CleanupsOK = c.cleanupsOK.Load()
	s.CleanupsFailed = c.cleanupsFailed.Load()
	s.SweepsRun = c.sweepsRun.Load()
	s.OrphansRemoved = c.orphansRemoved.Load()
	s.UptimeSeconds = time.Since(c.startTime).Seconds()
	s.Goroutines = runtime.NumGoroutine()
	return s
}

func copyCounts(m map[apperror.Kind]uint64) map[apperror.Kind]uint64 {
	out := make(map[apperror.Kind]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Handler serves the snapshot as JSON.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	}
}
