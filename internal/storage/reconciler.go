package storage

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Reconciler periodically sweeps a Store for objects that no issue row
// references: writes whose transaction rolled back and whose best-effort
// delete also failed, and temp files left by a crash mid-write.
type Reconciler struct {
	store    Store
	keep     func(ctx context.Context, issueID string) (bool, error)
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	// OnSweep, when set, receives every completed report.
	OnSweep func(SweepReport)

	now func() time.Time
}

// NewReconciler creates a Reconciler. keep reports whether a row exists for
// an issue identity; grace protects objects younger than it.
func NewReconciler(store Store, keep func(ctx context.Context, issueID string) (bool, error), interval, grace time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		keep:     keep,
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// A non-positive interval disables the loop.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("storage sweep disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single reconciliation pass.
func (r *Reconciler) SweepOnce(ctx context.Context) SweepReport {
	start := r.now()
	report, err := r.store.Sweep(ctx, SweepOptions{
		OlderThan: start.Add(-r.grace),
		Keep:      r.keep,
	})
	if err != nil {
		r.logger.Error("storage sweep failed", zap.Error(err))
		return report
	}

	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("orphans", report.RemovedOrphans),
		zap.Int("temps", report.RemovedTemps),
		zap.String("freed", humanize.Bytes(uint64(report.RemovedBytes))),
		zap.Duration("took", r.now().Sub(start)),
	}
	if len(report.Errors) > 0 {
		r.logger.Warn("storage sweep finished with errors",
			append(fields, zap.Errors("errors", report.Errors))...)
	} else {
		r.logger.Info("storage sweep finished", fields...)
	}
	if r.OnSweep != nil {
		r.OnSweep(report)
	}
	return report
}
