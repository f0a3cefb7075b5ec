package storage

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReconcilerSweepOnce(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	ctx := context.Background()
	kept, orphan := newIssueID(), newIssueID()
	_, err := store.Put(ctx, kept, pngBytes, "image/png")
	require.NoError(t, err)
	orphanObj, err := store.Put(ctx, orphan, pngBytes, "image/png")
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	r := NewReconciler(store, func(_ context.Context, id string) (bool, error) {
		return id == kept, nil
	}, time.Minute, time.Hour, zap.New(core))
	// Two hours from now, both objects are past the grace period.
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	var got []SweepReport
	r.OnSweep = func(rep SweepReport) { got = append(got, rep) }

	report := r.SweepOnce(ctx)
	assert.Equal(t, 1, report.RemovedOrphans)
	require.Len(t, got, 1)
	assert.Equal(t, report, got[0])
	assert.Equal(t, 1, logs.FilterMessage("storage sweep finished").Len())

	ok, err := store.Exists(ctx, orphanObj.Path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconcilerRespectsGrace(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	ctx := context.Background()
	obj, err := store.Put(ctx, newIssueID(), pngBytes, "image/png")
	require.NoError(t, err)

	r := NewReconciler(store, func(context.Context, string) (bool, error) { return false, nil },
		time.Minute, time.Hour, nil)

	report := r.SweepOnce(ctx)
	assert.Zero(t, report.RemovedOrphans)
	ok, err := store.Exists(ctx, obj.Path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	r := NewReconciler(store, func(context.Context, string) (bool, error) { return true, nil },
		10*time.Millisecond, time.Hour, nil)

	sweeps := make(chan SweepReport, 16)
	r.OnSweep = func(rep SweepReport) {
		select {
		case sweeps <- rep:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep ran")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconcilerDisabled(t *testing.T) {
	r := NewReconciler(NewFSStore(memfs.New(), nil), nil, 0, time.Hour, nil)
	// Returns immediately instead of blocking.
	r.Run(context.Background())
}
