package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefermion/issuecapture/internal/apperror"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nnot-really-a-png-but-bytes-are-bytes")

func newIssueID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func readAll(t *testing.T, s Store, p string) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

// failingRename lets writes succeed and fails the final rename.
type failingRename struct {
	billy.Filesystem
}

func (f failingRename) Rename(_, _ string) error {
	return errors.New("rename: device busy")
}

func TestPutWritesUnderIssueDirectory(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	id := newIssueID()

	obj, err := store.Put(context.Background(), id, pngBytes, "image/png")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.Path, "screenshots/"+id+"/"))
	assert.True(t, strings.HasSuffix(obj.Path, ".png"))
	assert.Equal(t, int64(len(pngBytes)), obj.Size)
	assert.Equal(t, pngBytes, readAll(t, store, obj.Path))
}

func TestPutOnDisk(t *testing.T) {
	root := t.TempDir()
	store, err := NewOSStore(root, nil)
	require.NoError(t, err)
	id := newIssueID()

	obj, err := store.Put(context.Background(), id, pngBytes, "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(obj.Path, ".jpg"))

	onDisk, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(obj.Path)))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, onDisk)

	entries, err := os.ReadDir(filepath.Join(root, "screenshots", id))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file may survive a successful write")
}

func TestPutTwiceLeavesTwoCompleteObjects(t *testing.T) {
	fsys := memfs.New()
	store := NewFSStore(fsys, nil)
	id := newIssueID()

	first, err := store.Put(context.Background(), id, pngBytes, "image/png")
	require.NoError(t, err)
	second, err := store.Put(context.Background(), id, pngBytes, "image/png")
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, pngBytes, readAll(t, store, first.Path))
	assert.Equal(t, pngBytes, readAll(t, store, second.Path))

	entries, err := fsys.ReadDir(IssueDir(id))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), "temp file %s left behind", e.Name())
	}
}

func TestPutFailureLeavesNoLiveFile(t *testing.T) {
	fsys := memfs.New()
	store := NewFSStore(failingRename{fsys}, nil)
	id := newIssueID()

	_, err := store.Put(context.Background(), id, pngBytes, "image/png")
	require.Error(t, err)
	assert.True(t, apperror.Has(err, apperror.KindStorage))

	// The directory was created by this call, so it is gone again.
	_, statErr := fsys.Stat(IssueDir(id))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "expected issue dir removed, got %v", statErr)
}

func TestPutRejectsForeignIdentity(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)

	for _, id := range []string{"", "../etc", "not-a-uuid", "a/b"} {
		_, err := store.Put(context.Background(), id, pngBytes, "image/png")
		assert.True(t, apperror.Has(err, apperror.KindStorage), "identity %q", id)
	}
}

func TestPutRejectsUnknownMime(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	_, err := store.Put(context.Background(), newIssueID(), pngBytes, "image/svg+xml")
	assert.True(t, apperror.Has(err, apperror.KindStorage))
}

func TestPutHonorsCancelledContext(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, newIssueID(), pngBytes, "image/png")
	require.Error(t, err)
}

func TestOpenMissingObject(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	p := ObjectPath(newIssueID(), "gone", "png")

	_, err := store.Open(context.Background(), p)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenRejectsTraversal(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	for _, p := range []string{"../secret", "screenshots/../../etc/passwd", "screenshots/x/y.png", "/abs/path"} {
		_, err := store.Open(context.Background(), p)
		require.Error(t, err, p)
		assert.NotErrorIs(t, err, ErrNotFound, p)
	}
}

func TestDeleteRemovesObjectAndEmptyDir(t *testing.T) {
	fsys := memfs.New()
	store := NewFSStore(fsys, nil)
	id := newIssueID()

	obj, err := store.Put(context.Background(), id, pngBytes, "image/png")
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), obj.Path))
	_, err = fsys.Stat(IssueDir(id))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Deleting again is fine.
	require.NoError(t, store.Delete(context.Background(), obj.Path))
}

func TestSweepRemovesOrphansAndKeepsReferenced(t *testing.T) {
	fsys := memfs.New()
	store := NewFSStore(fsys, nil)
	ctx := context.Background()

	kept := newIssueID()
	orphan := newIssueID()
	keptObj, err := store.Put(ctx, kept, pngBytes, "image/png")
	require.NoError(t, err)
	_, err = store.Put(ctx, orphan, pngBytes, "image/png")
	require.NoError(t, err)
	// A stale temp file from an interrupted write.
	require.NoError(t, util.WriteFile(fsys, IssueDir(kept)+"/"+tempPrefix+"123", []byte("partial"), 0o644))

	report, err := store.Sweep(ctx, SweepOptions{
		OlderThan: time.Now().Add(time.Hour),
		Keep: func(_ context.Context, id string) (bool, error) {
			return id == kept, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.RemovedOrphans)
	assert.Equal(t, 1, report.RemovedTemps)
	assert.Empty(t, report.Errors)

	assert.Equal(t, pngBytes, readAll(t, store, keptObj.Path))
	_, err = fsys.Stat(IssueDir(orphan))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSweepSparesRecentWrites(t *testing.T) {
	fsys := memfs.New()
	store := NewFSStore(fsys, nil)
	ctx := context.Background()
	id := newIssueID()

	obj, err := store.Put(ctx, id, pngBytes, "image/png")
	require.NoError(t, err)

	report, err := store.Sweep(ctx, SweepOptions{
		OlderThan: time.Now().Add(-time.Hour),
		Keep:      func(context.Context, string) (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	assert.Zero(t, report.RemovedOrphans)

	ok, err := store.Exists(ctx, obj.Path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepWithoutScreenshotsDir(t *testing.T) {
	store := NewFSStore(memfs.New(), nil)
	report, err := store.Sweep(context.Background(), SweepOptions{OlderThan: time.Now()})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestValidObjectPath(t *testing.T) {
	id := newIssueID()
	tests := []struct {
		path string
		ok   bool
	}{
		{ObjectPath(id, "abc", "png"), true},
		{"screenshots/" + id + "/.upload-1", false},
		{"screenshots/" + id, false},
		{"screenshots/" + id + "/../x.png", false},
		{"other/" + id + "/a.png", false},
		{"screenshots/not-uuid/a.png", false},
		{"screenshots//a.png", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidObjectPath(tt.path), tt.path)
	}
}
