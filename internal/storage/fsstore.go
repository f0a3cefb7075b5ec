package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
)

// FSStore keeps objects on a go-billy filesystem rooted at the storage root.
// In production that is an osfs chroot, which also confines every operation
// to the root; tests use memfs.
type FSStore struct {
	fs      billy.Filesystem
	logger  *zap.Logger
	newName func() string
}

// NewFSStore wraps an existing billy filesystem.
func NewFSStore(fsys billy.Filesystem, logger *zap.Logger) *FSStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSStore{fs: fsys, logger: logger, newName: newObjectName}
}

// NewOSStore opens a store on the local disk under root, creating it if needed.
func NewOSStore(root string, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return NewFSStore(osfs.New(root), logger), nil
}

// Put writes data to a temp file in the issue directory and renames it into
// place. On failure only the temp file can remain, and a directory created
// by this call is removed again if it ended up empty.
func (s *FSStore) Put(ctx context.Context, issueID string, data []byte, mimeType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, apperror.Wrap(apperror.KindStorage, err, "store screenshot")
	}
	if !ValidIssueID(issueID) {
		return Object{}, apperror.New(apperror.KindStorage, "refusing to store under identity %q", issueID)
	}
	ext, ok := ExtensionFor(mimeType)
	if !ok {
		return Object{}, apperror.New(apperror.KindStorage, "no extension for mime type %q", mimeType)
	}

	dir := IssueDir(issueID)
	created, err := s.ensureDir(dir)
	if err != nil {
		return Object{}, apperror.Wrap(apperror.KindStorage, err, "create %s", dir)
	}

	final := ObjectPath(issueID, s.newName(), ext)
	n, err := s.writeAtomic(dir, final, data)
	if err != nil {
		if created {
			s.removeIfEmpty(dir)
		}
		return Object{}, apperror.Wrap(apperror.KindStorage, err, "write %s", final)
	}

	s.logger.Debug("screenshot object written",
		zap.String("path", final),
		zap.String("size", humanize.Bytes(uint64(n))))

	return Object{Path: final, Size: n, MimeType: mimeType}, nil
}

// ensureDir creates dir if missing and reports whether it did.
func (s *FSStore) ensureDir(dir string) (bool, error) {
	info, err := s.fs.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, err
	}
}

func (s *FSStore) writeAtomic(dir, final string, data []byte) (int64, error) {
	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, werr := io.Copy(tmp, bytes.NewReader(data))
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil && n != int64(len(data)) {
		werr = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if werr != nil {
		s.discardTemp(tmpName)
		return 0, werr
	}

	if err := s.fs.Rename(tmpName, final); err != nil {
		s.discardTemp(tmpName)
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	return n, nil
}

// discardTemp is best-effort; a leftover temp file is collected by Sweep.
func (s *FSStore) discardTemp(name string) {
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("temp file left behind", zap.String("path", name), zap.Error(err))
	}
}

func (s *FSStore) removeIfEmpty(dir string) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := s.fs.Remove(dir); err != nil {
		s.logger.Warn("empty issue directory left behind", zap.String("dir", dir), zap.Error(err))
	}
}

// Open implements Store.
func (s *FSStore) Open(_ context.Context, objectPath string) (io.ReadCloser, error) {
	if !ValidObjectPath(objectPath) {
		return nil, errInvalidPath(objectPath)
	}
	f, err := s.fs.Open(objectPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", objectPath, err)
	}
	return f, nil
}

// Exists implements Store.
func (s *FSStore) Exists(_ context.Context, objectPath string) (bool, error) {
	if !ValidObjectPath(objectPath) {
		return false, errInvalidPath(objectPath)
	}
	_, err := s.fs.Stat(objectPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", objectPath, err)
	}
}

// Delete implements Store. The issue directory goes too once empty.
func (s *FSStore) Delete(_ context.Context, objectPath string) error {
	if !ValidObjectPath(objectPath) {
		return errInvalidPath(objectPath)
	}
	if err := s.fs.Remove(objectPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", objectPath, err)
	}
	s.removeIfEmpty(path.Dir(objectPath))
	return nil
}

// Sweep implements Store. It walks screenshots/<issueId>/ directories,
// removing temp files older than the threshold and whole directories whose
// identity has no issue row and whose newest file is older than the
// threshold.
func (s *FSStore) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	var report SweepReport

	dirs, err := s.fs.ReadDir(ScreenshotsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read %s: %w", ScreenshotsDir, err)
	}

	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !d.IsDir() || !ValidIssueID(d.Name()) {
			continue
		}
		report.Scanned++
		dir := IssueDir(d.Name())

		files, err := s.fs.ReadDir(dir)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("read %s: %w", dir, err))
			continue
		}

		var live []os.FileInfo
		young := false
		for _, f := range files {
			if f.ModTime().After(opts.OlderThan) {
				young = true
			}
			if strings.HasPrefix(f.Name(), tempPrefix) {
				if f.ModTime().Before(opts.OlderThan) {
					if err := s.fs.Remove(path.Join(dir, f.Name())); err != nil {
						report.Errors = append(report.Errors, err)
						continue
					}
					report.RemovedTemps++
					report.RemovedBytes += f.Size()
					continue
				}
			}
			live = append(live, f)
		}

		if young {
			continue
		}
		if opts.Keep != nil {
			keep, err := opts.Keep(ctx, d.Name())
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("check issue %s: %w", d.Name(), err))
				continue
			}
			if keep {
				continue
			}
		}

		for _, f := range live {
			if err := s.fs.Remove(path.Join(dir, f.Name())); err != nil {
				report.Errors = append(report.Errors, err)
				continue
			}
			report.RemovedOrphans++
			report.RemovedBytes += f.Size()
		}
		s.removeIfEmpty(dir)
	}

	return report, nil
}
