package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/config"
)

// removeTimeout bounds the removal of an object stored incomplete.
const removeTimeout = 5 * time.Second

// MinioStore keeps objects in an S3-compatible bucket using the same key
// layout as FSStore. An object only becomes visible once PutObject
// completes, which gives the same no-partial-read guarantee as rename.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	logger  *zap.Logger
	newName func() string
}

// NewMinioStore connects to MinIO and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("minio make bucket %s: %w", cfg.BucketName, err)
		}
	}

	return &MinioStore{client: cli, bucket: cfg.BucketName, logger: logger, newName: newObjectName}, nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, issueID string, data []byte, mimeType string) (Object, error) {
	if !ValidIssueID(issueID) {
		return Object{}, apperror.New(apperror.KindStorage, "refusing to store under identity %q", issueID)
	}
	ext, ok := ExtensionFor(mimeType)
	if !ok {
		return Object{}, apperror.New(apperror.KindStorage, "no extension for mime type %q", mimeType)
	}

	key := ObjectPath(issueID, s.newName(), ext)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return Object{}, apperror.Wrap(apperror.KindStorage, err, "put %s", key)
	}
	if info.Size != int64(len(data)) {
		s.removeShort(key)
		return Object{}, apperror.New(apperror.KindStorage, "put %s: stored %d of %d bytes", key, info.Size, len(data))
	}
	return Object{Path: key, Size: info.Size, MimeType: mimeType}, nil
}

// removeShort deletes an object that was stored incomplete. It runs detached
// from the request deadline; a failure leaves the object to the sweep.
func (s *MinioStore) removeShort(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("failed to remove short object", zap.String("key", key), zap.Error(err))
	}
}

// Open implements Store.
func (s *MinioStore) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if !ValidObjectPath(objectPath) {
		return nil, errInvalidPath(objectPath)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(objectPath, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.translate(objectPath, err)
	}
	return obj, nil
}

// Exists implements Store.
func (s *MinioStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	if !ValidObjectPath(objectPath) {
		return false, errInvalidPath(objectPath)
	}
	_, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err = s.translate(objectPath, err); err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// Delete implements Store.
func (s *MinioStore) Delete(ctx context.Context, objectPath string) error {
	if !ValidObjectPath(objectPath) {
		return errInvalidPath(objectPath)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		if s.translate(objectPath, err) == ErrNotFound {
			return nil
		}
		return fmt.Errorf("remove %s: %w", objectPath, err)
	}
	return nil
}

// Sweep implements Store. Objects are grouped by identity prefix; a group is
// removed when its identity has no issue row and all its objects are older
// than the threshold.
func (s *MinioStore) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	var report SweepReport

	type group struct {
		keys   []string
		bytes  int64
		newest time.Time
	}
	groups := make(map[string]*group)
	var order []string

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    ScreenshotsDir + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return report, fmt.Errorf("list objects: %w", obj.Err)
		}
		if !ValidObjectPath(obj.Key) {
			continue
		}
		id := issueIDOf(obj.Key)
		g, ok := groups[id]
		if !ok {
			g = &group{}
			groups[id] = g
			order = append(order, id)
		}
		g.keys = append(g.keys, obj.Key)
		g.bytes += obj.Size
		if obj.LastModified.After(g.newest) {
			g.newest = obj.LastModified
		}
	}

	for _, id := range order {
		g := groups[id]
		report.Scanned++
		if g.newest.After(opts.OlderThan) {
			continue
		}
		if opts.Keep != nil {
			keep, err := opts.Keep(ctx, id)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("check issue %s: %w", id, err))
				continue
			}
			if keep {
				continue
			}
		}
		for _, key := range g.keys {
			if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("remove %s: %w", key, err))
				continue
			}
			report.RemovedOrphans++
		}
		report.RemovedBytes += g.bytes
	}
	return report, nil
}

func (s *MinioStore) translate(objectPath string, err error) error {
	code := minio.ToErrorResponse(err).Code
	if code == "NoSuchKey" || strings.EqualFold(code, "NotFound") {
		return ErrNotFound
	}
	return fmt.Errorf("object %s: %w", objectPath, err)
}
