package logstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ObjectStore is the slice of S3 behaviour the diagnostics mirror needs:
// bucket provisioning plus whole-object reads, writes, listing, and deletes.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// LocalStore keeps objects on the filesystem, one directory per bucket.
// It stands in for S3 when no MinIO endpoint is configured, which is the
// normal shape for dev boxes and tests.
type LocalStore struct {
	root string
}

// NewLocalStore roots a filesystem store at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ordersync-archive")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	return os.MkdirAll(s.bucketDir(bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	path := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapError(CodePermissionDenied, false, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wrapError(CodeMirrorWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	data, err := os.ReadFile(s.objectPath(bucket, key))
	switch {
	case err == nil:
		return data, nil
	case os.IsNotExist(err):
		return nil, wrapError(CodeObjectNotFound, false, err)
	default:
		return nil, wrapError(CodeMirrorWriteFailed, true, err)
	}
}

// ListPrefix walks the bucket directory and returns slash-separated keys
// under prefix, sorted. A missing prefix lists as empty rather than erroring,
// matching S3 semantics.
func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	dir := s.bucketDir(bucket)

	var keys []string
	walk := func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	}
	err := filepath.WalkDir(filepath.Join(dir, filepath.FromSlash(prefix)), walk)
	if err != nil && !os.IsNotExist(err) {
		return nil, wrapError(CodeMirrorWriteFailed, true, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" || key == "" {
		return wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	err := os.Remove(s.objectPath(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return wrapError(CodeMirrorWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) bucketDir(bucket string) string {
	return filepath.Join(s.root, sanitizeBucket(bucket))
}

func (s *LocalStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketDir(bucket), filepath.FromSlash(key))
}

func sanitizeBucket(raw string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(raw)
}
