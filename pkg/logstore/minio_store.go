package logstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// MinioStore mirrors archive runs into an object store, one table prefix per
// record kind. Connectivity is decided once at construction: a configured
// MinIO endpoint wins, otherwise objects land in a local directory store.
type MinioStore struct {
	store      ObjectStore
	bucket     string
	basePrefix string
}

// NewMinioStore builds the mirror. The bucket defaults to ordersync-archive
// and the object prefix to archive, overridable via ORDERSYNC_ARCHIVE_PREFIX.
// MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY select the real
// backend; when any is missing the store falls back to localRoot on disk.
func NewMinioStore(bucket, localRoot string) (*MinioStore, error) {
	if bucket == "" {
		bucket = "ordersync-archive"
	}
	store, err := storeFromEnv(localRoot)
	if err != nil {
		return nil, err
	}
	return &MinioStore{
		store:      store,
		bucket:     bucket,
		basePrefix: getenv("ORDERSYNC_ARCHIVE_PREFIX", "archive"),
	}, nil
}

func storeFromEnv(localRoot string) (ObjectStore, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	access := os.Getenv("MINIO_ACCESS_KEY")
	secret := os.Getenv("MINIO_SECRET_KEY")
	if endpoint == "" || access == "" || secret == "" {
		return NewLocalStore(localRoot), nil
	}
	return NewS3Client(S3Config{
		EndpointURL:     endpoint,
		UseSSL:          os.Getenv("MINIO_USE_SSL") == "true",
		AccessKeyID:     access,
		SecretAccessKey: secret,
	})
}

// CreateTable seeds the table prefix with a marker object so an operator
// browsing the bucket sees the layout before the first run lands.
func (s *MinioStore) CreateTable(ctx context.Context, table string) error {
	if err := s.store.EnsureBucket(ctx, s.bucket); err != nil {
		return err
	}
	return s.store.PutObject(ctx, s.bucket, s.key(table, "._init"), []byte("init"))
}

// Append writes the run's records as one JSONL object named after the run id
// and the write instant, and returns its address. Appending nothing is a
// no-op.
func (s *MinioStore) Append(ctx context.Context, table, runID string, records []Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if err := s.store.EnsureBucket(ctx, s.bucket); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return "", wrapError(CodeMirrorWriteFailed, false, err)
		}
	}
	key := s.key(table, fmt.Sprintf("%s-%d.jsonl", runID, time.Now().UnixNano()))
	if err := s.store.PutObject(ctx, s.bucket, key, buf.Bytes()); err != nil {
		return "", err
	}
	return s.address(key), nil
}

// WriteSnapshot stores the run's Parquet snapshot. Snapshots are keyed by
// run id alone, so rewriting the same run replaces its snapshot instead of
// accumulating copies.
func (s *MinioStore) WriteSnapshot(ctx context.Context, table, runID string, snapshot []byte) (string, error) {
	if err := s.store.EnsureBucket(ctx, s.bucket); err != nil {
		return "", err
	}
	key := s.key(table, runID+".snapshot.parquet")
	if err := s.store.PutObject(ctx, s.bucket, key, snapshot); err != nil {
		return "", err
	}
	return s.address(key), nil
}

// Prune ages out JSONL append objects older than retentionDays. Their names
// carry the write instant in nanoseconds, so age is read off the key without
// fetching the object. Snapshots and markers are kept indefinitely.
func (s *MinioStore) Prune(ctx context.Context, table string, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	keys, err := s.store.ListPrefix(ctx, s.bucket, s.key(table))
	if err != nil {
		return err
	}
	for _, k := range keys {
		written, ok := appendWriteTime(k)
		if ok && written.Before(cutoff) {
			_ = s.store.DeleteObject(ctx, s.bucket, k)
		}
	}
	return nil
}

// appendWriteTime recovers the write instant from an append object key of
// the form <prefix>/<runID>-<nanos>.jsonl.
func appendWriteTime(key string) (time.Time, bool) {
	base, found := strings.CutSuffix(path.Base(key), ".jsonl")
	if !found {
		return time.Time{}, false
	}
	idx := strings.LastIndexByte(base, '-')
	if idx < 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// ListPaths lists object keys under the given table or key prefix.
func (s *MinioStore) ListPaths(ctx context.Context, prefix string) ([]string, error) {
	return s.store.ListPrefix(ctx, s.bucket, s.key(prefix))
}

func (s *MinioStore) key(parts ...string) string {
	all := append([]string{s.basePrefix}, parts...)
	return strings.Trim(path.Join(all...), "/")
}

func (s *MinioStore) address(key string) string {
	return fmt.Sprintf("minio://%s/%s", s.bucket, key)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
