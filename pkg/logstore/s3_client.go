package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config carries connection settings for a MinIO/S3 endpoint.
type S3Config struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client implements ObjectStore on the minio-go SDK.
type S3Client struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Client validates the config and constructs the SDK client. Nothing is
// dialed here; minio-go connects lazily on the first operation.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.EndpointURL == "" {
		return nil, wrapError(CodeEndpointUnreachable, true, errors.New("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, errors.New("credentials are required"))
	}

	endpoint, useSSL, err := splitEndpoint(cfg.EndpointURL, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("minio client: %w", err))
	}
	return &S3Client{client: client, cfg: cfg}, nil
}

// splitEndpoint strips the scheme off a configured endpoint URL; an https
// scheme implies TLS regardless of the UseSSL flag.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	host := u.Host
	if host == "" {
		host = raw
	}
	return host, useSSL || u.Scheme == "https", nil
}

func (s *S3Client) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, errors.New("bucket name is required"))
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classifyMinioError(err)
	}
	if exists {
		return nil
	}
	opts := minio.MakeBucketOptions{Region: s.cfg.Region}
	if err := s.client.MakeBucket(ctx, bucket, opts); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

func (s *S3Client) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, errors.New("bucket is required"))
	}
	if key == "" {
		return wrapError(CodeMirrorWriteFailed, false, errors.New("object key is required"))
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return classifyMinioError(err)
	}
	return nil
}

func (s *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, errors.New("bucket is required"))
	}
	if key == "" {
		return nil, wrapError(CodeObjectNotFound, false, errors.New("object key is required"))
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(err)
	}
	return data, nil
}

func (s *S3Client) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, errors.New("bucket is required"))
	}
	var keys []string
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for obj := range s.client.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return nil, classifyMinioError(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if bucket == "" || key == "" {
		return wrapError(CodeBucketNotFound, false, errors.New("bucket/key is required"))
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

// classifyMinioError maps SDK failures onto mirror error codes, first by the
// S3 error code, then by message for failures that never reached S3.
func classifyMinioError(err error) *Error {
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket":
		return wrapError(CodeBucketNotFound, false, err)
	case "NoSuchKey":
		return wrapError(CodeObjectNotFound, false, err)
	case "AccessDenied":
		return wrapError(CodePermissionDenied, false, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return wrapError(CodeAuthInvalid, false, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such bucket"):
		return wrapError(CodeBucketNotFound, false, err)
	case strings.Contains(msg, "no such key"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "does not exist"):
		return wrapError(CodeObjectNotFound, false, err)
	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "permission"):
		return wrapError(CodePermissionDenied, false, err)
	case strings.Contains(msg, "invalid access key"),
		strings.Contains(msg, "signature"),
		strings.Contains(msg, "authentication"):
		return wrapError(CodeAuthInvalid, false, err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return wrapError(CodeTimeout, true, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "no such host"):
		return wrapError(CodeEndpointUnreachable, true, err)
	}
	return wrapError(CodeMirrorWriteFailed, true, err)
}
