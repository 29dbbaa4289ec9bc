// Package archive keeps an immutable object per persisted revision in an
// S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Snapshot struct {
	DocumentID  string
	Revision    int
	Body        string
	Fingerprint string
	SavedBy     string
	SavedAt     time.Time
}

type Store struct {
	client *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// New connects to the object store and creates the bucket if it is missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{client: client, bucket: opts.Bucket}
	if err := s.ensureBucket(ctx, region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutSnapshot uploads one revision and returns its object key.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) (string, error) {
	key := ObjectKey(snap.DocumentID, snap.Revision)
	_, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(snap.Body), int64(len(snap.Body)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"fingerprint": snap.Fingerprint,
			"saved-by":    snap.SavedBy,
			"saved-at":    snap.SavedAt.UTC().Format(time.RFC3339),
			"revision":    strconv.Itoa(snap.Revision),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

// GetSnapshot reads back an archived revision.
func (s *Store) GetSnapshot(ctx context.Context, documentID string, revision int) (string, error) {
	key := ObjectKey(documentID, revision)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get snapshot %s: %w", key, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return string(body), nil
}

// ObjectKey is documents/<id>/rev-<zero padded revision>.md so a prefix
// listing returns revisions in order.
func ObjectKey(documentID string, revision int) string {
	return fmt.Sprintf("documents/%s/rev-%08d.md", documentID, revision)
}
