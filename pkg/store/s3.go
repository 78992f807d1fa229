package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store stores one object per document in an S3 bucket.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	snapshots := store.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "collab/")
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a new S3 snapshot store.
//
// Parameters:
//   - client: S3 client, usually *s3.Client from aws-sdk-go-v2
//   - bucket: S3 bucket name
//   - prefix: Key prefix for snapshots (e.g., "collab/snapshots/")
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) key(docID string) string {
	return s.prefix + url.PathEscape(docID)
}

// Save uploads the snapshot as an object.
func (s *S3Store) Save(ctx context.Context, docID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(docID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"document-id": docID,
		},
	})
	if err != nil {
		return fmt.Errorf("store: s3 put %q: %w", docID, err)
	}
	return nil
}

// Load downloads the snapshot object.
func (s *S3Store) Load(ctx context.Context, docID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(docID)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: s3 get %q: %w", docID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: s3 read %q: %w", docID, err)
	}
	return data, nil
}

// Delete removes the snapshot object. S3 does not report missing keys.
func (s *S3Store) Delete(ctx context.Context, docID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(docID)),
	})
	if err != nil {
		return fmt.Errorf("store: s3 delete %q: %w", docID, err)
	}
	return nil
}

// SaveAll uploads each snapshot in turn. S3 has no multi-object writes, so
// a failure leaves earlier objects written.
func (s *S3Store) SaveAll(ctx context.Context, snapshots map[string][]byte) error {
	var errs []error
	for id, data := range snapshots {
		if err := s.Save(ctx, id, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}
