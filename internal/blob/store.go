// Package blob stores trade image binaries in an S3-compatible object store.
// Keys follow users/{userID}/trade-images/{imageID}; the document store only
// holds {id, calendarId} references to these blobs.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Key builds the object key for a user's trade image.
func Key(userID, imageID string) string {
	return fmt.Sprintf("users/%s/trade-images/%s", userID, imageID)
}

func (s *Store) Put(ctx context.Context, userID, imageID, contentType string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, Key(userID, imageID), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put image %s: %w", imageID, err)
	}
	return nil
}

// Get returns the image body and content type. The caller owns the reader.
func (s *Store) Get(ctx context.Context, userID, imageID string) (io.ReadCloser, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, Key(userID, imageID), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get image %s: %w", imageID, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, "", fmt.Errorf("stat image %s: %w", imageID, err)
	}
	return obj, stat.ContentType, nil
}

func (s *Store) Delete(ctx context.Context, userID, imageID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, Key(userID, imageID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("delete image %s: %w", imageID, err)
	}
	return nil
}
