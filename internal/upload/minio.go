// Package upload stores the out-of-band payloads of uploaded resource kinds
// (images, tables) in object storage, outside the story document.
package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store wraps a MinIO bucket holding resource payloads under
// stories/<storyID>/resources/<resourceID>.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &Store{client: client, bucket: bucket}, nil
}

func objectKey(storyID, resourceID string) string {
	return fmt.Sprintf("stories/%s/resources/%s", storyID, resourceID)
}

// Put streams a resource payload into the bucket.
func (s *Store) Put(ctx context.Context, storyID, resourceID, contentType string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(storyID, resourceID), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put payload %s: %w", resourceID, err)
	}
	return nil
}

// Remove deletes a resource payload. Removing an absent object is not an
// error, matching the lock map's tolerant release semantics.
func (s *Store) Remove(ctx context.Context, storyID, resourceID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(storyID, resourceID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove payload %s: %w", resourceID, err)
	}
	return nil
}

// Presign returns a short-lived GET URL for a payload.
func (s *Store) Presign(ctx context.Context, storyID, resourceID string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey(storyID, resourceID), expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign payload %s: %w", resourceID, err)
	}
	return u.String(), nil
}

// Service is a nil-safe wrapper: an unconfigured deployment routes uploaded
// deletions through the generic path with a logged warning instead of
// failing the cascade.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Enabled reports whether object storage is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil
}

// DeletePayload removes the out-of-band payload of an uploaded resource.
func (s *Service) DeletePayload(ctx context.Context, storyID, resourceID string) error {
	if !s.Enabled() {
		log.Printf("upload: no object store configured, skipping payload delete for %s", resourceID)
		return nil
	}
	return s.store.Remove(ctx, storyID, resourceID)
}

// PutPayload stores the out-of-band payload of an uploaded resource.
func (s *Service) PutPayload(ctx context.Context, storyID, resourceID, contentType string, body io.Reader, size int64) error {
	if !s.Enabled() {
		return fmt.Errorf("no object store configured")
	}
	return s.store.Put(ctx, storyID, resourceID, contentType, body, size)
}

// PayloadURL returns a presigned download URL for an uploaded payload.
func (s *Service) PayloadURL(ctx context.Context, storyID, resourceID string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("no object store configured")
	}
	return s.store.Presign(ctx, storyID, resourceID, 15*time.Minute)
}
