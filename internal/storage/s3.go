// Package storage provides the client for the S3-compatible replay archive.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	sessionv1 "github.com/aws/aws-sdk-go/aws/session"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"

	"tilemud/internal/config"
)

// S3Service provides methods for interacting with an S3-compatible object
// storage service holding finalized replay streams.
type S3Service struct {
	client *s3v1.S3
	bucket string
}

// NewS3Service creates and configures a new S3Service instance.
// If the S3 configuration is incomplete, it returns a "null" service
// instance that gracefully fails on operations, allowing the server to run
// with local-only replay spools.
func NewS3Service(cfg config.S3Config) (*S3Service, error) {
	if cfg.Endpoint == "" || cfg.Region == "" || cfg.KeyID == "" || cfg.AppKey == "" || cfg.Bucket == "" {
		log.Println("[S3] S3 configuration is not fully provided. Replay archival is disabled.")
		return &S3Service{client: nil, bucket: ""}, nil
	}

	disableSSL := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")

	sess, err := sessionv1.NewSession(&awsv1.Config{
		Region:           awsv1.String(cfg.Region),
		Endpoint:         awsv1.String(cfg.Endpoint),
		S3ForcePathStyle: awsv1.Bool(true),
		Credentials:      credsv1.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       awsv1.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Printf("[S3] Replay archive initialized for bucket '%s' at endpoint '%s' (region '%s').",
		cfg.Bucket, cfg.Endpoint, cfg.Region)
	return &S3Service{client: s3v1.New(sess), bucket: cfg.Bucket}, nil
}

// BucketName returns the name of the S3 bucket the service is configured for.
func (s *S3Service) BucketName() string { return s.bucket }

// isConfigured checks if the S3 client is properly initialized.
func (s *S3Service) isConfigured() bool {
	return s.client != nil && s.bucket != ""
}

// UploadStream uploads data from an io.Reader as an object. Streaming
// avoids holding a whole replay in memory.
func (s *S3Service) UploadStream(ctx context.Context, key string, mimeType string, r io.Reader) error {
	if !s.isConfigured() {
		return fmt.Errorf("S3 service is not configured; archival is disabled")
	}

	// AWS SDK v1 PutObject expects an io.ReadSeeker for retries; buffer
	// when the caller cannot seek.
	var body io.ReadSeeker
	if rs, ok := r.(io.ReadSeeker); ok {
		body = rs
	} else {
		buf, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to buffer upload body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3v1.PutObjectInput{
		Bucket:      awsv1.String(s.bucket),
		Key:         awsv1.String(key),
		Body:        body,
		ContentType: awsv1.String(mimeType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object '%s' to S3: %w", key, err)
	}
	log.Printf("[S3] Successfully uploaded '%s' to bucket '%s'.", key, s.bucket)
	return nil
}

// DownloadStream returns the body of an archived replay as an io.ReadCloser.
// IMPORTANT: The caller is responsible for closing the returned ReadCloser.
func (s *S3Service) DownloadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if !s.isConfigured() {
		return nil, fmt.Errorf("S3 service is not configured; download is disabled")
	}
	result, err := s.client.GetObjectWithContext(ctx, &s3v1.GetObjectInput{
		Bucket: awsv1.String(s.bucket),
		Key:    awsv1.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from S3: %w", key, err)
	}
	return result.Body, nil
}

// DeleteFiles deletes multiple objects in a single batch operation, used by
// the retention reaper.
func (s *S3Service) DeleteFiles(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if !s.isConfigured() {
		log.Println("[S3] Skipping object deletion because S3 service is not configured.")
		return nil // Not a critical error.
	}

	objectsToDelete := make([]*s3v1.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objectsToDelete[i] = &s3v1.ObjectIdentifier{Key: awsv1.String(key)}
	}

	_, err := s.client.DeleteObjectsWithContext(ctx, &s3v1.DeleteObjectsInput{
		Bucket: awsv1.String(s.bucket),
		Delete: &s3v1.Delete{
			Objects: objectsToDelete,
			Quiet:   awsv1.Bool(true), // The response will only contain info about failed deletions.
		},
	})
	if err != nil {
		log.Printf("[S3] Error deleting objects from S3. Keys: %v, Error: %v", keys, err)
		return fmt.Errorf("failed to delete objects from S3: %w", err)
	}
	log.Printf("[S3] Successfully deleted %d object(s) from bucket '%s'.", len(keys), s.bucket)
	return nil
}
