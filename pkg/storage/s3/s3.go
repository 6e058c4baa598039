// Package s3 implements the S3-compatible storage backend.
//
// Chunks are uploaded as parts of a native S3 multipart upload created at
// a per-session staging key. Finalize completes the multipart upload
// server side, then copies the assembled object to its content-addressed
// key. Downloads hand out presigned GET URLs instead of proxying bytes.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/filevault/filevault/pkg/storage"
)

// DefaultSignedURLTTL is how long presigned download URLs stay valid.
const DefaultSignedURLTTL = time.Hour

// Config contains configuration for the S3 store.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. Must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	KeyPrefix string

	// SignedURLTTL is the validity window for presigned download URLs.
	// Defaults to DefaultSignedURLTTL.
	SignedURLTTL time.Duration
}

// Store is an S3-backed storage.Backend.
type Store struct {
	client       *s3.Client
	presigner    *s3.PresignClient
	bucket       string
	keyPrefix    string
	signedURLTTL time.Duration

	// Multipart upload state per session. Rebuilt lazily via ListParts
	// after a restart.
	uploads   map[string]*multipartUpload
	uploadsMu sync.RWMutex
}

// NewClient creates an S3 client from configuration parameters.
// This is a helper for creating clients from YAML configuration; endpoint
// and path style support S3-compatible stores like MinIO.
func NewClient(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates an S3 store and verifies bucket access. The bucket must
// already exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	signedURLTTL := cfg.SignedURLTTL
	if signedURLTTL == 0 {
		signedURLTTL = DefaultSignedURLTTL
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{
		client:       cfg.Client,
		presigner:    s3.NewPresignClient(cfg.Client),
		bucket:       cfg.Bucket,
		keyPrefix:    cfg.KeyPrefix,
		signedURLTTL: signedURLTTL,
		uploads:      make(map[string]*multipartUpload),
	}, nil
}

// Mode returns storage.ModeS3.
func (s *Store) Mode() storage.Mode {
	return storage.ModeS3
}

// Ping verifies the bucket is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", s.bucket, err)
	}
	return nil
}

// stagingKey returns the full S3 key of a session's staging object.
func (s *Store) stagingKey(sessionID string) string {
	return s.keyPrefix + "staging/" + sessionID
}

// objectKey returns the full S3 key for a final object location.
func (s *Store) objectKey(location string) string {
	return s.keyPrefix + location
}

// ReadFinal returns a presigned GET URL for a final object.
func (s *Store) ReadFinal(ctx context.Context, location string) (*storage.FinalContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.objectKey(location)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.signedURLTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign download URL: %w", err)
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}

	return &storage.FinalContent{
		URL:    presigned.URL,
		URLTTL: s.signedURLTTL,
		Size:   size,
	}, nil
}

// Remove deletes a final object. Deleting a missing object is not an error.
func (s *Store) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(location)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// copySource builds the URL-escaped CopySource value for server-side copy.
func (s *Store) copySource(key string) string {
	return url.PathEscape(s.bucket + "/" + key)
}

// isNotFound reports whether err is an S3 missing-key or missing-bucket error.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
