package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	keyPrefix = "users/"
	dirMarker = ".dir"
)

// S3Config holds connection settings for the object store. Endpoint may
// point at any S3-compatible service.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Store implements Store against an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the S3 client and verifies the bucket is reachable.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	store := &S3Store{client: client, bucket: cfg.Bucket}
	if !store.IsHealthy(ctx) {
		return nil, fmt.Errorf("bucket %s is not reachable", cfg.Bucket)
	}

	slog.Info("Durable storage initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return store, nil
}

func (s *S3Store) objectKey(userID, path string) string {
	return keyPrefix + userID + "/" + path
}

func (s *S3Store) userPrefix(userID string) string {
	return keyPrefix + userID + "/"
}

// SaveFile upserts one object. Failures are logged and reported as false.
func (s *S3Store) SaveFile(ctx context.Context, userID, path string, content []byte) bool {
	key := s.objectKey(userID, path)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		slog.Warn("Durable save failed", "user_id", userID, "path", path, "error", err)
		return false
	}
	return true
}

// LoadFile fetches one object's content.
func (s *S3Store) LoadFile(ctx context.Context, userID, path string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(userID, path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close object body", "path", path, "error", closeErr)
		}
	}()
	return io.ReadAll(resp.Body)
}

// CreateDirectoryMarker writes a zero-byte marker object under the directory.
func (s *S3Store) CreateDirectoryMarker(ctx context.Context, userID, path string) bool {
	return s.SaveFile(ctx, userID, path+"/"+dirMarker, nil)
}

// RemoveDirectoryMarker deletes the marker object, leaving descendants alone.
func (s *S3Store) RemoveDirectoryMarker(ctx context.Context, userID, path string) bool {
	return s.DeleteFile(ctx, userID, path+"/"+dirMarker)
}

// DeleteFile removes one object. Missing objects count as success.
func (s *S3Store) DeleteFile(ctx context.Context, userID, path string) bool {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(userID, path)),
	})
	if err != nil && !isNotFound(err) {
		slog.Warn("Durable delete failed", "user_id", userID, "path", path, "error", err)
		return false
	}
	return true
}

// DeleteDirectory removes the directory marker and all descendant records.
func (s *S3Store) DeleteDirectory(ctx context.Context, userID, path string) bool {
	prefix := s.objectKey(userID, path) + "/"
	ok := true

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Warn("Durable directory listing failed", "user_id", userID, "path", path, "error", err)
			return false
		}
		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				slog.Warn("Durable delete failed during directory removal",
					"user_id", userID, "key", aws.ToString(obj.Key), "error", err)
				ok = false
			}
		}
	}
	return ok
}

// RestoreAllUserFiles lists and fetches every record under the user prefix.
// Individual fetch failures are logged and skipped so a partial snapshot is
// still returned.
func (s *S3Store) RestoreAllUserFiles(ctx context.Context, userID string) ([]Record, error) {
	prefix := s.userPrefix(userID)
	var records []Record

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list user objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" {
				continue
			}

			var updated time.Time
			if obj.LastModified != nil {
				updated = *obj.LastModified
			}

			if strings.HasSuffix(rel, "/"+dirMarker) {
				records = append(records, Record{
					Path:        strings.TrimSuffix(rel, "/"+dirMarker),
					IsDirectory: true,
					UpdatedAt:   updated,
				})
				continue
			}

			content, err := s.LoadFile(ctx, userID, rel)
			if err != nil {
				slog.Warn("Skipping unreadable durable file", "user_id", userID, "path", rel, "error", err)
				continue
			}
			records = append(records, Record{Path: rel, Content: content, UpdatedAt: updated})
		}
	}

	sortRecords(records)
	return records, nil
}

// BackupAllUserFiles bulk-upserts files, returning the count saved.
func (s *S3Store) BackupAllUserFiles(ctx context.Context, userID string, files map[string][]byte) int {
	saved := 0
	for path, content := range files {
		if s.SaveFile(ctx, userID, path, content) {
			saved++
		}
	}
	return saved
}

// IsHealthy probes the bucket with a HeadBucket call.
func (s *S3Store) IsHealthy(ctx context.Context) bool {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		slog.Debug("Durable storage health probe failed", "bucket", s.bucket, "error", err)
		return false
	}
	return true
}

// sortRecords orders directories before files and parents before children so
// restore can create the tree top-down.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].IsDirectory != records[j].IsDirectory {
			return records[i].IsDirectory
		}
		return records[i].Path < records[j].Path
	})
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}
