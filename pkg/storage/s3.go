// Package storage signs URLs for files kept in S3-compatible object
// storage. Image skills store their outputs under opaque keys; the
// client fetches them through presigned GET links, and app services
// upload through presigned PUT links.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/heymates/maestro/pkg/config"
)

// S3Service produces presigned URLs for a single bucket.
type S3Service struct {
	presigner *s3.PresignClient
	bucket    string
	logger    *slog.Logger
}

// NewS3Service builds the service from process settings. A custom
// endpoint (MinIO, localstack) switches the client to path-style
// addressing; static credentials, when configured, bypass the default
// chain.
func NewS3Service(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*S3Service, error) {
	bucket := strings.TrimSpace(settings.S3Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(settings.S3Region),
	}
	if settings.S3AccessKeyID != "" && settings.S3SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.S3AccessKeyID, settings.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(settings.S3Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Service{
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		logger:    logger.With("component", "storage"),
	}, nil
}

// PresignGet returns a time-limited download URL for the given object key.
func (s *S3Service) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut returns a time-limited upload URL for the given object key.
func (s *S3Service) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign put %q: %w", key, err)
	}
	return req.URL, nil
}
