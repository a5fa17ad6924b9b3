// Package storage persists signed document binaries in an S3-compatible
// object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"firmalex.io/internal/signing"
)

// Config is read from FIRMALEX_S3_* environment variables. EndpointURL is
// only set for S3-compatible services (MinIO in development, B2 and the
// like in production).
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	EndpointURL     string
}

func ConfigFromEnv() (Config, bool, error) {
	cfg := Config{
		AccessKeyID:     os.Getenv("FIRMALEX_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("FIRMALEX_S3_SECRET_ACCESS_KEY"),
		Region:          envOr("FIRMALEX_S3_REGION", "us-east-1"),
		Bucket:          envOr("FIRMALEX_S3_BUCKET", "docs-signed"),
		EndpointURL:     os.Getenv("FIRMALEX_S3_ENDPOINT_URL"),
	}
	if cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" {
		return Config{}, false, nil
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return Config{}, false, errors.New("both FIRMALEX_S3_ACCESS_KEY_ID and FIRMALEX_S3_SECRET_ACCESS_KEY must be set")
	}
	return cfg, true, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Bucket uploads objects to a single S3 bucket.
type Bucket struct {
	client *s3.Client
	bucket string
}

var _ signing.FileStore = (*Bucket)(nil)

func NewBucket(ctx context.Context, cfg Config) (*Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &Bucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *Bucket) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}
