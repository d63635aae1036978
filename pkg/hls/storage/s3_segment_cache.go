// Package storage provides an optional write-through cache that durably
// persists decrypted VOD segment bytes to S3-compatible object storage, so
// a fleet of player processes (or a later re-serve) doesn't have to
// re-fetch and re-decrypt the same segment from the origin.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aminofox/zenlive/pkg/logger"
)

// Config configures the S3 segment cache backend.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SegmentCache is a write-through cache of decrypted segment bytes, keyed
// by the segment's absolute source URL.
type SegmentCache struct {
	client *s3.Client
	bucket string
	logger logger.Logger
}

// NewSegmentCache creates an S3-backed segment cache.
func NewSegmentCache(ctx context.Context, cfg Config, log logger.Logger) (*SegmentCache, error) {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &SegmentCache{client: client, bucket: cfg.Bucket, logger: log}, nil
}

func objectKey(segmentURL string) string {
	return "segments/" + segmentURL
}

// Get returns the cached decrypted bytes for a segment URL, or an error if
// not present.
func (c *SegmentCache) Get(ctx context.Context, segmentURL string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(segmentURL)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Put durably stores decrypted segment bytes under segmentURL's key.
func (c *SegmentCache) Put(ctx context.Context, segmentURL string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(segmentURL)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		c.logger.Warn("segment cache write failed", logger.String("url", segmentURL), logger.Err(err))
	}
	return err
}
