package chainlog

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3PutAPI is the subset of the S3 client the publisher needs.
type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3PublisherConfig holds configuration for S3Publisher.
type S3PublisherConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string `yaml:"prefix"`   // Optional key prefix, e.g. "public/"
}

// S3Publisher uploads log.json and latest.json to a bucket.
type S3Publisher struct {
	client s3PutAPI
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Publisher loads the default AWS config and builds the client.
func NewS3Publisher(ctx context.Context, cfg S3PublisherConfig) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, &MissingInputError{Fields: []string{"bucket"}}
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Publisher(client, cfg.Bucket, cfg.Prefix, time.Now), nil
}

func newS3Publisher(client s3PutAPI, bucket, prefix string, clock func() time.Time) *S3Publisher {
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix, clock: clock}
}

// Publish puts the document, then the latest entry. The publish instant is
// taken after both uploads succeed.
func (p *S3Publisher) Publish(ctx context.Context, doc Document) (time.Time, error) {
	raw, err := encodeDocument(doc)
	if err != nil {
		return time.Time{}, err
	}
	if err := p.put(ctx, PublishedLogName, raw); err != nil {
		return time.Time{}, err
	}
	if doc.Latest != nil {
		latest, err := encodeJSON(doc.Latest)
		if err != nil {
			return time.Time{}, err
		}
		if err := p.put(ctx, PublishedLatestName, latest); err != nil {
			return time.Time{}, err
		}
	}
	return p.clock().UTC(), nil
}

func (p *S3Publisher) put(ctx context.Context, name string, data []byte) error {
	key := p.prefix + name
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("no-cache"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s failed: %w", key, err)
	}
	return nil
}
