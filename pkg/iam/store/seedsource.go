package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// ObjectGetter is the subset of the S3 client used to fetch seed documents
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds object storage settings for remote seed files
type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from static keys or the default credential chain
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// SeedLoader reads seed documents from local paths or s3://bucket/key URLs
type SeedLoader struct {
	s3 ObjectGetter
}

// NewSeedLoader creates a loader. client may be nil when only local files are used.
func NewSeedLoader(client ObjectGetter) *SeedLoader {
	return &SeedLoader{s3: client}
}

// Load fetches and validates the seed at location
func (l *SeedLoader) Load(ctx context.Context, location string) (*iam.Seed, error) {
	body, err := l.open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return iam.LoadSeed(body)
}

func (l *SeedLoader) open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "s3://") {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open seed file: %w", err)
		}
		return f, nil
	}

	u, err := url.Parse(location)
	if err != nil || u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: invalid seed location %q", iam.ErrInvalidArgument, location)
	}
	if l.s3 == nil {
		return nil, fmt.Errorf("%w: no S3 client configured for %q", iam.ErrInvalidArgument, location)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")

	ctx, span := startSpan(ctx, "S3.GetObject",
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	)
	defer span.End()

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get seed from s3")
		return nil, fmt.Errorf("failed to get seed from s3: %w", err)
	}
	if out.ContentLength != nil {
		span.SetAttributes(attribute.Int64("content.size", *out.ContentLength))
	}
	return out.Body, nil
}
