package receipts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ArionMiles/ledgerlink/pkg/config"
)

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads receipts from an S3 compatible bucket. References are object keys.
type S3Fetcher struct {
	client objectGetter
	bucket string
	logger *slog.Logger
}

// NewS3 builds an S3Fetcher. Static credentials are used when configured,
// otherwise the default AWS credential chain applies. A custom endpoint
// switches to path-style addressing for MinIO and similar stores.
func NewS3(ctx context.Context, cfg config.Receipts, logger *slog.Logger) (*S3Fetcher, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is required for the s3 receipt store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Fetcher{
		client: client,
		bucket: cfg.S3Bucket,
		logger: logger.With("component", "receipts_s3", "bucket", cfg.S3Bucket),
	}, nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, ref string) (*Receipt, error) {
	key := strings.TrimLeft(ref, "/")
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting receipt object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading receipt object %s: %w", key, err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}

	f.logger.Debug("fetched receipt", "key", key, "bytes", len(data))
	return &Receipt{
		Data:        data,
		ContentType: contentType(aws.ToString(out.ContentType), data),
		Filename:    filename(key),
	}, nil
}
