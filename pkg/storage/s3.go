package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 state store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // S3-compatible services (MinIO, etc.)
	Prefix   string
	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3API is the subset of the S3 client used by S3StateStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3StateStore persists detector state as "<prefix>/<stream>.state" objects.
type S3StateStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3StateStore builds an S3 client from cfg.
func NewS3StateStore(ctx context.Context, cfg S3Config) (*S3StateStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StateStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StateStoreWithClient wraps an existing client.
func NewS3StateStoreWithClient(client S3API, bucket, prefix string) *S3StateStore {
	return &S3StateStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3StateStore) key(stream string) string {
	if s.prefix == "" {
		return stream + ".state"
	}
	return s.prefix + "/" + stream + ".state"
}

// SaveState uploads the encoded state.
func (s *S3StateStore) SaveState(ctx context.Context, stream string, data []byte) error {
	if err := ValidateStreamName(stream); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(stream)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

// LoadState downloads the encoded state. A missing object is reported as
// found == false with a nil error.
func (s *S3StateStore) LoadState(ctx context.Context, stream string) ([]byte, bool, error) {
	if err := ValidateStreamName(stream); err != nil {
		return nil, false, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(stream)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("S3 read body failed: %w", err)
	}
	return data, true, nil
}
