package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config configures an S3-compatible store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// PublicBaseURL prefixes returned URLs, e.g. a CDN in front of the bucket.
	PublicBaseURL string
	ThumbnailPx   int
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	bucket      string
	client      *s3.Client
	baseURL     string
	thumbnailPx int
	logger      *zap.Logger
}

// NewS3 creates an S3 store. Static credentials are used when given,
// otherwise the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{
		bucket:      bucket,
		client:      client,
		baseURL:     s3BaseURL(cfg, bucket),
		thumbnailPx: cfg.ThumbnailPx,
		logger:      logger,
	}, nil
}

func s3BaseURL(cfg S3Config, bucket string) string {
	switch {
	case cfg.PublicBaseURL != "":
		return cfg.PublicBaseURL
	case cfg.Endpoint != "" && cfg.UsePathStyle:
		return joinURL(cfg.Endpoint, bucket)
	case cfg.Endpoint != "":
		return cfg.Endpoint
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, cfg.Region)
	}
}

// Put streams body to the bucket. The payload is sent unsigned so the body
// does not have to be seekable.
func (s *S3) Put(ctx context.Context, obj Object, body io.Reader) (Stored, error) {
	var image *bytes.Buffer
	wantThumb := obj.Thumbnail && s.thumbnailPx > 0 && canThumbnail(obj.ContentType)
	if wantThumb {
		image = &bytes.Buffer{}
		body = io.TeeReader(body, image)
	}

	if err := s.put(ctx, obj.Key, obj.ContentType, obj.Size, body); err != nil {
		return Stored{}, err
	}
	stored := Stored{URL: joinURL(s.baseURL, obj.Key)}

	if wantThumb {
		thumb, err := Thumbnail(image, s.thumbnailPx)
		if err != nil {
			s.logger.Warn("thumbnail failed", zap.String("key", obj.Key), zap.Error(err))
			return stored, nil
		}
		key := obj.Key + ThumbnailSuffix
		if err := s.put(ctx, key, "image/jpeg", int64(len(thumb)), bytes.NewReader(thumb)); err != nil {
			s.logger.Warn("thumbnail upload failed", zap.String("key", key), zap.Error(err))
			return stored, nil
		}
		stored.ThumbnailURL = joinURL(s.baseURL, key)
	}
	return stored, nil
}

func (s *S3) put(ctx context.Context, key, contentType string, size int64, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}
	_, err := s.client.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Health checks that the bucket is reachable.
func (s *S3) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
