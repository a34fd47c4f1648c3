// Package s3 stores assets in an AWS S3 bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/poiesic/kbingest/core"
)

// Config holds AWS settings. Empty keys fall back to the default
// credential chain.
type Config struct {
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// Store implements assets.Store on the AWS SDK.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	region   string
	bucket   string
	public   string
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: AWS region not set", core.ErrStorage)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket name not set", core.ErrStorage)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", core.ErrStorage, err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		region:   cfg.Region,
		bucket:   cfg.Bucket,
		public:   strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: s3 upload %s: %w", core.ErrStorage, key, err)
	}
	if s.public != "" {
		return s.public + "/" + key, nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: s3 get %s: %w", core.ErrStorage, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", core.ErrStorage, err)
	}
	return body, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 delete %s: %w", core.ErrStorage, key, err)
	}
	return nil
}
