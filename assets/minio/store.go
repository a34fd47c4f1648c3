// Package minio stores assets in a MinIO or other S3 compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/poiesic/kbingest/core"
)

// Config holds connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL, when set, is used for public URLs instead of
	// presigned links.
	PublicBaseURL string
	// URLExpiry bounds presigned links. Defaults to seven days.
	URLExpiry time.Duration
}

// Store implements assets.Store on a MinIO client.
type Store struct {
	client *minio.Client
	bucket string
	public string
	expiry time.Duration
}

// NewStore connects and creates the bucket when it does not exist yet.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio client: %w", core.ErrStorage, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: checking bucket %s: %w", core.ErrStorage, cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: creating bucket %s: %w", core.ErrStorage, cfg.Bucket, err)
		}
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		public: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		expiry: expiry,
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %w", core.ErrStorage, key, err)
	}
	if s.public != "" {
		return s.public + "/" + key, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %w", core.ErrStorage, key, err)
	}
	return u.String(), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", core.ErrStorage, key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", core.ErrStorage, key, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %w", core.ErrStorage, key, err)
	}
	return nil
}
