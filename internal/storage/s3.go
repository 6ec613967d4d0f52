package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Options configures the S3 backend. Credentials come from the default AWS
// chain (environment, shared config, instance role).
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Store persists assets in an S3 bucket and issues presigned read URLs.
type S3Store struct {
	client *s3.S3
	bucket string
}

// NewS3Store builds an S3-backed object store. A custom endpoint switches on
// path-style addressing for S3-compatible services.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	awsCfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 session: %w", err)
	}
	return &S3Store{client: s3.New(sess), bucket: opts.Bucket}, nil
}

// Put uploads the object, overwriting any prior object at the key.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(cleanKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 upload %s: %w", cleanKey, err)
	}
	return nil
}

// SignedURL issues a presigned GET URL valid for ttl.
func (s *S3Store) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleanKey),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", cleanKey, err)
	}
	return url, nil
}

var _ ObjectStore = (*S3Store)(nil)
