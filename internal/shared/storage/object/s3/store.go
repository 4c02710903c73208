package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"docsteps-backend/internal/shared/storage/object"
)

type getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store reads document files from one S3 bucket. Storage paths are relative to
// prefix; an s3://bucket/key path addresses its own bucket.
type Store struct {
	client getter
	bucket string
	prefix string
}

func New(ctx context.Context, region, bucket, prefix string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newWithClient(client getter, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: strings.TrimSpace(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}
}

func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket, key := s.locate(storageKey)
	if key == "" {
		return nil, fmt.Errorf("invalid storage key %q", storageKey)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", object.ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	if out.ContentLength != nil && *out.ContentLength == 0 {
		out.Body.Close()
		return nil, fmt.Errorf("%w: s3://%s/%s", object.ErrEmpty, bucket, key)
	}
	return out.Body, nil
}

func (s *Store) locate(storageKey string) (bucket, key string) {
	raw := strings.TrimSpace(storageKey)
	if rest, ok := strings.CutPrefix(raw, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
		return bucket, strings.TrimLeft(key, "/")
	}
	key = strings.TrimLeft(raw, "/")
	if key == "" {
		return s.bucket, ""
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return s.bucket, key
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

var _ object.ObjectStore = (*Store)(nil)
