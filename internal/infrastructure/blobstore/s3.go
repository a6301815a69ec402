package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket and, for MinIO and similar, the endpoint.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// HTTPClient overrides the transport; tests use it to fake S3.
	HTTPClient *http.Client
	// Options are appended to the default config loading options.
	Options []func(*config.LoadOptions) error
}

// S3 stores documents in a single bucket. Keys map to object keys directly.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3 store using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := append([]func(*config.LoadOptions) error{config.WithRegion(region)}, cfg.Options...)
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Driver() string { return "s3" }

// Put uploads the document. Existence is checked first so a key is never
// silently overwritten.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read document: %w", err)
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return Object{}, fmt.Errorf("%s: %w", key, ErrExists)
	} else if !isNotFound(err) {
		return Object{}, fmt.Errorf("head %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}
	return Object{Key: key, ContentType: contentType, Size: int64(len(data)), UploadedAt: time.Now().UTC()}, nil
}

func (s *S3) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return Object{}, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, nil, fmt.Errorf("get %s: %w", key, err)
	}
	return Object{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		UploadedAt:  aws.ToTime(out.LastModified),
	}, out.Body, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
