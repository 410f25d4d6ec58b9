// Package objstore holds backup blobs in an S3-compatible bucket. The
// production target is Cloudflare R2, addressed through the account's
// S3 endpoint with path-style requests.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/giantswarm/dbenv/internal/sentinel"
)

// ErrNotFound is returned when no object exists under the given key.
const ErrNotFound = sentinel.Error("objstore: object not found")

// Options configures the R2 connection.
type Options struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string

	// EndpointURL overrides the derived R2 endpoint. Tests point this at a
	// local S3 stand-in.
	EndpointURL string
}

// Client is a bucket-scoped object store handle.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds a client for the configured bucket.
func New(ctx context.Context, opts Options) (*Client, error) {
	endpoint := opts.EndpointURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &Client{s3: client, bucket: opts.Bucket}, nil
}

// Put stores data under key. Backups are small enough (compressed dumps of
// capped databases) that buffering the whole blob is the simple, correct
// choice over multipart streaming.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

// Get returns a read stream for the object under key, or ErrNotFound.
// The caller owns closing the stream.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes the object under key. Deleting a missing object succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether an object is present under key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("heading object %s: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
