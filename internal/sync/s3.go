package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of *s3.Client the destination uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination overwrites one object in an S3-compatible bucket with
// every export.
type S3Destination struct {
	api    objectPutter
	bucket string
	key    string
}

// NewS3Destination resolves credentials through the default AWS chain.
// Setting endpoint targets MinIO and other S3-compatible servers with
// path-style addressing.
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	if bucket == "" || key == "" {
		return nil, errors.New("s3 destination needs a bucket and key")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Destination{api: client, bucket: bucket, key: key}, nil
}

func (d *S3Destination) Name() string { return "s3" }

// Key is the object key exports are written to.
func (d *S3Destination) Key() string { return d.key }

func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata:      map[string]string{"turnq-format": FormatVersion},
	}
	if _, err := d.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", d.bucket, d.key, err)
	}
	return nil
}
