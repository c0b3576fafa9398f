package source

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ingest-engine/internal/config"
	"ingest-engine/internal/models"
)

// S3Source streams input files from object storage.
type S3Source struct {
	client *s3.Client
}

// NewS3Source builds an S3-backed source, honoring a custom endpoint for
// local stacks (minio, localstack).
func NewS3Source(ctx context.Context, cfg config.Config) (*S3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Source{client: client}, nil
}

// Lines lazily yields the lines of one object. The body stream opens on first
// pull and closes when the consumer stops.
func (s *S3Source) Lines(ctx context.Context, bucket, key string) iter.Seq[models.RawRow] {
	return func(yield func(models.RawRow) bool) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			log.Printf("source: get s3://%s/%s: %v", bucket, key, err)
			return
		}
		defer out.Body.Close()

		scanner := bufio.NewScanner(out.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		var idx int64
		for scanner.Scan() {
			row := models.RawRow{Index: idx, Data: scanner.Text()}
			idx++
			if !yield(row) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("source: read s3://%s/%s after %d rows: %v", bucket, key, idx, err)
		}
	}
}
