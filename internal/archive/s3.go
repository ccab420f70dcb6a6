// Package archive stores rendered message snapshots in S3 so support can
// see exactly what a recipient was sent.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configure the S3 client; Endpoint and PathStyle support
// MinIO-style local stacks.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Store uploads rendered messages.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds the archive store. Returns nil when no bucket is configured;
// archiving is optional.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// PutMessage uploads the rendered html and text bodies keyed by job id.
func (s *Store) PutMessage(ctx context.Context, jobID, html, text string) error {
	if err := s.put(ctx, fmt.Sprintf("messages/%s.html", jobID), []byte(html), "text/html"); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return s.put(ctx, fmt.Sprintf("messages/%s.txt", jobID), []byte(text), "text/plain")
}

func (s *Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
