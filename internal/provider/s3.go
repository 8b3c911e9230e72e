package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"assetmigrate/internal/object"
)

// s3Provider adapts native AWS S3 via aws-sdk-go-v2.
type s3Provider struct {
	client *s3.Client
	bucket string
	caps   Capabilities
}

func newS3Provider(cfg Config) (*s3Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Provider{
		client: client,
		bucket: cfg.Bucket,
		caps:   CapabilitiesFor(TypeS3),
	}, nil
}

func (p *s3Provider) Type() Type {
	return TypeS3
}

func (p *s3Provider) Capabilities() Capabilities {
	return p.caps
}

func (p *s3Provider) ListPage(ctx context.Context, prefix, cursor string, limit int) (object.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if cursor != "" {
		input.ContinuationToken = aws.String(cursor)
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return object.Page{}, wrapErr("list", prefix, err)
	}

	items := make([]object.Metadata, 0, len(out.Contents))
	for _, obj := range out.Contents {
		m := object.Metadata{
			Path:         aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			StorageClass: string(obj.StorageClass),
		}
		if obj.LastModified != nil {
			m.LastModified = *obj.LastModified
		}
		items = append(items, m)
	}

	return object.Page{
		Items:      items,
		NextCursor: aws.ToString(out.NextContinuationToken),
		Truncated:  aws.ToBool(out.IsTruncated),
	}, nil
}

func (p *s3Provider) Read(ctx context.Context, path string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, wrapErr("read", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapErr("read", path, err)
	}
	return data, nil
}

func (p *s3Provider) Write(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    opts.Metadata,
	})
	return wrapErr("write", path, err)
}

func (p *s3Provider) Delete(ctx context.Context, path string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path),
	})
	return wrapErr("delete", path, err)
}

func (p *s3Provider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, wrapErr("stat", path, err)
	}
	return true, nil
}

func (p *s3Provider) Stat(ctx context.Context, path string) (object.Metadata, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return object.Metadata{}, wrapErr("stat", path, err)
	}

	m := object.Metadata{
		Path:        path,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		m.LastModified = *out.LastModified
	}
	return m, nil
}
