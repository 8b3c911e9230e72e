package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"assetmigrate/internal/object"
)

// minioProvider adapts a MinIO / S3-compatible endpoint via minio-go. The
// Core client exposes continuation-token pagination for ListPage.
type minioProvider struct {
	core   *minio.Core
	bucket string
	caps   Capabilities
}

func newMinIOProvider(cfg Config) (*minioProvider, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &minioProvider{
		core:   core,
		bucket: cfg.Bucket,
		caps:   CapabilitiesFor(TypeMinIO),
	}, nil
}

// cleanEndpoint reduces an endpoint URL to host:port, which is what
// minio-go expects.
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have a path, only host:port is allowed (got path: %s)", parsed.Path)
	}
	return parsed.Host, nil
}

func (p *minioProvider) Type() Type {
	return TypeMinIO
}

func (p *minioProvider) Capabilities() Capabilities {
	return p.caps
}

func (p *minioProvider) ListPage(ctx context.Context, prefix, cursor string, limit int) (object.Page, error) {
	result, err := p.core.ListObjectsV2(p.bucket, prefix, "", cursor, "", limit)
	if err != nil {
		return object.Page{}, wrapErr("list", prefix, err)
	}

	items := make([]object.Metadata, 0, len(result.Contents))
	for _, obj := range result.Contents {
		items = append(items, object.Metadata{
			Path:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         strings.Trim(obj.ETag, `"`),
			ContentType:  obj.ContentType,
			StorageClass: obj.StorageClass,
		})
	}

	return object.Page{
		Items:      items,
		NextCursor: result.NextContinuationToken,
		Truncated:  result.IsTruncated,
	}, nil
}

func (p *minioProvider) Read(ctx context.Context, path string) ([]byte, error) {
	obj, err := p.core.Client.GetObject(ctx, p.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapErr("read", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrapErr("read", path, err)
	}
	return data, nil
}

func (p *minioProvider) Write(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: opts.Metadata,
	}
	if int64(len(data)) >= p.caps.MultipartThreshold {
		putOpts.PartSize = uint64(p.caps.MultipartThreshold)
	}

	_, err := p.core.Client.PutObject(ctx, p.bucket, path, bytes.NewReader(data), int64(len(data)), putOpts)
	return wrapErr("write", path, err)
}

func (p *minioProvider) Delete(ctx context.Context, path string) error {
	err := p.core.Client.RemoveObject(ctx, p.bucket, path, minio.RemoveObjectOptions{})
	return wrapErr("delete", path, err)
}

func (p *minioProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := p.core.Client.StatObject(ctx, p.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, wrapErr("stat", path, err)
	}
	return true, nil
}

func (p *minioProvider) Stat(ctx context.Context, path string) (object.Metadata, error) {
	info, err := p.core.Client.StatObject(ctx, p.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return object.Metadata{}, wrapErr("stat", path, err)
	}
	return object.Metadata{
		Path:         info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ETag:         strings.Trim(info.ETag, `"`),
		ContentType:  info.ContentType,
		Metadata:     map[string]string(info.UserMetadata),
	}, nil
}
