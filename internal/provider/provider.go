package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"assetmigrate/internal/object"
)

// Type identifies a storage provider variant. The set is closed; selection
// happens here, not through runtime reflection.
type Type string

const (
	TypeMinIO Type = "minio"
	TypeS3    Type = "s3"
	TypeFS    Type = "fs"
)

// Config contains the connection settings for one provider. Credentials are
// opaque to the engine.
type Config struct {
	Type      Type   `yaml:"type"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
	// Root is the base directory for the fs provider.
	Root string `yaml:"root"`
}

// WriteOptions carries object attributes preserved on transfer.
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Provider is the engine's view of a storage backend. Listing is paginated;
// the iterator abstraction in internal/object is built on ListPage.
type Provider interface {
	Type() Type
	Capabilities() Capabilities

	ListPage(ctx context.Context, prefix, cursor string, limit int) (object.Page, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, opts WriteOptions) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (object.Metadata, error)
}

// New creates a provider for the configured variant.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeMinIO:
		return newMinIOProvider(cfg)
	case TypeS3:
		return newS3Provider(cfg)
	case TypeFS:
		return newFSProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// IOError wraps a provider failure. Critical errors (permission/auth class)
// are never retried and count against the critical error threshold.
type IOError struct {
	Op       string
	Path     string
	Critical bool
	Err      error
}

func (e *IOError) Error() string {
	kind := "io"
	if e.Critical {
		kind = "critical io"
	}
	return fmt.Sprintf("provider %s error: %s %s: %v", kind, e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsCritical reports whether err is a permission/auth-class provider error.
func IsCritical(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.Critical
}

var criticalMarkers = []string{
	"access denied",
	"accessdenied",
	"invalidaccesskeyid",
	"invalid access key",
	"signaturedoesnotmatch",
	"signature does not match",
	"expiredtoken",
	"expired token",
	"permission denied",
	"403",
}

func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	critical := false
	for _, marker := range criticalMarkers {
		if strings.Contains(msg, marker) {
			critical = true
			break
		}
	}
	return &IOError{Op: op, Path: path, Critical: critical, Err: err}
}
