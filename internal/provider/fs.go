package provider

import (
	"context"
	"mime"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"assetmigrate/internal/object"
)

// fsProvider serves objects from a local directory tree through afero. The
// abstract filesystem keeps the adapter testable against an in-memory fs.
type fsProvider struct {
	fs   afero.Fs
	root string
	caps Capabilities
}

func newFSProvider(cfg Config) (*fsProvider, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), root)
	return &fsProvider{fs: base, root: root, caps: CapabilitiesFor(TypeFS)}, nil
}

// NewFS wraps an existing afero filesystem as a provider. Tests use this
// with an in-memory fs.
func NewFS(fs afero.Fs) Provider {
	return &fsProvider{fs: fs, caps: CapabilitiesFor(TypeFS)}
}

func (p *fsProvider) Type() Type {
	return TypeFS
}

func (p *fsProvider) Capabilities() Capabilities {
	return p.caps
}

// ListPage walks the tree and returns the lexicographic page of keys after
// cursor. The walk itself is linear in tree size; the fs adapter is meant
// for local volumes, not multi-million object namespaces.
func (p *fsProvider) ListPage(ctx context.Context, prefix, cursor string, limit int) (object.Page, error) {
	var keys []string
	err := afero.Walk(p.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(path.Clean(slashKey(name)), "/")
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		if key > cursor {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return object.Page{}, wrapErr("list", prefix, err)
	}
	sort.Strings(keys)

	truncated := len(keys) > limit
	if truncated {
		keys = keys[:limit]
	}

	items := make([]object.Metadata, 0, len(keys))
	for _, key := range keys {
		info, err := p.fs.Stat(key)
		if err != nil {
			return object.Page{}, wrapErr("stat", key, err)
		}
		items = append(items, metadataFromInfo(key, info))
	}

	page := object.Page{Items: items, Truncated: truncated}
	if truncated && len(items) > 0 {
		page.NextCursor = items[len(items)-1].Path
	}
	return page, nil
}

// slashKey normalizes afero.Walk names to slash-separated keys.
func slashKey(name string) string {
	return strings.ReplaceAll(name, string(os.PathSeparator), "/")
}

func metadataFromInfo(key string, info os.FileInfo) object.Metadata {
	return object.Metadata{
		Path:         key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
	}
}

func (p *fsProvider) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := afero.ReadFile(p.fs, name)
	if err != nil {
		return nil, wrapErr("read", name, err)
	}
	return data, nil
}

func (p *fsProvider) Write(ctx context.Context, name string, data []byte, opts WriteOptions) error {
	dir := path.Dir(name)
	if dir != "." && dir != "/" {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return wrapErr("write", name, err)
		}
	}
	return wrapErr("write", name, afero.WriteFile(p.fs, name, data, 0o644))
}

func (p *fsProvider) Delete(ctx context.Context, name string) error {
	return wrapErr("delete", name, p.fs.Remove(name))
}

func (p *fsProvider) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := afero.Exists(p.fs, name)
	if err != nil {
		return false, wrapErr("stat", name, err)
	}
	return ok, nil
}

func (p *fsProvider) Stat(ctx context.Context, name string) (object.Metadata, error) {
	info, err := p.fs.Stat(name)
	if err != nil {
		return object.Metadata{}, wrapErr("stat", name, err)
	}
	return metadataFromInfo(name, info), nil
}
