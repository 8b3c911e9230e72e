package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemProvider(t *testing.T, files map[string]string) Provider {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
	return NewFS(fs)
}

func TestFSListPagePaginates(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 25; i++ {
		files[fmt.Sprintf("a/obj-%02d", i)] = "x"
	}
	p := newMemProvider(t, files)
	ctx := context.Background()

	page, err := p.ListPage(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 10)
	assert.True(t, page.Truncated)
	assert.Equal(t, "a/obj-09", page.NextCursor)
	assert.Equal(t, "a/obj-00", page.Items[0].Path)

	page, err = p.ListPage(ctx, "", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 10)
	assert.Equal(t, "a/obj-10", page.Items[0].Path)

	page, err = p.ListPage(ctx, "", page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.False(t, page.Truncated)
	assert.Empty(t, page.NextCursor)
}

func TestFSListPagePrefixFilter(t *testing.T) {
	p := newMemProvider(t, map[string]string{
		"images/a.png": "x",
		"images/b.png": "x",
		"docs/a.pdf":   "x",
	})

	page, err := p.ListPage(context.Background(), "images/", "", 100)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, item := range page.Items {
		assert.Contains(t, item.Path, "images/")
	}
}

func TestFSWriteReadRoundTrip(t *testing.T) {
	p := newMemProvider(t, nil)
	ctx := context.Background()

	err := p.Write(ctx, "nested/dir/file.txt", []byte("hello"), WriteOptions{ContentType: "text/plain"})
	require.NoError(t, err)

	data, err := p.Read(ctx, "nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := p.Exists(ctx, "nested/dir/file.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	meta, err := p.Stat(ctx, "nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
	assert.Contains(t, meta.ContentType, "text/plain")
}

func TestFSExistsFalseForMissing(t *testing.T) {
	p := newMemProvider(t, nil)

	ok, err := p.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSDelete(t *testing.T) {
	p := newMemProvider(t, map[string]string{"a/b": "x"})
	ctx := context.Background()

	require.NoError(t, p.Delete(ctx, "a/b"))

	ok, err := p.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSReadMissingWrapsIOError(t *testing.T) {
	p := newMemProvider(t, nil)

	_, err := p.Read(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, IsCritical(err))
}

func TestIsCriticalClassification(t *testing.T) {
	cases := []struct {
		msg      string
		critical bool
	}{
		{"Access Denied.", true},
		{"InvalidAccessKeyId: key unknown", true},
		{"SignatureDoesNotMatch", true},
		{"permission denied", true},
		{"connection reset by peer", false},
		{"object not found", false},
	}

	for _, tc := range cases {
		err := wrapErr("read", "a/b", fmt.Errorf("%s", tc.msg))
		assert.Equal(t, tc.critical, IsCritical(err), tc.msg)
	}
}
