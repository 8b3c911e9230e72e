package object

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedSource serves n synthetic objects and counts page fetches.
type pagedSource struct {
	n       int
	fetches int
	failAt  int // fail the fetch when cursor index reaches failAt; 0 disables
}

func (s *pagedSource) pages(ctx context.Context, cursor string, limit int) (Page, error) {
	s.fetches++

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil {
			return Page{}, err
		}
	}
	if s.failAt > 0 && start >= s.failAt {
		return Page{}, errors.New("listing exploded")
	}

	end := start + limit
	if end > s.n {
		end = s.n
	}
	items := make([]Metadata, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, Metadata{
			Path: fmt.Sprintf("assets/obj-%04d", i),
			Size: int64(i + 1),
		})
	}

	truncated := end < s.n
	next := ""
	if truncated {
		next = strconv.Itoa(end)
	}
	return Page{Items: items, NextCursor: next, Truncated: truncated}, nil
}

func drain(it *Iterator) []Metadata {
	var out []Metadata
	for it.Valid() {
		out = append(out, it.Item())
		it.Next()
	}
	return out
}

func TestIteratorWalksAllPages(t *testing.T) {
	src := &pagedSource{n: 250}
	it := NewIterator(context.Background(), src.pages, 100)

	items := drain(it)

	require.NoError(t, it.Err())
	assert.Len(t, items, 250)
	assert.Equal(t, "assets/obj-0000", items[0].Path)
	assert.Equal(t, "assets/obj-0249", items[249].Path)
	assert.Equal(t, 3, src.fetches)
	assert.True(t, it.Complete())
}

func TestIteratorIsLazy(t *testing.T) {
	src := &pagedSource{n: 250}
	it := NewIterator(context.Background(), src.pages, 100)

	// Construction must not touch the source.
	assert.Equal(t, 0, src.fetches)

	require.True(t, it.Valid())
	assert.Equal(t, 1, src.fetches)

	// Walking within the first page fetches nothing further.
	for i := 0; i < 99; i++ {
		it.Next()
		require.True(t, it.Valid())
	}
	assert.Equal(t, 1, src.fetches)

	it.Next()
	require.True(t, it.Valid())
	assert.Equal(t, 2, src.fetches)
}

func TestIteratorCursorStableAtPageBoundary(t *testing.T) {
	src := &pagedSource{n: 250}
	it := NewIterator(context.Background(), src.pages, 100)

	require.True(t, it.Valid())
	boundaryCursor := it.Cursor()

	// The cursor does not move while the current page is consumed.
	for i := 0; i < 100 && it.Valid(); i++ {
		assert.Equal(t, boundaryCursor, it.Cursor())
		it.Next()
	}

	require.True(t, it.Valid())
	assert.NotEqual(t, boundaryCursor, it.Cursor())
}

func TestIteratorCursorEmptyWhenComplete(t *testing.T) {
	src := &pagedSource{n: 5}
	it := NewIterator(context.Background(), src.pages, 100)

	drain(it)

	require.NoError(t, it.Err())
	assert.Empty(t, it.Cursor())
}

func TestIteratorResumesFromCursor(t *testing.T) {
	src := &pagedSource{n: 250}
	it := NewIteratorAt(context.Background(), src.pages, 100, "100")

	items := drain(it)

	require.NoError(t, it.Err())
	assert.Len(t, items, 150)
	assert.Equal(t, "assets/obj-0100", items[0].Path)
}

func TestIteratorFetchErrorIsTerminal(t *testing.T) {
	src := &pagedSource{n: 250, failAt: 200}
	it := NewIterator(context.Background(), src.pages, 100)

	items := drain(it)

	assert.Len(t, items, 200)
	require.Error(t, it.Err())
	assert.False(t, it.Valid())

	// The error sticks.
	assert.False(t, it.Valid())
	assert.Error(t, it.Err())
}

func TestIteratorCount(t *testing.T) {
	src := &pagedSource{n: 250}
	it := NewIterator(context.Background(), src.pages, 100)

	n, err := it.Count()

	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
}

func TestIteratorRewind(t *testing.T) {
	src := &pagedSource{n: 30}
	it := NewIterator(context.Background(), src.pages, 10)

	first := drain(it)
	it.Rewind()
	second := drain(it)

	require.NoError(t, it.Err())
	assert.Equal(t, first, second)
}

func TestIteratorRewindKeepsSeedCursor(t *testing.T) {
	src := &pagedSource{n: 30}
	it := NewIteratorAt(context.Background(), src.pages, 10, "20")

	first := drain(it)
	it.Rewind()
	second := drain(it)

	assert.Len(t, first, 10)
	assert.Equal(t, first, second)
}

func TestSeqFilterAndMap(t *testing.T) {
	src := &pagedSource{n: 20}
	it := NewIterator(context.Background(), src.pages, 7)

	seq := it.All().
		LargerThan(10).
		Map(func(m Metadata) Metadata {
			m.Path = "copy/" + m.Path
			return m
		})

	var got []Metadata
	for {
		m, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, m)
	}

	require.NoError(t, seq.Err())
	assert.Len(t, got, 10)
	for _, m := range got {
		assert.Greater(t, m.Size, int64(10))
		assert.Contains(t, m.Path, "copy/assets/")
	}
}

func TestSeqImages(t *testing.T) {
	pages := func(ctx context.Context, cursor string, limit int) (Page, error) {
		if cursor != "" {
			return Page{}, nil
		}
		return Page{Items: []Metadata{
			{Path: "a/photo.jpg"},
			{Path: "a/report.pdf"},
			{Path: "a/logo.PNG"},
			{Path: "a/notes.txt"},
		}}, nil
	}
	it := NewIterator(context.Background(), pages, 10)

	var got []string
	seq := it.All().Images()
	for {
		m, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, m.Path)
	}

	assert.Equal(t, []string{"a/photo.jpg", "a/logo.PNG"}, got)
}
