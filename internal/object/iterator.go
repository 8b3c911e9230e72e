package object

import (
	"context"
)

// Page is one batch of listing results from a provider.
type Page struct {
	Items []Metadata
	// NextCursor is the opaque continuation token for the following page.
	// Empty when Truncated is false.
	NextCursor string
	Truncated  bool
}

// PageFunc fetches one page of at most limit objects starting at cursor.
// An empty cursor means the start of the listing.
type PageFunc func(ctx context.Context, cursor string, limit int) (Page, error)

// Iterator is a stateful cursor over an object namespace. It never holds
// more than one page of metadata in memory. A page-fetch error is terminal:
// Valid becomes false and Err returns the failure.
type Iterator struct {
	ctx      context.Context
	fetch    PageFunc
	pageSize int

	start    string // cursor the iterator was seeded with, for Rewind
	cursor   string // continuation token for the next unfetched page
	page     []Metadata
	idx      int
	complete bool
	started  bool
	err      error
}

// NewIterator creates an iterator over the full namespace.
func NewIterator(ctx context.Context, fetch PageFunc, pageSize int) *Iterator {
	return NewIteratorAt(ctx, fetch, pageSize, "")
}

// NewIteratorAt creates an iterator seeded with a previously saved cursor,
// used when resuming a run from a checkpoint.
func NewIteratorAt(ctx context.Context, fetch PageFunc, pageSize int, cursor string) *Iterator {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Iterator{
		ctx:      ctx,
		fetch:    fetch,
		pageSize: pageSize,
		start:    cursor,
		cursor:   cursor,
	}
}

func (it *Iterator) fetchPage() {
	page, err := it.fetch(it.ctx, it.cursor, it.pageSize)
	it.started = true
	if err != nil {
		it.err = err
		it.page = nil
		it.idx = 0
		it.complete = true
		return
	}
	it.page = page.Items
	it.idx = 0
	if page.Truncated && page.NextCursor != "" {
		it.cursor = page.NextCursor
	} else {
		it.complete = true
	}
}

// Valid reports whether an unread item is available, fetching the next page
// if the current one is exhausted.
func (it *Iterator) Valid() bool {
	if it.err != nil {
		return false
	}
	for it.idx >= len(it.page) {
		if it.complete && it.started {
			return false
		}
		it.fetchPage()
		if it.err != nil {
			return false
		}
	}
	return true
}

// Item returns the current object. Only meaningful after Valid returned true.
func (it *Iterator) Item() Metadata {
	return it.page[it.idx]
}

// Next advances past the current object.
func (it *Iterator) Next() {
	it.idx++
}

// Err returns the terminal iteration error, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Complete reports whether the provider has signalled end-of-listing.
func (it *Iterator) Complete() bool {
	return it.complete && it.idx >= len(it.page)
}

// Cursor returns the continuation token for the next unfetched page. It is
// stable at page boundaries, which is where the engine checkpoints.
func (it *Iterator) Cursor() string {
	if it.complete {
		return ""
	}
	return it.cursor
}

// Rewind invalidates the current page and restarts from the seed cursor.
// Re-listing is a full O(n) traversal; callers must not rewind casually.
func (it *Iterator) Rewind() {
	it.cursor = it.start
	it.page = nil
	it.idx = 0
	it.complete = false
	it.started = false
	it.err = nil
}

// Count consumes the remaining items and returns how many there were.
// Without a cheap provider-side count this is a full O(n) traversal and
// must be avoided on hot paths.
func (it *Iterator) Count() (int64, error) {
	var n int64
	for it.Valid() {
		n++
		it.Next()
	}
	return n, it.err
}

// Seq is a lazy, single-pass, non-restartable view over an iterator. It is
// built from Filter/Map combinators and never materializes the object set.
type Seq struct {
	next func() (Metadata, bool)
	err  func() error
}

// All returns the iterator's items as a lazy sequence.
func (it *Iterator) All() *Seq {
	return &Seq{
		next: func() (Metadata, bool) {
			if !it.Valid() {
				return Metadata{}, false
			}
			m := it.Item()
			it.Next()
			return m, true
		},
		err: it.Err,
	}
}

// Next yields the next item, or false when the sequence is exhausted.
func (s *Seq) Next() (Metadata, bool) {
	return s.next()
}

// Err returns the underlying iteration error, if any.
func (s *Seq) Err() error {
	return s.err()
}

// Filter yields only items matching pred.
func (s *Seq) Filter(pred func(Metadata) bool) *Seq {
	return &Seq{
		next: func() (Metadata, bool) {
			for {
				m, ok := s.next()
				if !ok {
					return Metadata{}, false
				}
				if pred(m) {
					return m, true
				}
			}
		},
		err: s.err,
	}
}

// Map transforms each item with fn.
func (s *Seq) Map(fn func(Metadata) Metadata) *Seq {
	return &Seq{
		next: func() (Metadata, bool) {
			m, ok := s.next()
			if !ok {
				return Metadata{}, false
			}
			return fn(m), true
		},
		err: s.err,
	}
}

// Images yields only objects that look like images.
func (s *Seq) Images() *Seq {
	return s.Filter(Metadata.IsImage)
}

// LargerThan yields only objects strictly larger than size bytes.
func (s *Seq) LargerThan(size int64) *Seq {
	return s.Filter(func(m Metadata) bool { return m.Size > size })
}

// SmallerThan yields only objects strictly smaller than size bytes.
func (s *Seq) SmallerThan(size int64) *Seq {
	return s.Filter(func(m Metadata) bool { return m.Size < size })
}
