// Package tracker records which pages of a segment have been materialized.
package tracker

import "github.com/bits-and-blooms/bitset"

// Tracker is a set of page indexes backed by a bitset.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	pages *bitset.BitSet
	count uint64
}

// New creates a tracker sized for pages page indexes, so marking any of
// them never allocates.
func New(pages uint64) *Tracker {
	return &Tracker{pages: bitset.New(uint(pages))}
}

// IsMaterialized reports whether page has been marked.
func (t *Tracker) IsMaterialized(page uint64) bool {
	return t.pages.Test(uint(page))
}

// MarkMaterialized marks page. It returns false if page was already marked.
// Pages beyond the tracker's capacity grow it.
func (t *Tracker) MarkMaterialized(page uint64) bool {
	if t.pages.Test(uint(page)) {
		return false
	}
	t.pages.Set(uint(page))
	t.count++
	return true
}

// Count returns the number of marked pages.
func (t *Tracker) Count() uint64 {
	return t.count
}

// Capacity returns the number of page indexes the tracker holds without
// growing.
func (t *Tracker) Capacity() uint64 {
	return uint64(t.pages.Len())
}

// Pages returns the marked page indexes in ascending order.
func (t *Tracker) Pages() []uint64 {
	pages := make([]uint64, 0, t.count)
	for i, ok := t.pages.NextSet(0); ok; i, ok = t.pages.NextSet(i + 1) {
		pages = append(pages, uint64(i))
	}
	return pages
}
