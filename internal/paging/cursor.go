// Package paging tracks offset pagination over a growing list.
package paging

import ds "github.com/cherrygifts/cherrychat/internal/dataservice"

// DefaultPageSize is used when a cursor is created with a non-positive size.
const DefaultPageSize = 20

// Cursor is the offset of the next page and whether one may exist.
// The zero value is not usable; create it with New.
type Cursor struct {
	PageSize int
	Offset   int
	HasMore  bool
}

// New returns a cursor positioned at the first page.
func New(pageSize int) Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return Cursor{PageSize: pageSize, HasMore: true}
}

// Range returns the window of the next page.
func (c Cursor) Range() *ds.Range {
	return &ds.Range{Offset: c.Offset, Limit: c.PageSize}
}

// Advance records that a page of n rows arrived. A short page means the end
// was reached.
func (c *Cursor) Advance(n int) {
	c.Offset += n
	c.HasMore = n >= c.PageSize
}

// Reset rewinds to the first page.
func (c *Cursor) Reset() {
	c.Offset = 0
	c.HasMore = true
}
