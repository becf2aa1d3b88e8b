package provider

import (
	"context"

	"github.com/earthscan/sand/common"
)

// PageFunc fetches one page of results. page starts at 0. more reports
// whether a further page may exist.
type PageFunc func(ctx context.Context, page int) (records []common.AcquisitionRecord, more bool, err error)

// ResultSet is a lazy sequence of candidate records. Pages are fetched on
// demand during iteration. Each call to Iterate restarts from the first
// page, re-issuing the underlying queries.
type ResultSet struct {
	fetch PageFunc
}

func NewResultSet(fetch PageFunc) *ResultSet {
	return &ResultSet{fetch: fetch}
}

// StaticResultSet wraps an in-memory slice of records
func StaticResultSet(records []common.AcquisitionRecord) *ResultSet {
	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		if page > 0 {
			return nil, false, nil
		}
		return records, false, nil
	})
}

// Iterate returns a fresh iterator positioned before the first record
func (rs *ResultSet) Iterate(ctx context.Context) *Iterator {
	return &Iterator{ctx: ctx, fetch: rs.fetch, more: true}
}

// All drains the result set into a slice
func (rs *ResultSet) All(ctx context.Context) ([]common.AcquisitionRecord, error) {
	var records []common.AcquisitionRecord
	it := rs.Iterate(ctx)
	for it.Next() {
		records = append(records, it.Record())
	}
	return records, it.Err()
}

// Iterator walks a ResultSet one record at a time
type Iterator struct {
	ctx   context.Context
	fetch PageFunc
	page  int
	buf   []common.AcquisitionRecord
	idx   int
	more  bool
	err   error
}

// Next advances to the next record, fetching the next page when the current
// one is exhausted. It returns false at the end of the set or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.idx++
	for it.idx >= len(it.buf) {
		if !it.more {
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		it.buf, it.more, it.err = it.fetch(it.ctx, it.page)
		if it.err != nil {
			return false
		}
		it.page++
		it.idx = 0
		if len(it.buf) == 0 && !it.more {
			return false
		}
	}
	return true
}

// Record returns the current record. Only valid after Next returned true.
func (it *Iterator) Record() common.AcquisitionRecord {
	return it.buf[it.idx]
}

// Err returns the first error encountered during iteration
func (it *Iterator) Err() error {
	return it.err
}
