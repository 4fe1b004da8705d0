package archive

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"modernc.org/kv"
)

// rangeIter walks table rows [first, first+count) in ascending row order.
type rangeIter struct {
	enum *kv.Enumerator
	next uint64 // row id the next Scan must produce
	last uint64 // inclusive
	val  []byte
	err  error
}

func newRangeIter(db *kv.DB, first, count uint64) (*rangeIter, error) {
	if count == 0 {
		return &rangeIter{next: 1, last: 0}, nil
	}
	enum, _, err := db.Seek(rowKey(first))
	if err != nil {
		return nil, errors.E(err, "table seek")
	}
	return &rangeIter{enum: enum, next: first, last: first + count - 1}, nil
}

// scan advances to the next row in range, leaving its value in it.val.
// Row ids must be dense; a gap means the table is corrupt.
func (it *rangeIter) scan() bool {
	if it.err != nil || it.enum == nil || it.next > it.last {
		return false
	}
	k, v, err := it.enum.Next()
	if err == io.EOF {
		if it.next <= it.last {
			it.err = errors.E(errors.Integrity, "table ends before requested range")
		}
		return false
	}
	if err != nil {
		it.err = errors.E(err, "table read")
		return false
	}
	row := binary.BigEndian.Uint64(k)
	if row != it.next {
		it.err = errors.E(errors.Integrity, "non-dense table row ids")
		return false
	}
	it.next++
	it.val = v
	return true
}

func (it *rangeIter) row() uint64 { return it.next - 1 }

// SpotIter iterates a row range of the SEQ table.
type SpotIter struct {
	it  *rangeIter
	err error
}

// SeqRange returns a cursor over SEQ rows [first, first+count). Each call
// returns an independent cursor; cursors are not safe for concurrent use
// but distinct cursors are.
func (a *Archive) SeqRange(first, count uint64) (*SpotIter, error) {
	it, err := newRangeIter(a.seq, first, count)
	if err != nil {
		return nil, err
	}
	return &SpotIter{it: it}, nil
}

// Scan reads the next spot into s, reusing its slices where possible.
func (si *SpotIter) Scan(s *Spot) bool {
	if si.err != nil || !si.it.scan() {
		return false
	}
	if err := unmarshalSpot(si.it.row(), si.it.val, s); err != nil {
		si.err = err
		return false
	}
	return true
}

// Err returns the first error encountered while scanning.
func (si *SpotIter) Err() error {
	if si.err != nil {
		return si.err
	}
	return si.it.err
}

// AlignIter iterates a row range of the ALIGN table.
type AlignIter struct {
	it  *rangeIter
	err error
}

// AlignRange returns a cursor over ALIGN rows [first, first+count).
func (a *Archive) AlignRange(first, count uint64) (*AlignIter, error) {
	if a.align == nil {
		return nil, errors.E(errors.NotExist, "archive has no alignment table")
	}
	it, err := newRangeIter(a.align, first, count)
	if err != nil {
		return nil, err
	}
	return &AlignIter{it: it}, nil
}

// Scan reads the next alignment into al.
func (ai *AlignIter) Scan(al *Alignment) bool {
	if ai.err != nil || !ai.it.scan() {
		return false
	}
	if err := unmarshalAlignment(ai.it.row(), ai.it.val, al); err != nil {
		ai.err = err
		return false
	}
	return true
}

// Err returns the first error encountered while scanning.
func (ai *AlignIter) Err() error {
	if ai.err != nil {
		return ai.err
	}
	return ai.it.err
}
