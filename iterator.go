package sstable

import "bytes"

// Cursor is a forward-only, pull-based sequence of records with strictly
// increasing keys. Key and Value are only valid until the next call to
// Next and must be copied if retained.
type Cursor interface {
	// Next advances the cursor and returns true if a record is available.
	Next() bool
	// Key returns the current key.
	Key() []byte
	// Value returns the current value.
	Value() []byte
	// Err returns the error that stopped the cursor, if any.
	Err() error
}

// Iterator is a (forward-) cursor over the records of a table. Blocks are
// read and decoded lazily, one at a time, as the cursor advances.
type Iterator struct {
	r *Reader

	bpos int    // the current block position
	blk  *block // the current block, nil if not loaded
	rpos int    // the current record position within blk

	seek []byte // position in the first block, if set
	end  []byte // exclusive upper bound, if set

	err error
}

var _ Cursor = (*Iterator)(nil)

// Next advances the cursor to the next entry and returns true if successful.
func (i *Iterator) Next() bool {
	for i.err == nil {
		if i.blk == nil {
			if i.bpos >= i.r.NumBlocks() {
				return false
			}

			b, err := i.r.readBlock(i.bpos)
			if err != nil {
				i.err = err
				return false
			}

			i.blk, i.rpos = b, -1
			if i.seek != nil {
				i.rpos = b.Search(i.seek) - 1
				i.seek = nil
			}
		}

		// more entries in the block
		if i.rpos++; i.rpos < i.blk.Len() {
			if i.end != nil && bytes.Compare(i.blk.Key(i.rpos), i.end) >= 0 {
				i.bpos, i.blk = i.r.NumBlocks(), nil
				return false
			}
			return true
		}

		// more blocks
		i.bpos, i.blk = i.bpos+1, nil
	}
	return false
}

// Key returns the key of the current entry.
func (i *Iterator) Key() []byte {
	if i.blk == nil {
		return nil
	}
	return i.blk.Key(i.rpos)
}

// Value returns the value of the current entry. Please note that values
// are temporary buffers and must be copied if used beyond the next cursor move.
func (i *Iterator) Value() []byte {
	if i.blk == nil {
		return nil
	}
	return i.blk.Value(i.rpos)
}

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	return i.err
}

// Release releases the iterator and frees up resources. The iterator must not be used
// after this method is called.
func (i *Iterator) Release() {
	i.blk = nil
	i.err = errReleased
}
