package sstable

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// blockWriter front-codes sorted records into a plain (uncompressed) block.
type blockWriter struct {
	buf     []byte
	lastKey []byte
	count   int
	tmp     [3 * binary.MaxVarintLen64]byte
}

// Add appends a record. Keys must be appended in strictly increasing
// order, the caller is responsible for enforcing this.
func (b *blockWriter) Add(key, value []byte) {
	var n int
	if b.count == 0 {
		n = binary.PutUvarint(b.tmp[0:], uint64(len(key)))
		b.buf = append(b.buf, b.tmp[:n]...)
		b.buf = append(b.buf, key...)
	} else {
		shared := sharedPrefixLen(b.lastKey, key)
		n = binary.PutUvarint(b.tmp[0:], uint64(shared))
		n += binary.PutUvarint(b.tmp[n:], uint64(len(key)-shared))
		b.buf = append(b.buf, b.tmp[:n]...)
		b.buf = append(b.buf, key[shared:]...)
	}

	n = binary.PutUvarint(b.tmp[0:], uint64(len(value)))
	b.buf = append(b.buf, b.tmp[:n]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.count++
}

// Len returns the number of records in the block.
func (b *blockWriter) Len() int { return b.count }

// Size returns the encoded size of the block, so far.
func (b *blockWriter) Size() int { return len(b.buf) + 4 }

// LastKey returns the last added key.
func (b *blockWriter) LastKey() []byte { return b.lastKey }

// Finish appends the record count and returns the encoded block. The
// result is valid until the next call to Reset.
func (b *blockWriter) Finish() []byte {
	binary.LittleEndian.PutUint32(b.tmp[:4], uint32(b.count))
	b.buf = append(b.buf, b.tmp[:4]...)
	return b.buf
}

// Reset clears the block for reuse.
func (b *blockWriter) Reset() {
	b.buf = b.buf[:0]
	b.lastKey = b.lastKey[:0]
	b.count = 0
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// --------------------------------------------------------------------

// block is a decoded, immutable block. Values point into the plain block
// data, keys into a separate arena.
type block struct {
	keys []byte
	koff []int // end offsets of keys in keys
	vals [][]byte
}

// decodeBlock parses a plain block.
func decodeBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, formatErrorf("sstable: block too short (%d bytes)", len(data))
	}

	limit := len(data) - 4
	count := int(binary.LittleEndian.Uint32(data[limit:]))
	if count > limit {
		return nil, formatErrorf("sstable: block declares %d records in %d bytes", count, limit)
	}

	b := &block{
		keys: make([]byte, 0, limit),
		koff: make([]int, 0, count),
		vals: make([][]byte, 0, count),
	}

	pos, prev := 0, 0 // prev is the start of the previous key in b.keys
	for pos < limit {
		i := len(b.koff)

		shared := uint64(0)
		if i != 0 {
			u, n := binary.Uvarint(data[pos:limit])
			if n <= 0 {
				return nil, formatErrorf("sstable: bad shared length in record %d", i)
			}
			pos += n
			shared = u
		}

		klen, n := binary.Uvarint(data[pos:limit])
		if n <= 0 {
			return nil, formatErrorf("sstable: bad key length in record %d", i)
		}
		pos += n

		if i != 0 && shared > uint64(len(b.keys)-prev) {
			return nil, formatErrorf("sstable: shared prefix %d exceeds previous key in record %d", shared, i)
		}
		if klen > uint64(limit-pos) {
			return nil, formatErrorf("sstable: key length %d runs past block end in record %d", klen, i)
		}

		start := len(b.keys)
		b.keys = append(b.keys, b.keys[prev:prev+int(shared)]...)
		b.keys = append(b.keys, data[pos:pos+int(klen)]...)
		pos += int(klen)

		if i != 0 && bytes.Compare(b.keys[prev:start], b.keys[start:]) >= 0 {
			return nil, formatErrorf("sstable: keys not increasing at record %d", i)
		}

		vlen, n := binary.Uvarint(data[pos:limit])
		if n <= 0 {
			return nil, formatErrorf("sstable: bad value length in record %d", i)
		}
		pos += n
		if vlen > uint64(limit-pos) {
			return nil, formatErrorf("sstable: value length %d runs past block end in record %d", vlen, i)
		}

		b.koff = append(b.koff, len(b.keys))
		b.vals = append(b.vals, data[pos:pos+int(vlen):pos+int(vlen)])
		pos += int(vlen)
		prev = start
	}

	if len(b.koff) != count {
		return nil, formatErrorf("sstable: block declares %d records, found %d", count, len(b.koff))
	}
	return b, nil
}

// Len returns the number of records.
func (b *block) Len() int { return len(b.koff) }

// Key returns the n-th key.
func (b *block) Key(n int) []byte {
	start := 0
	if n > 0 {
		start = b.koff[n-1]
	}
	end := b.koff[n]
	return b.keys[start:end:end]
}

// Value returns the n-th value.
func (b *block) Value(n int) []byte { return b.vals[n] }

// LastKey returns the last key or nil for empty blocks.
func (b *block) LastKey() []byte {
	if len(b.koff) == 0 {
		return nil
	}
	return b.Key(len(b.koff) - 1)
}

// Search returns the position of the first record with a key >= key.
func (b *block) Search(key []byte) int {
	return sort.Search(b.Len(), func(i int) bool {
		return bytes.Compare(b.Key(i), key) >= 0
	})
}
