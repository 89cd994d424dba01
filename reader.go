package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// DisableBlockCache disables the single-slot cache of the most
	// recently decoded block.
	DisableBlockCache bool
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}
	return &oo
}

// Reader instances can seek and iterate across data in tables. Readers
// are safe for concurrent use, iterators are not.
type Reader struct {
	r     io.ReaderAt
	o     *ReaderOptions
	codec Codec

	trailer Trailer
	index   blockIndex

	cacheMu sync.Mutex
	cacheAt int
	cached  *block
}

// NewReader opens a reader. It fails with ErrCorruptFile if the trailer
// or index are invalid and with ErrUnsupportedAlgorithm if the file was
// written with a compression codec that is not available.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	if size < TrailerSize {
		return nil, corruptionErrorf("sstable: file too short (%d bytes)", size)
	}

	// read trailer
	tmp := make([]byte, TrailerSize)
	if err := readAt(r, tmp, size-TrailerSize); err != nil {
		return nil, err
	}

	// parse trailer
	trailer, err := parseTrailer(tmp, size)
	if err != nil {
		return nil, err
	}
	codec, err := trailer.Compression.Codec()
	if err != nil {
		return nil, err
	}

	// read index
	raw := make([]byte, int(trailer.IndexLength))
	if err := readAt(r, raw, int64(trailer.IndexOffset)); err != nil {
		return nil, err
	}
	if xxhash.Sum64(raw) != trailer.IndexSum {
		return nil, corruptionErrorf("sstable: index checksum mismatch")
	}

	index, err := parseIndex(raw, trailer)
	if err != nil {
		return nil, err
	}

	return &Reader{
		r:       r,
		o:       o.norm(),
		codec:   codec,
		trailer: *trailer,
		index:   index,
		cacheAt: -1,
	}, nil
}

// Trailer returns the file metadata.
func (r *Reader) Trailer() Trailer { return r.trailer }

// NumBlocks returns the number of stored blocks.
func (r *Reader) NumBlocks() int { return len(r.index) }

// NumRecords returns the number of stored records.
func (r *Reader) NumRecords() uint64 { return r.trailer.NumRecords }

// Append retrieves a single value for a key. Unlike Get it
// appends it to dst instead of allocating a new byte slice.
// It may return an ErrNotFound error.
func (r *Reader) Append(dst, key []byte) ([]byte, error) {
	bpos, ok := r.index.locate(key)
	if !ok {
		return dst, ErrNotFound
	}

	b, err := r.readBlock(bpos)
	if err != nil {
		return dst, err
	}

	if n := b.Search(key); n < b.Len() && bytes.Equal(b.Key(n), key) {
		return append(dst, b.Value(n)...), nil
	}
	return dst, ErrNotFound
}

// Get is a shortcut for Append(nil, key).
// It may return an ErrNotFound error.
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Append(nil, key)
}

// Iterate returns an iterator over all records, starting at the first.
func (r *Reader) Iterate() *Iterator {
	return r.newIterator(nil, nil)
}

// Seek returns an iterator starting at the first record with a key >= key.
func (r *Reader) Seek(key []byte) *Iterator {
	return r.newIterator(key, nil)
}

// Range returns an iterator over records with start <= key < end. A nil
// start iterates from the first record, a nil end until the last.
func (r *Reader) Range(start, end []byte) *Iterator {
	return r.newIterator(start, end)
}

// Prefix returns an iterator over all records with keys starting
// with prefix.
func (r *Reader) Prefix(prefix []byte) *Iterator {
	return r.newIterator(prefix, successor(prefix))
}

func (r *Reader) newIterator(start, end []byte) *Iterator {
	it := &Iterator{r: r}
	if start != nil {
		it.bpos, _ = r.index.locate(start)
		it.seek = append([]byte{}, start...)
	}
	if end != nil {
		it.end = append([]byte{}, end...)
	}
	return it
}

// readBlock reads, decompresses and decodes the n-th block.
func (r *Reader) readBlock(bpos int) (*block, error) {
	if !r.o.DisableBlockCache {
		r.cacheMu.Lock()
		b := r.cached
		hit := r.cacheAt == bpos
		r.cacheMu.Unlock()

		if hit {
			return b, nil
		}
	}

	b, err := r.loadBlock(bpos)
	if err != nil {
		return nil, err
	}

	if !r.o.DisableBlockCache {
		r.cacheMu.Lock()
		r.cacheAt, r.cached = bpos, b
		r.cacheMu.Unlock()
	}
	return b, nil
}

func (r *Reader) loadBlock(bpos int) (*block, error) {
	ent := r.index[bpos]

	raw := fetchBuffer(int(ent.Length))
	if err := readAt(r.r, raw, ent.Offset); err != nil {
		releaseBuffer(raw)
		return nil, err
	}

	sz, n := binary.Uvarint(raw)
	if n <= 0 || sz > maxBlockSize {
		releaseBuffer(raw)
		return nil, formatErrorf("sstable: bad header in block %d", bpos)
	}

	plain, err := r.codec.Decompress(nil, raw[n:], int(sz))
	if r.trailer.Compression != NoCompression { // plain aliases raw otherwise
		releaseBuffer(raw)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: block %d", bpos)
	}

	b, err := decodeBlock(plain)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: block %d", bpos)
	}
	if b.Len() != ent.Count {
		return nil, formatErrorf("sstable: block %d contains %d records, index declares %d", bpos, b.Len(), ent.Count)
	}
	if !bytes.Equal(b.LastKey(), ent.LastKey) {
		return nil, formatErrorf("sstable: last key %q of block %d does not match index %q", b.LastKey(), bpos, ent.LastKey)
	}
	if bpos > 0 && bytes.Compare(b.Key(0), r.index[bpos-1].LastKey) <= 0 {
		return nil, formatErrorf("sstable: first key %q of block %d does not follow block %d", b.Key(0), bpos, bpos-1)
	}
	return b, nil
}

// maxBlockSize bounds the plain size of a single block.
const maxBlockSize = 1 << 32

// successor returns the smallest key greater than all keys starting with
// prefix or nil if there is none.
func successor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			end := append([]byte{}, prefix[:i+1]...)
			end[i]++
			return end
		}
	}
	return nil
}

// readAt reads exactly len(p) bytes at off.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
