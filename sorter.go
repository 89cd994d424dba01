package sstable

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

var errSorterClosed = errors.New("sstable: sorter is closed")

// Chunk is a temporary store for a spilled, sorted run of records.
type Chunk interface {
	io.Writer
	io.ReaderAt
	io.Closer
}

// SorterOptions define sorter specific options.
type SorterOptions struct {
	// MaxMemory is the approximate number of bytes buffered in memory
	// before a sorted chunk is spilled.
	// Default: 64MiB.
	MaxMemory int

	// MaxChunks is the number of spilled chunks which triggers a merge
	// of all chunks into one.
	// Default: 25.
	MaxChunks int

	// ChunkCompression is the compression codec for spilled chunks.
	// Default: NoCompression.
	ChunkCompression Compression

	// ChunkCompressionLevel is the compression level for spilled chunks.
	// Default: 0, the codec's default level.
	ChunkCompressionLevel int

	// ChunkBlockSize is the block size of spilled chunks.
	// Default: 8KiB.
	ChunkBlockSize int

	// Merge resolves duplicate keys, values are passed in insertion order.
	// Merge must be associative, it may be applied to partial runs.
	// Default: nil, the first inserted value wins.
	Merge MergeFunc

	// NewChunk creates chunk storage.
	// Default: temporary files, removed on Close.
	NewChunk func() (Chunk, error)

	// Logger receives spill and merge events.
	// Default: discard.
	Logger Logger
}

func (o *SorterOptions) norm() *SorterOptions {
	var oo SorterOptions
	if o != nil {
		oo = *o
	}

	if oo.MaxMemory < 1 {
		oo.MaxMemory = 64 << 20
	}
	if oo.MaxChunks < 1 {
		oo.MaxChunks = 25
	}
	if oo.ChunkBlockSize < 1 {
		oo.ChunkBlockSize = defaultBlockSize
	}
	if oo.NewChunk == nil {
		oo.NewChunk = newTempChunk
	}
	if oo.Logger == nil {
		oo.Logger = discardLogger{}
	}
	return &oo
}

// Sorter accepts records in any order and writes them as a sorted table.
// Records are buffered in memory and spilled to chunk tables when the
// buffer exceeds MaxMemory. Sorters are not safe for concurrent use.
type Sorter struct {
	o *SorterOptions

	tree   *btree.BTreeG[*sortItem]
	memory int
	chunks []*sortChunk
	closed bool
}

type sortItem struct {
	key  []byte
	vals [][]byte
}

type sortChunk struct {
	Chunk
	size    int64
	records int
}

// approximate per-record bookkeeping cost
const sortItemOverhead = 64

// NewSorter inits a new sorter.
func NewSorter(o *SorterOptions) *Sorter {
	return &Sorter{
		o: o.norm(),
		tree: btree.NewG(32, func(a, b *sortItem) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
	}
}

// Put adds a record. Duplicate keys are resolved on output.
func (s *Sorter) Put(key, value []byte) error {
	if s.closed {
		return errSorterClosed
	}

	val := append([]byte{}, value...)
	if item, ok := s.tree.Get(&sortItem{key: key}); ok {
		item.vals = append(item.vals, val)
	} else {
		s.tree.ReplaceOrInsert(&sortItem{key: append([]byte{}, key...), vals: [][]byte{val}})
		s.memory += len(key)
	}
	s.memory += len(value) + sortItemOverhead

	if s.memory < s.o.MaxMemory {
		return nil
	}
	if err := s.spill(); err != nil {
		return err
	}
	if len(s.chunks) > s.o.MaxChunks {
		return s.mergeChunks()
	}
	return nil
}

// NumChunks returns the number of spilled chunks.
func (s *Sorter) NumChunks() int { return len(s.chunks) }

// Iterate returns a sorted, duplicate-free iteration over all records
// added so far. The iterator must be released before further calls to Put
// or Close.
func (s *Sorter) Iterate() (*MergeIterator, error) {
	if s.closed {
		return nil, errSorterClosed
	}

	iters, err := s.chunkIterators()
	if err != nil {
		return nil, err
	}

	sources := make([]Cursor, 0, len(iters)+1)
	for _, it := range iters {
		sources = append(sources, it)
	}
	if s.tree.Len() != 0 {
		sources = append(sources, s.memCursor())
	}

	m := NewMergeIterator(sources, &MergeOptions{Merge: s.o.Merge})
	m.owned = iters
	return m, nil
}

// WriteTable writes all records in sorted order to w and returns the
// number of records written. It does not close w.
func (s *Sorter) WriteTable(w *Writer) (int, error) {
	iter, err := s.Iterate()
	if err != nil {
		return 0, err
	}
	defer iter.Release()

	return w.AddFrom(iter)
}

// Close releases all chunks.
func (s *Sorter) Close() error {
	if s.closed {
		return errSorterClosed
	}
	s.closed = true
	s.tree.Clear(false)

	var err error
	for _, c := range s.chunks {
		err = errors.CombineErrors(err, c.Close())
	}
	s.chunks = nil
	return err
}

func (s *Sorter) spill() error {
	records := s.tree.Len()
	chunk, err := s.writeChunk(s.memCursor())
	if err != nil {
		return err
	}

	s.chunks = append(s.chunks, chunk)
	s.tree.Clear(false)
	s.memory = 0

	s.o.Logger.Infof("sstable: sorter spilled chunk #%d (%d records, %d bytes)", len(s.chunks), records, chunk.size)
	return nil
}

func (s *Sorter) mergeChunks() error {
	iters, err := s.chunkIterators()
	if err != nil {
		return err
	}
	defer releaseAll(iters)

	sources := make([]Cursor, 0, len(iters))
	for _, it := range iters {
		sources = append(sources, it)
	}

	chunk, err := s.writeChunk(NewMergeIterator(sources, &MergeOptions{Merge: s.o.Merge}))
	if err != nil {
		return err
	}

	for _, c := range s.chunks {
		err = errors.CombineErrors(err, c.Close())
	}
	s.o.Logger.Infof("sstable: sorter merged %d chunks (%d records, %d bytes)", len(s.chunks), chunk.records, chunk.size)
	s.chunks = append(s.chunks[:0], chunk)
	return err
}

func (s *Sorter) writeChunk(src Cursor) (*sortChunk, error) {
	f, err := s.o.NewChunk()
	if err != nil {
		return nil, err
	}

	cw := &countingWriter{w: f}
	w := NewWriter(cw, &WriterOptions{
		BlockSize:        s.o.ChunkBlockSize,
		Compression:      s.o.ChunkCompression,
		CompressionLevel: s.o.ChunkCompressionLevel,
	})

	n, err := w.AddFrom(src)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &sortChunk{Chunk: f, size: cw.n, records: n}, nil
}

func (s *Sorter) chunkIterators() ([]*Iterator, error) {
	iters := make([]*Iterator, 0, len(s.chunks))
	for _, c := range s.chunks {
		r, err := NewReader(c, c.size, &ReaderOptions{DisableBlockCache: true})
		if err != nil {
			releaseAll(iters)
			return nil, err
		}
		iters = append(iters, r.Iterate())
	}
	return iters, nil
}

func (s *Sorter) memCursor() *sortCursor {
	items := make([]*sortItem, 0, s.tree.Len())
	s.tree.Ascend(func(item *sortItem) bool {
		items = append(items, item)
		return true
	})
	return &sortCursor{items: items, merge: s.o.Merge, pos: -1}
}

func releaseAll(iters []*Iterator) {
	for _, it := range iters {
		it.Release()
	}
}

// --------------------------------------------------------------------

// sortCursor iterates over buffered items, resolving duplicates.
type sortCursor struct {
	items []*sortItem
	merge MergeFunc
	pos   int
	val   []byte
	err   error
}

func (c *sortCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.pos++; c.pos >= len(c.items) {
		return false
	}

	item := c.items[c.pos]
	if len(item.vals) == 1 || c.merge == nil {
		c.val = item.vals[0]
		return true
	}

	c.val, c.err = c.merge(item.key, item.vals)
	if c.err != nil {
		c.err = errors.Wrapf(c.err, "sstable: merge %q", item.key)
		return false
	}
	return true
}

func (c *sortCursor) Key() []byte   { return c.items[c.pos].key }
func (c *sortCursor) Value() []byte { return c.val }
func (c *sortCursor) Err() error    { return c.err }

// --------------------------------------------------------------------

type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

type tempChunk struct{ *os.File }

func newTempChunk() (Chunk, error) {
	f, err := os.CreateTemp("", "sstable-sort-*")
	if err != nil {
		return nil, err
	}
	return tempChunk{File: f}, nil
}

// Close closes and removes the file.
func (c tempChunk) Close() error {
	err := c.File.Close()
	if rerr := os.Remove(c.File.Name()); err == nil {
		err = rerr
	}
	return err
}
