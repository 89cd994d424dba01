package sstable

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the uncompressed size in bytes at which a block is
	// flushed. Blocks are flushed as soon as they reach this size, a
	// BlockSize of 1 therefore stores a single record per block.
	// Default: 8KiB.
	BlockSize int

	// The compression codec to use.
	// Default: NoCompression.
	Compression Compression

	// CompressionLevel is passed to codecs which support levels (zlib, zstd).
	// Default: 0, the codec's default level.
	CompressionLevel int
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = defaultBlockSize
	}

	return &oo
}

// Writer instances can write a table. Keys must be added in strictly
// increasing order. Writers are not safe for concurrent use.
type Writer struct {
	w     io.Writer
	o     *WriterOptions
	codec Codec

	block   blockWriter // the current block
	index   blockIndex
	trailer Trailer
	offset  int64

	lastKey []byte
	buf     []byte // scratch buffer
	tmp     [binary.MaxVarintLen64]byte

	err       error // sticky write error
	finalized bool
}

// NewWriter wraps a writer and returns a Writer. An unsupported compression
// codec or level is reported by the first call to Add or Close.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	o = o.norm()
	codec, err := o.Compression.LevelCodec(o.CompressionLevel)

	return &Writer{
		w:     w,
		o:     o,
		codec: codec,
		err:   err,
	}
}

// Add appends a record to the table. It fails with ErrOrdering if key is
// not strictly greater than the previously added key, the writer remains
// usable in that case.
func (w *Writer) Add(key, value []byte) error {
	if w.finalized {
		return ErrFinalized
	}
	if w.err != nil {
		return w.err
	}

	if w.trailer.NumRecords != 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.Mark(errors.Newf("sstable: attempted an out-of-order append, %q must be > %q", key, w.lastKey), ErrOrdering)
	}

	w.block.Add(key, value)
	w.lastKey = append(w.lastKey[:0], key...)
	w.trailer.NumRecords++
	w.trailer.KeyBytes += uint64(len(key))
	w.trailer.ValueBytes += uint64(len(value))

	if w.block.Size() >= w.o.BlockSize {
		return w.flush()
	}
	return nil
}

// AddFrom adds all remaining records from src and returns the number
// of records added.
func (w *Writer) AddFrom(src Cursor) (int, error) {
	n := 0
	for src.Next() {
		if err := w.Add(src.Key(), src.Value()); err != nil {
			return n, err
		}
		n++
	}
	return n, src.Err()
}

// Close flushes pending records, writes the index and the trailer and
// finalizes the table. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.finalized {
		return ErrFinalized
	}
	if w.err != nil {
		return w.err
	}
	if err := w.flush(); err != nil {
		return err
	}

	t := w.trailer
	t.Version = formatVersion
	t.Compression = w.o.Compression
	t.NumBlocks = uint64(len(w.index))
	t.IndexOffset = uint64(w.offset)
	t.BlockSize = uint64(w.o.BlockSize)

	w.buf = w.index.appendTo(w.buf[:0])
	t.IndexLength = uint64(len(w.buf))
	t.IndexSum = xxhash.Sum64(w.buf)
	w.buf = t.appendTo(w.buf)

	if err := w.writeRaw(w.buf); err != nil {
		return err
	}
	w.finalized = true
	return nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *Writer) flush() error {
	if w.block.Len() == 0 {
		return nil
	}

	plain := w.block.Finish()
	n := binary.PutUvarint(w.tmp[:], uint64(len(plain)))

	buf, err := w.codec.Compress(append(w.buf[:0], w.tmp[:n]...), plain)
	if err != nil {
		w.err = err
		return err
	}
	w.buf = buf

	w.index = append(w.index, indexEntry{
		LastKey: append([]byte(nil), w.block.LastKey()...),
		Offset:  w.offset,
		Length:  int64(len(buf)),
		Count:   w.block.Len(),
	})
	w.block.Reset()

	return w.writeRaw(buf)
}
