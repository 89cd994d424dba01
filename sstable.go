package sstable

import "github.com/cockroachdb/errors"

var magic = []byte{83, 83, 84, 98, 108, 107, 137, 2}

const (
	formatVersion = 1

	defaultBlockSize = 1 << 13
)

// ErrNotFound is returned by the reader when a key cannot be found.
var ErrNotFound = errors.New("sstable: not found")

// Error classes. Errors returned by this package are marked with one of
// these and can be tested with errors.Is. I/O errors from the underlying
// reader or writer are passed through unchanged.
var (
	// ErrFormat marks malformed block or index contents.
	ErrFormat = errors.New("sstable: malformed data")
	// ErrCorruptFile marks files rejected at open time.
	ErrCorruptFile = errors.New("sstable: corrupt file")
	// ErrOrdering marks keys appended out of order.
	ErrOrdering = errors.New("sstable: out-of-order key")
	// ErrCompression marks block (de-)compression failures.
	ErrCompression = errors.New("sstable: compression failure")
	// ErrUnsupportedAlgorithm marks compression ids without a codec.
	ErrUnsupportedAlgorithm = errors.New("sstable: unsupported compression algorithm")
	// ErrFinalized is returned by writers after Close.
	ErrFinalized = errors.New("sstable: writer is finalized")
)

var errReleased = errors.New("sstable: iterator was released")

func formatErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrFormat)
}

func corruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptFile)
}

func compressionError(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrCompression)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCompression)
}
