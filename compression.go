package sstable

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression is the compression codec id. It is stored once per file, all
// blocks of a file share the same codec.
type Compression byte

// Compression codec ids.
const (
	NoCompression Compression = iota
	ZlibCompression
	SnappyCompression
	ZstdCompression
	LZ4Compression   // reserved, no codec
	LZ4HCCompression // reserved, no codec
)

// String returns the human-readable name of the codec.
func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZlibCompression:
		return "zlib"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	case LZ4HCCompression:
		return "lz4hc"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// Codec returns the codec for c at its default level. It fails with
// ErrUnsupportedAlgorithm for reserved and unknown ids.
func (c Compression) Codec() (Codec, error) {
	return c.LevelCodec(0)
}

// LevelCodec returns the codec for c, compressing at the given level. Level 0
// selects the codec's default. Levels are codec specific: zlib accepts -2
// (huffman only) to 9, zstd accepts the levels of the reference
// implementation, none and snappy ignore the level.
func (c Compression) LevelCodec(level int) (Codec, error) {
	switch c {
	case ZlibCompression:
		if level == 0 {
			level = zlib.DefaultCompression
		} else if level < zlib.HuffmanOnly || level > zlib.BestCompression {
			return nil, compressionError(nil, "sstable: invalid zlib compression level %d", level)
		}
		return zlibCodec{level: level}, nil
	case ZstdCompression:
		if level == 0 {
			return zstdCodec{level: zstd.SpeedDefault}, nil
		}
		return zstdCodec{level: zstd.EncoderLevelFromZstd(level)}, nil
	}

	if codec, ok := codecs[c]; ok {
		return codec, nil
	}
	if _, ok := reservedCompressions[c]; ok {
		return nil, errors.Mark(errors.Newf("sstable: %s compression is not supported", c), ErrUnsupportedAlgorithm)
	}
	return nil, errors.Mark(errors.Newf("sstable: unknown compression id %d", byte(c)), ErrUnsupportedAlgorithm)
}

// Codec compresses and decompresses block payloads.
type Codec interface {
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decodes src, which must expand to exactly n bytes. It may
	// reuse dst's capacity and the result may alias src.
	Decompress(dst, src []byte, n int) ([]byte, error)
}

var codecs = map[Compression]Codec{
	NoCompression:     noCodec{},
	SnappyCompression: snappyCodec{},
}

var reservedCompressions = map[Compression]struct{}{
	LZ4Compression:   {},
	LZ4HCCompression: {},
}

// --------------------------------------------------------------------

type noCodec struct{}

func (noCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noCodec) Decompress(_, src []byte, n int) ([]byte, error) {
	if len(src) != n {
		return nil, compressionError(nil, "sstable: expected %d plain bytes, got %d", n, len(src))
	}
	return src, nil
}

// --------------------------------------------------------------------

type snappyCodec struct{}

func (snappyCodec) Compress(dst, src []byte) ([]byte, error) {
	n := snappy.MaxEncodedLen(len(src))
	if n < 0 {
		return dst, compressionError(nil, "sstable: %d bytes exceed snappy block limit", len(src))
	}

	dst = grow(dst, n)
	enc := snappy.Encode(dst[len(dst):len(dst)+n], src)
	return dst[:len(dst)+len(enc)], nil
}

func (snappyCodec) Decompress(dst, src []byte, n int) ([]byte, error) {
	sz, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, compressionError(err, "sstable: snappy")
	}
	if sz != n {
		return nil, compressionError(nil, "sstable: snappy payload expands to %d bytes, expected %d", sz, n)
	}

	plain, err := snappy.Decode(grow(dst[:0], n)[:n], src)
	if err != nil {
		return nil, compressionError(err, "sstable: snappy")
	}
	return plain, nil
}

// --------------------------------------------------------------------

type zlibCodec struct{ level int }

func (c zlibCodec) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w, err := zlib.NewWriterLevel(buf, c.level)
	if err != nil {
		return dst, compressionError(err, "sstable: zlib")
	}
	if _, err := w.Write(src); err != nil {
		return dst, compressionError(err, "sstable: zlib write")
	}
	if err := w.Close(); err != nil {
		return dst, compressionError(err, "sstable: zlib close")
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(dst, src []byte, n int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, compressionError(err, "sstable: zlib")
	}
	defer r.Close()

	// read at most one byte past n to detect oversized payloads
	buf := bytes.NewBuffer(grow(dst[:0], preallocSize(n)))
	if _, err := buf.ReadFrom(io.LimitReader(r, int64(n)+1)); err != nil {
		return nil, compressionError(err, "sstable: zlib")
	}
	if buf.Len() != n {
		return nil, compressionError(nil, "sstable: zlib payload expands to %d bytes, expected %d", buf.Len(), n)
	}
	return buf.Bytes(), nil
}

// --------------------------------------------------------------------

type zstdCodec struct{ level zstd.EncoderLevel }

var zstdState struct {
	mu  sync.Mutex
	enc map[zstd.EncoderLevel]*zstd.Encoder

	once sync.Once
	dec  *zstd.Decoder
	err  error
}

// zstdEncoder returns the shared encoder for level. Encoders are safe for
// concurrent EncodeAll calls.
func zstdEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	zstdState.mu.Lock()
	defer zstdState.mu.Unlock()

	if enc, ok := zstdState.enc[level]; ok {
		return enc, nil
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, err
	}
	if zstdState.enc == nil {
		zstdState.enc = make(map[zstd.EncoderLevel]*zstd.Encoder)
	}
	zstdState.enc[level] = enc
	return enc, nil
}

func zstdDecoder() (*zstd.Decoder, error) {
	zstdState.once.Do(func() {
		zstdState.dec, zstdState.err = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxBlockSize),
		)
	})
	return zstdState.dec, zstdState.err
}

func (c zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	enc, err := zstdEncoder(c.level)
	if err != nil {
		return dst, compressionError(err, "sstable: zstd")
	}
	return enc.EncodeAll(src, dst), nil
}

func (zstdCodec) Decompress(dst, src []byte, n int) ([]byte, error) {
	var hdr zstd.Header
	if err := hdr.Decode(src); err != nil {
		return nil, compressionError(err, "sstable: zstd")
	}
	if hdr.HasFCS && hdr.FrameContentSize != uint64(n) {
		return nil, compressionError(nil, "sstable: zstd payload expands to %d bytes, expected %d", hdr.FrameContentSize, n)
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, compressionError(err, "sstable: zstd")
	}

	plain, err := dec.DecodeAll(src, grow(dst[:0], preallocSize(n)))
	if err != nil {
		return nil, compressionError(err, "sstable: zstd")
	}
	if len(plain) != n {
		return nil, compressionError(nil, "sstable: zstd payload expands to %d bytes, expected %d", len(plain), n)
	}
	return plain, nil
}

// --------------------------------------------------------------------

// maxPrealloc caps buffers allocated ahead of decoding, the declared plain
// length is not trusted beyond that.
const maxPrealloc = 256 << 10

func preallocSize(n int) int {
	if n > maxPrealloc {
		return maxPrealloc
	}
	return n
}

// grow ensures p has room for at least n more bytes.
func grow(p []byte, n int) []byte {
	if cap(p)-len(p) >= n {
		return p
	}
	q := make([]byte, len(p), len(p)+n)
	copy(q, p)
	return q
}
