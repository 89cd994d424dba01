package sstable

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// TrailerSize is the size of the fixed file trailer.
const TrailerSize = 88

type indexEntry struct {
	LastKey []byte // last key in the block
	Offset  int64  // block offset position
	Length  int64  // on-disk block length
	Count   int    // number of records
}

type blockIndex []indexEntry

// locate returns the position of the first block which may contain key,
// i.e. the first block whose last key is >= key.
func (x blockIndex) locate(key []byte) (int, bool) {
	n := sort.Search(len(x), func(i int) bool {
		return bytes.Compare(x[i].LastKey, key) >= 0
	})
	return n, n < len(x)
}

func (x blockIndex) appendTo(dst []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	var prev int64

	for _, ent := range x {
		n := binary.PutUvarint(tmp[:], uint64(len(ent.LastKey)))
		dst = append(dst, tmp[:n]...)
		dst = append(dst, ent.LastKey...)

		n = binary.PutUvarint(tmp[:], uint64(ent.Offset-prev)) // delta-encode
		dst = append(dst, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(ent.Length))
		dst = append(dst, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(ent.Count))
		dst = append(dst, tmp[:n]...)

		prev = ent.Offset
	}
	return dst
}

// parseIndex decodes the index and validates it against the trailer.
// Blocks must be contiguous, start at 0, end at the index offset and have
// strictly increasing last keys.
func parseIndex(p []byte, t *Trailer) (blockIndex, error) {
	if t.NumBlocks > uint64(len(p)) {
		return nil, corruptionErrorf("sstable: index declares %d blocks in %d bytes", t.NumBlocks, len(p))
	}

	index := make(blockIndex, 0, int(t.NumBlocks))
	keys := make([]byte, 0, len(p))

	var (
		offset  int64
		records uint64
	)
	for pos := 0; pos < len(p); {
		klen, n := binary.Uvarint(p[pos:])
		if n <= 0 || klen > uint64(len(p)-pos-n) {
			return nil, corruptionErrorf("sstable: truncated index entry %d", len(index))
		}
		pos += n

		start := len(keys)
		keys = append(keys, p[pos:pos+int(klen)]...)
		key := keys[start:len(keys):len(keys)]
		pos += int(klen)

		var vals [3]uint64
		for i := range vals {
			u, n := binary.Uvarint(p[pos:])
			if n <= 0 {
				return nil, corruptionErrorf("sstable: truncated index entry %d", len(index))
			}
			vals[i] = u
			pos += n
		}

		if (len(index) == 0 && vals[0] != 0) || (len(index) != 0 && vals[0] != uint64(index[len(index)-1].Length)) {
			return nil, corruptionErrorf("sstable: block %d is not contiguous", len(index))
		}
		offset += int64(vals[0])
		if vals[1] == 0 || vals[1] > t.IndexOffset-uint64(offset) {
			return nil, corruptionErrorf("sstable: block %d length %d out of bounds", len(index), vals[1])
		}
		if vals[2] == 0 {
			return nil, corruptionErrorf("sstable: block %d is empty", len(index))
		}
		if n := len(index); n != 0 && bytes.Compare(index[n-1].LastKey, key) >= 0 {
			return nil, corruptionErrorf("sstable: index keys not increasing at block %d", n)
		}

		records += vals[2]
		index = append(index, indexEntry{
			LastKey: key,
			Offset:  offset,
			Length:  int64(vals[1]),
			Count:   int(vals[2]),
		})
	}

	if uint64(len(index)) != t.NumBlocks {
		return nil, corruptionErrorf("sstable: index contains %d blocks, trailer declares %d", len(index), t.NumBlocks)
	}
	if n := len(index); n != 0 && uint64(index[n-1].Offset+index[n-1].Length) != t.IndexOffset {
		return nil, corruptionErrorf("sstable: data blocks end at %d, index starts at %d", index[n-1].Offset+index[n-1].Length, t.IndexOffset)
	} else if n == 0 && t.IndexOffset != 0 {
		return nil, corruptionErrorf("sstable: %d bytes of data without blocks", t.IndexOffset)
	}
	if records != t.NumRecords {
		return nil, corruptionErrorf("sstable: blocks contain %d records, trailer declares %d", records, t.NumRecords)
	}
	return index, nil
}

// --------------------------------------------------------------------

// Trailer contains the file-level metadata stored at the end of each table.
type Trailer struct {
	Version     uint32      // format version
	Compression Compression // block compression codec
	NumRecords  uint64      // total number of records
	NumBlocks   uint64      // number of data blocks
	IndexOffset uint64      // offset of the index, equals the number of data bytes
	IndexLength uint64      // length of the index
	BlockSize   uint64      // block size the file was written with
	KeyBytes    uint64      // sum of all key lengths
	ValueBytes  uint64      // sum of all value lengths
	IndexSum    uint64      // checksum of the index bytes
}

func (t *Trailer) appendTo(dst []byte) []byte {
	var buf [TrailerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], t.Version)
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.Compression))
	binary.LittleEndian.PutUint64(buf[8:], t.NumRecords)
	binary.LittleEndian.PutUint64(buf[16:], t.NumBlocks)
	binary.LittleEndian.PutUint64(buf[24:], t.IndexOffset)
	binary.LittleEndian.PutUint64(buf[32:], t.IndexLength)
	binary.LittleEndian.PutUint64(buf[40:], t.BlockSize)
	binary.LittleEndian.PutUint64(buf[48:], t.KeyBytes)
	binary.LittleEndian.PutUint64(buf[56:], t.ValueBytes)
	binary.LittleEndian.PutUint64(buf[64:], t.IndexSum)
	binary.LittleEndian.PutUint64(buf[72:], xxhash.Sum64(buf[:72]))
	copy(buf[80:], magic)
	return append(dst, buf[:]...)
}

// parseTrailer decodes and validates the trailer of a file of the given
// size. Codec support is checked separately.
func parseTrailer(p []byte, size int64) (*Trailer, error) {
	if len(p) != TrailerSize {
		return nil, corruptionErrorf("sstable: trailer too short (%d bytes)", len(p))
	}
	if !bytes.Equal(p[80:], magic) {
		return nil, corruptionErrorf("sstable: bad magic byte sequence")
	}
	if sum := xxhash.Sum64(p[:72]); sum != binary.LittleEndian.Uint64(p[72:]) {
		return nil, corruptionErrorf("sstable: trailer checksum mismatch")
	}

	t := &Trailer{
		Version:     binary.LittleEndian.Uint32(p[0:]),
		NumRecords:  binary.LittleEndian.Uint64(p[8:]),
		NumBlocks:   binary.LittleEndian.Uint64(p[16:]),
		IndexOffset: binary.LittleEndian.Uint64(p[24:]),
		IndexLength: binary.LittleEndian.Uint64(p[32:]),
		BlockSize:   binary.LittleEndian.Uint64(p[40:]),
		KeyBytes:    binary.LittleEndian.Uint64(p[48:]),
		ValueBytes:  binary.LittleEndian.Uint64(p[56:]),
		IndexSum:    binary.LittleEndian.Uint64(p[64:]),
	}
	if t.Version != formatVersion {
		return nil, corruptionErrorf("sstable: unsupported format version %d", t.Version)
	}

	cid := binary.LittleEndian.Uint32(p[4:])
	if cid > 0xff {
		return nil, errors.Mark(errors.Newf("sstable: invalid compression id %d", cid), ErrUnsupportedAlgorithm)
	}
	t.Compression = Compression(cid)

	dataEnd := uint64(size - TrailerSize)
	if t.IndexOffset > dataEnd || t.IndexLength != dataEnd-t.IndexOffset {
		return nil, corruptionErrorf("sstable: index [%d, +%d) does not end at trailer offset %d", t.IndexOffset, t.IndexLength, dataEnd)
	}
	return t, nil
}
