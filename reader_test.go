package sstable_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/bsm/sstable"
	"github.com/cespare/xxhash/v2"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var subject *sstable.Reader

	// The following will seed 100 keys (00000000..00000396) into 25 blocks
	// of 4 records each.
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100, &sstable.WriterOptions{BlockSize: 512})
		Expect(err).NotTo(HaveOccurred())
	})

	filter := func(recs []record, fn func(string) bool) []record {
		var res []record
		for _, rec := range recs {
			if fn(rec.Key) {
				res = append(res, rec)
			}
		}
		return res
	}

	It("should init", func() {
		Expect(subject.NumBlocks()).To(Equal(25))
		Expect(subject.NumRecords()).To(Equal(uint64(100)))

		r1, err := seedReader(100, &sstable.WriterOptions{BlockSize: 1 << 20})
		Expect(err).NotTo(HaveOccurred())
		Expect(r1.NumBlocks()).To(Equal(1))

		r2, err := seedReader(100, &sstable.WriterOptions{BlockSize: 8000})
		Expect(err).NotTo(HaveOccurred())
		Expect(r2.NumBlocks()).To(Equal(2))
	})

	It("should Get/Append", func() {
		for i := 0; i <= 396; i += 4 {
			key := fmt.Sprintf("%08d", i)
			Expect(subject.Get([]byte(key))).To(HaveSuffix(key), "for %s", key)
		}

		for _, key := range []string{"00000001", "00000395", "00000400", "", "zzz"} {
			_, err := subject.Get([]byte(key))
			Expect(err).To(MatchError(sstable.ErrNotFound), "for %q", key)
		}

		val, err := subject.Append([]byte("prefix:"), []byte("00000008"))
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(HavePrefix("prefix:"))
		Expect(val).To(HaveSuffix("00000008"))
		Expect(val).To(HaveLen(7 + 128))
	})

	It("should read with all codecs", func() {
		exp, err := readAll(subject.Iterate())
		Expect(err).NotTo(HaveOccurred())
		Expect(exp).To(HaveLen(100))

		for _, c := range []sstable.Compression{
			sstable.ZlibCompression,
			sstable.SnappyCompression,
			sstable.ZstdCompression,
		} {
			r, err := seedReader(100, &sstable.WriterOptions{BlockSize: 512, Compression: c})
			Expect(err).NotTo(HaveOccurred(), "for %s", c)
			Expect(r.Trailer().Compression).To(Equal(c))
			Expect(readAll(r.Iterate())).To(Equal(exp), "for %s", c)
			Expect(r.Get([]byte("00000200"))).To(HaveSuffix("00000200"), "for %s", c)
		}
	})

	It("should read without block cache", func() {
		buf := new(bytes.Buffer)
		Expect(seedTable(buf, 100, &sstable.WriterOptions{BlockSize: 512})).To(Succeed())

		r, err := sstable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), &sstable.ReaderOptions{DisableBlockCache: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Get([]byte("00000124"))).To(HaveSuffix("00000124"))
		Expect(r.Get([]byte("00000128"))).To(HaveSuffix("00000128"))
		Expect(readAll(r.Iterate())).To(HaveLen(100))
	})

	It("should store one record per block", func() {
		data, err := writeTable(&sstable.WriterOptions{BlockSize: 1}, record{"a", "1"}, record{"b", "2"}, record{"c", "3"})
		Expect(err).NotTo(HaveOccurred())

		r, err := openTable(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NumBlocks()).To(Equal(3))
		Expect(r.Get([]byte("b"))).To(Equal([]byte("2")))
		Expect(readAll(r.Range([]byte("b"), nil))).To(Equal([]record{{"b", "2"}, {"c", "3"}}))

		_, err = r.Get([]byte("bb"))
		Expect(err).To(MatchError(sstable.ErrNotFound))
	})

	It("should iterate", func() {
		iter := subject.Iterate()
		defer iter.Release()

		Expect(iter.Key()).To(BeNil())
		Expect(iter.Next()).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("00000000")))
		Expect(iter.Value()).To(HaveSuffix("00000000"))

		Expect(iter.Next()).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("00000004")))

		for i := 0; i < 97; i++ {
			Expect(iter.Next()).To(BeTrue())
		}
		Expect(iter.Next()).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("00000396")))
		Expect(iter.Value()).To(HaveSuffix("00000396"))

		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should iterate repeatedly and concurrently", func() {
		it1, it2 := subject.Iterate(), subject.Iterate()
		defer it1.Release()
		defer it2.Release()

		n := 0
		for it1.Next() {
			Expect(it2.Next()).To(BeTrue())
			Expect(it1.Key()).To(Equal(it2.Key()))
			n++
		}
		Expect(it2.Next()).To(BeFalse())
		Expect(n).To(Equal(100))

		Expect(readAll(subject.Iterate())).To(HaveLen(100))
	})

	It("should seek", func() {
		for seek, exp := range map[string]string{
			"":         "00000000",
			"00000000": "00000000",
			"00000013": "00000016",
			"00000015": "00000016",
			"00000016": "00000016",
			"00000201": "00000204",
			"00000396": "00000396",
		} {
			iter := subject.Seek([]byte(seek))
			Expect(iter.Next()).To(BeTrue(), "for %q", seek)
			Expect(iter.Key()).To(Equal([]byte(exp)), "for %q", seek)
			iter.Release()
		}

		iter := subject.Seek([]byte("00000397"))
		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
		iter.Release()
	})

	It("should iterate ranges", func() {
		all, err := readAll(subject.Iterate())
		Expect(err).NotTo(HaveOccurred())

		bounds := [][]byte{nil, []byte(""), []byte("00000000"), []byte("00000001"), []byte("00000016"), []byte("00000120"), []byte("00000200"), []byte("00000396"), []byte("00000397"), []byte("zzz")}
		for _, start := range bounds {
			for _, end := range bounds {
				exp := filter(all, func(k string) bool {
					return (start == nil || k >= string(start)) && (end == nil || k < string(end))
				})
				Expect(readAll(subject.Range(start, end))).To(Equal(exp), "for [%q, %q)", start, end)
			}
		}
	})

	It("should iterate prefixes", func() {
		all, err := readAll(subject.Iterate())
		Expect(err).NotTo(HaveOccurred())

		for _, prefix := range []string{"", "0", "000001", "0000039", "00000396", "00000397", "1"} {
			exp := filter(all, func(k string) bool { return strings.HasPrefix(k, prefix) })
			Expect(readAll(subject.Prefix([]byte(prefix)))).To(Equal(exp), "for %q", prefix)
		}
		Expect(readAll(subject.Prefix([]byte("000001")))).To(HaveLen(25))
	})

	It("should handle 0xff prefixes", func() {
		data, err := writeTable(nil, record{"a", "1"}, record{"a\xff", "2"}, record{"a\xff\x01", "3"}, record{"b", "4"})
		Expect(err).NotTo(HaveOccurred())

		r, err := openTable(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(readAll(r.Prefix([]byte("a\xff")))).To(Equal([]record{{"a\xff", "2"}, {"a\xff\x01", "3"}}))
		Expect(readAll(r.Prefix([]byte("\xff")))).To(BeEmpty())
	})

	It("should release iterators", func() {
		iter := subject.Iterate()
		Expect(iter.Next()).To(BeTrue())
		iter.Release()

		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Key()).To(BeNil())
		Expect(iter.Err()).To(HaveOccurred())
	})

	It("should support concurrent reads", func() {
		var wg sync.WaitGroup
		for n := 0; n < 8; n++ {
			wg.Add(1)
			go func(n int) {
				defer GinkgoRecover()
				defer wg.Done()

				for i := n; i < 100; i += 3 {
					key := fmt.Sprintf("%08d", i*4)
					val, err := subject.Get([]byte(key))
					Expect(err).NotTo(HaveOccurred())
					Expect(val).To(HaveSuffix(key))
				}
			}(n)
		}
		wg.Wait()
	})

	Describe("corruption", func() {
		var data []byte

		BeforeEach(func() {
			buf := new(bytes.Buffer)
			Expect(seedTable(buf, 100, &sstable.WriterOptions{BlockSize: 512})).To(Succeed())
			data = buf.Bytes()
		})

		It("should detect trailer corruption", func() {
			data[len(data)-50]++
			_, err := openTable(data)
			Expect(err).To(beMarkedAs(sstable.ErrCorruptFile))
		})

		It("should detect truncation", func() {
			_, err := openTable(data[:len(data)-1])
			Expect(err).To(beMarkedAs(sstable.ErrCorruptFile))

			_, err = openTable(data[:10])
			Expect(err).To(beMarkedAs(sstable.ErrCorruptFile))

			_, err = openTable(nil)
			Expect(err).To(beMarkedAs(sstable.ErrCorruptFile))
		})

		It("should detect index corruption", func() {
			r, err := openTable(data)
			Expect(err).NotTo(HaveOccurred())

			data[r.Trailer().IndexOffset+1]++
			_, err = openTable(data)
			Expect(err).To(MatchError(`sstable: index checksum mismatch`))
			Expect(err).To(beMarkedAs(sstable.ErrCorruptFile))
		})

		It("should reject unsupported codecs", func() {
			tr := data[len(data)-sstable.TrailerSize:]
			binary.LittleEndian.PutUint32(tr[4:], 4)
			binary.LittleEndian.PutUint64(tr[72:], xxhash.Sum64(tr[:72]))

			_, err := openTable(data)
			Expect(err).To(beMarkedAs(sstable.ErrUnsupportedAlgorithm))
			Expect(err).NotTo(beMarkedAs(sstable.ErrCorruptFile))
		})

		It("should detect malformed blocks", func() {
			// header(1) | 'a' record(4) | 'b' record(5) | count(4)
			data, err := writeTable(nil, record{"a", "1"}, record{"b", "2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(data[0]).To(Equal(byte(13)))
			data[10] = 3

			r, err := openTable(data)
			Expect(err).NotTo(HaveOccurred())

			_, err = r.Get([]byte("a"))
			Expect(err).To(MatchError(`sstable: block 0: sstable: block declares 3 records, found 2`))
			Expect(err).To(beMarkedAs(sstable.ErrFormat))

			_, err = readAll(r.Iterate())
			Expect(err).To(beMarkedAs(sstable.ErrFormat))
		})

		It("should detect malformed compressed blocks", func() {
			data, err := writeTable(&sstable.WriterOptions{Compression: sstable.SnappyCompression}, record{"a", "1"}, record{"b", "2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(data[0]).To(Equal(byte(13)))
			data[0]++

			r, err := openTable(data)
			Expect(err).NotTo(HaveOccurred())

			_, err = r.Get([]byte("a"))
			Expect(err).To(beMarkedAs(sstable.ErrCompression))
			Expect(err).NotTo(beMarkedAs(sstable.ErrFormat))
		})
	})
})
