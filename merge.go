package sstable

import (
	"bytes"
	"container/heap"

	"github.com/cockroachdb/errors"
)

// MergeFunc combines the values of records which share the same key. Values
// are passed in source order. The returned value may alias one of the
// inputs.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

// MergeOptions define merge specific options.
type MergeOptions struct {
	// Merge resolves duplicate keys across sources.
	// Default: nil, the value of the first (lowest index) source wins.
	Merge MergeFunc
}

func (o *MergeOptions) norm() *MergeOptions {
	var oo MergeOptions
	if o != nil {
		oo = *o
	}
	return &oo
}

// MergeIterator combines multiple sorted cursors into a single sorted
// sequence. Records with equal keys in different sources are emitted once,
// resolved by MergeOptions.Merge.
type MergeIterator struct {
	o *MergeOptions

	sources []Cursor
	owned   []*Iterator
	heap    mergeHeap
	pending []*mergeSource // sources consumed by the current record
	started bool

	key  []byte
	val  []byte
	vals [][]byte
	err  error
}

var _ Cursor = (*MergeIterator)(nil)

// NewMergeIterator returns a merge over sources. The iterator does not own
// the sources, they must not be advanced by anyone else while merging.
func NewMergeIterator(sources []Cursor, o *MergeOptions) *MergeIterator {
	return &MergeIterator{
		o:       o.norm(),
		sources: sources,
		heap:    make(mergeHeap, 0, len(sources)),
	}
}

// MergeReaders returns a merge across full iterations of all readers.
// Readers earlier in the list take precedence in case of duplicates.
func MergeReaders(readers []*Reader, o *MergeOptions) *MergeIterator {
	owned := make([]*Iterator, 0, len(readers))
	sources := make([]Cursor, 0, len(readers))
	for _, r := range readers {
		it := r.Iterate()
		owned = append(owned, it)
		sources = append(sources, it)
	}

	m := NewMergeIterator(sources, o)
	m.owned = owned
	return m
}

// Next advances the cursor to the next entry and returns true if successful.
func (m *MergeIterator) Next() bool {
	if m.err != nil {
		return false
	}

	if !m.started {
		m.started = true
		for i, c := range m.sources {
			m.pending = append(m.pending, &mergeSource{Cursor: c, pos: i})
		}
	}

	// advance sources consumed in the previous round
	for _, s := range m.pending {
		if s.Next() {
			heap.Push(&m.heap, s)
		} else if err := s.Err(); err != nil {
			m.err = err
			return false
		}
	}
	m.pending = m.pending[:0]

	if m.heap.Len() == 0 {
		m.key, m.val = nil, nil
		return false
	}

	top := heap.Pop(&m.heap).(*mergeSource)
	m.key = append(m.key[:0], top.Key()...)
	m.vals = append(m.vals[:0], top.Value())
	m.pending = append(m.pending, top)

	for m.heap.Len() != 0 && bytes.Equal(m.heap[0].Key(), m.key) {
		s := heap.Pop(&m.heap).(*mergeSource)
		m.vals = append(m.vals, s.Value())
		m.pending = append(m.pending, s)
	}

	if len(m.vals) == 1 || m.o.Merge == nil {
		m.val = m.vals[0]
		return true
	}

	val, err := m.o.Merge(m.key, m.vals)
	if err != nil {
		m.err = errors.Wrapf(err, "sstable: merge %q", m.key)
		return false
	}
	m.val = val
	return true
}

// Key returns the key of the current entry.
func (m *MergeIterator) Key() []byte { return m.key }

// Value returns the (merged) value of the current entry.
func (m *MergeIterator) Value() []byte { return m.val }

// Err exposes iterator errors, if any.
func (m *MergeIterator) Err() error { return m.err }

// Release releases iterators created by MergeReaders.
func (m *MergeIterator) Release() {
	for _, it := range m.owned {
		it.Release()
	}
	m.owned = nil
	m.heap = m.heap[:0]
	m.pending = m.pending[:0]
	m.key, m.val, m.vals = nil, nil, nil
	m.err = errReleased
}

// --------------------------------------------------------------------

type mergeSource struct {
	Cursor
	pos int // source index, breaks ties
}

// mergeHeap is a min-heap ordered by (key, source index).
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].Key(), h[j].Key()); c != 0 {
		return c < 0
	}
	return h[i].pos < h[j].pos
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
