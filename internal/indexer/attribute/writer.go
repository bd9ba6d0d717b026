package attribute

import (
	"bytes"
	"sync"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const noValue = -1

// Writer is the in-memory attribute column of the building segment, indexed
// by segment-local doc id. With uniq enabled, identical values share one
// stored copy.
type Writer struct {
	mu        sync.RWMutex
	name      string
	uniq      bool
	convertor Convertor
	heap      [][]byte
	docs      []int
	dict      map[uint64][]int
	size      int64
}

func NewWriter(name string, uniq bool) *Writer {
	w := &Writer{
		name:      name,
		uniq:      uniq,
		convertor: NewConvertor(),
	}
	if uniq {
		w.dict = make(map[uint64][]int)
	}
	return w
}

func (w *Writer) Name() string {
	return w.name
}

// Add stores the convertor-encoded value for localDocID. Gaps left by
// skipped doc ids read back as missing.
func (w *Writer) Add(localDocID int, encoded []byte) error {
	return w.set(localDocID, encoded)
}

// Update replaces the value of a document already in this writer.
func (w *Writer) Update(localDocID int, encoded []byte) error {
	w.mu.RLock()
	known := localDocID >= 0 && localDocID < len(w.docs)
	w.mu.RUnlock()
	if !known {
		return sperrors.Corruptionf("attribute %s: update of unknown local doc %d", w.name, localDocID)
	}
	return w.set(localDocID, encoded)
}

func (w *Writer) set(localDocID int, encoded []byte) error {
	if localDocID < 0 {
		return sperrors.Corruptionf("attribute %s: negative local doc id %d", w.name, localDocID)
	}
	v, err := w.convertor.Decode(encoded)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.docs) <= localDocID {
		w.docs = append(w.docs, noValue)
	}
	w.docs[localDocID] = w.store(v)
	return nil
}

func (w *Writer) store(v Value) int {
	if w.uniq {
		for _, slot := range w.dict[v.Hash] {
			if bytes.Equal(w.heap[slot], v.Data) {
				return slot
			}
		}
	}
	slot := len(w.heap)
	w.heap = append(w.heap, bytes.Clone(v.Data))
	w.size += int64(len(v.Data))
	if w.uniq {
		w.dict[v.Hash] = append(w.dict[v.Hash], slot)
	}
	return slot
}

// Get returns the raw value of localDocID.
func (w *Writer) Get(localDocID int) ([]byte, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if localDocID < 0 || localDocID >= len(w.docs) || w.docs[localDocID] == noValue {
		return nil, false
	}
	return w.heap[w.docs[localDocID]], true
}

// DocCount returns one past the highest local doc id written.
func (w *Writer) DocCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.docs)
}

// UniqValueCount returns the number of distinct stored values.
func (w *Writer) UniqValueCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.heap)
}

// DataSize returns the bytes held by stored values.
func (w *Writer) DataSize() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Snapshot returns per-doc values; missing docs are nil.
func (w *Writer) Snapshot() [][]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([][]byte, len(w.docs))
	for i, slot := range w.docs {
		if slot != noValue {
			out[i] = w.heap[slot]
		}
	}
	return out
}
