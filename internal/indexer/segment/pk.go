package segment

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
)

// PrimaryKeyIndex resolves primary keys to global doc ids across every
// segment of the partition.
type PrimaryKeyIndex struct {
	mu   sync.RWMutex
	keys map[uint64]int32
}

func NewPrimaryKeyIndex() *PrimaryKeyIndex {
	return &PrimaryKeyIndex{keys: make(map[uint64]int32)}
}

func pkHash(pk string) uint64 {
	return xxhash.Sum64String(pk)
}

// Lookup returns the live doc id of pk.
func (p *PrimaryKeyIndex) Lookup(pk string) (int32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.keys[pkHash(pk)]
	return id, ok
}

// Insert points pk at docID and returns the doc id it replaced, or
// document.InvalidDocID.
func (p *PrimaryKeyIndex) Insert(pk string, docID int32) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := pkHash(pk)
	old, ok := p.keys[h]
	p.keys[h] = docID
	if !ok {
		return document.InvalidDocID
	}
	return old
}

// Delete drops pk and returns the doc id it pointed at.
func (p *PrimaryKeyIndex) Delete(pk string) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := pkHash(pk)
	id, ok := p.keys[h]
	if ok {
		delete(p.keys, h)
	}
	return id, ok
}

func (p *PrimaryKeyIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Range returns the hashed keys that point into [base, base+count).
func (p *PrimaryKeyIndex) Range(base, count int32) map[uint64]int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[uint64]int32)
	for h, id := range p.keys {
		if id >= base && id < base+count {
			out[h] = id
		}
	}
	return out
}

// Load merges hashed keys read back from a dumped segment.
func (p *PrimaryKeyIndex) Load(keys map[uint64]int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h, id := range keys {
		p.keys[h] = id
	}
}
