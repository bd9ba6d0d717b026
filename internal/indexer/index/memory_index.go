// Package index holds the in-memory inverted index of one index shard of
// the building segment.
package index

import (
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
)

// ShardOf routes a term hash to one of shardCount shards.
func ShardOf(termHash uint64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(termHash % uint64(shardCount))
}

type MemoryIndex struct {
	mu         sync.RWMutex
	index      map[uint64]map[int32]*Posting
	docCount   int
	size       int64
	shard      int
	shardCount int
}

func NewMemoryIndex(shard int, shardCount int) *MemoryIndex {
	if shardCount <= 0 {
		shardCount = 1
	}
	return &MemoryIndex{
		index:      make(map[uint64]map[int32]*Posting),
		shard:      shard,
		shardCount: shardCount,
	}
}

func (m *MemoryIndex) Shard() int {
	return m.shard
}

// AddDocument indexes the token fields of doc listed in fieldIDs, in pack
// order, keeping only terms that route to this shard. Positions run across
// the fields of the document.
func (m *MemoryIndex) AddDocument(docID int32, doc *document.IndexDocument, fieldIDs []int32) error {
	termData := make(map[uint64]*Posting)
	pos := 0
	for packPos, fieldID := range fieldIDs {
		f := doc.Field(fieldID)
		if f == nil || f.Tag() == document.TagNullField {
			continue
		}
		tf, err := document.AsTokenField(f)
		if err != nil {
			return err
		}
		for _, section := range tf.Sections() {
			for _, tok := range section.Tokens() {
				pos += int(tok.PosIncrement)
				if ShardOf(tok.HashKey, m.shardCount) != m.shard {
					continue
				}
				p, exists := termData[tok.HashKey]
				if !exists {
					p = &Posting{
						DocID:       docID,
						Positions:   make([]int, 0, 4),
						TermPayload: doc.TermPayloadByHash(tok.HashKey),
						DocPayload:  doc.DocPayloadByHash(tok.HashKey),
					}
					termData[tok.HashKey] = p
				}
				p.Frequency++
				p.Positions = append(p.Positions, pos)
				if packPos < 32 {
					p.FieldMap |= 1 << uint(packPos)
				}
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for term, posting := range termData {
		if _, exists := m.index[term]; !exists {
			m.index[term] = make(map[int32]*Posting)
		}
		m.index[term][docID] = posting
		m.size += int64(len(posting.Positions)*8 + 64)
	}
	m.docCount++
	return nil
}

// UpdateTokens applies UPDATE_FIELD token patches for docID. fieldPosition
// maps a schema field id to its pack position, -1 when outside the index.
func (m *MemoryIndex) UpdateTokens(docID int32, tokens []document.ModifiedToken, fieldPosition func(int32) int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := 0
	for _, mt := range tokens {
		packPos := fieldPosition(mt.FieldID)
		if packPos < 0 || ShardOf(mt.TermHash, m.shardCount) != m.shard {
			continue
		}
		switch mt.Op {
		case document.ModifyAdd:
			docs, exists := m.index[mt.TermHash]
			if !exists {
				docs = make(map[int32]*Posting)
				m.index[mt.TermHash] = docs
			}
			p, exists := docs[docID]
			if !exists {
				p = &Posting{DocID: docID}
				docs[docID] = p
				m.size += 64
			}
			p.Frequency++
			if packPos < 32 {
				p.FieldMap |= 1 << uint(packPos)
			}
		case document.ModifyRemove:
			docs := m.index[mt.TermHash]
			if _, exists := docs[docID]; !exists {
				continue
			}
			delete(docs, docID)
			if len(docs) == 0 {
				delete(m.index, mt.TermHash)
			}
		default:
			continue
		}
		applied++
	}
	return applied
}

func (m *MemoryIndex) Search(term uint64) PostingList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, exists := m.index[term]
	if !exists {
		return nil
	}
	result := make(PostingList, 0, len(docs))
	for _, posting := range docs {
		result = append(result, *posting)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}

func (m *MemoryIndex) Snapshot() []TermEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]TermEntry, 0, len(m.index))
	for term, docs := range m.index {
		postings := make(PostingList, 0, len(docs))
		for _, posting := range docs {
			postings = append(postings, *posting)
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].DocID < postings[j].DocID
		})
		entries = append(entries, TermEntry{
			Term:     term,
			Postings: postings,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}

func (m *MemoryIndex) TermCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docCount
}

func (m *MemoryIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = make(map[uint64]map[int32]*Posting)
	m.docCount = 0
	m.size = 0
}
