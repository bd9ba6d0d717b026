// Package segment holds the in-memory building segment, the modifier for
// already dumped segments, and the .spdx file format they are dumped to.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
)

// BuildingSegment is the segment currently receiving documents. Doc ids at
// or above BaseDocID belong to it. Each writer is touched by one work item
// group at a time.
type BuildingSegment struct {
	schema    *schema.Schema
	baseDocID int32

	indexes           map[int32][]*index.MemoryIndex
	attributes        map[int32]*attribute.Writer
	packAttributes    map[int32]*attribute.Writer
	sectionAttributes map[int32]*attribute.Writer
	summary           *attribute.Writer
	source            *attribute.Writer

	docCount atomic.Int32

	delMu   sync.RWMutex
	deleted *roaring.Bitmap
}

func NewBuildingSegment(s *schema.Schema, baseDocID int32) *BuildingSegment {
	seg := &BuildingSegment{
		schema:            s,
		baseDocID:         baseDocID,
		indexes:           make(map[int32][]*index.MemoryIndex),
		attributes:        make(map[int32]*attribute.Writer),
		packAttributes:    make(map[int32]*attribute.Writer),
		sectionAttributes: make(map[int32]*attribute.Writer),
		deleted:           roaring.New(),
	}
	for _, idx := range s.Indexes {
		if idx.IsPrimaryKey() {
			continue
		}
		shards := make([]*index.MemoryIndex, idx.Shards())
		for i := range shards {
			shards[i] = index.NewMemoryIndex(i, idx.Shards())
		}
		seg.indexes[idx.ID] = shards
		if idx.HasSectionAttribute() {
			seg.sectionAttributes[idx.ID] = attribute.NewWriter(idx.Name, true)
		}
	}
	for _, attr := range s.Attributes {
		seg.attributes[attr.ID] = attribute.NewWriter(attr.Name, false)
	}
	for _, pack := range s.PackAttributes {
		seg.packAttributes[pack.ID] = attribute.NewWriter(pack.Name, false)
	}
	if s.HasSummary() {
		seg.summary = attribute.NewWriter("summary", false)
	}
	if s.HasSource() {
		seg.source = attribute.NewWriter("source", false)
	}
	return seg
}

func (s *BuildingSegment) Schema() *schema.Schema {
	return s.schema
}

func (s *BuildingSegment) BaseDocID() int32 {
	return s.baseDocID
}

// Contains reports whether docID was allocated in this segment.
func (s *BuildingSegment) Contains(docID int32) bool {
	return docID >= s.baseDocID && docID < s.baseDocID+s.docCount.Load()
}

// LocalID maps a global doc id to the segment-local one.
func (s *BuildingSegment) LocalID(docID int32) int {
	return int(docID - s.baseDocID)
}

// DocCount is the number of doc ids allocated, deleted ones included.
func (s *BuildingSegment) DocCount() int32 {
	return s.docCount.Load()
}

// AllocateDocID hands out the next global doc id. Only the primary key
// stage calls it, so allocation order is the batch order.
func (s *BuildingSegment) AllocateDocID() int32 {
	return s.baseDocID + s.docCount.Add(1) - 1
}

func (s *BuildingSegment) IndexWriter(indexID int32, shard int) *index.MemoryIndex {
	shards := s.indexes[indexID]
	if shard < 0 || shard >= len(shards) {
		return nil
	}
	return shards[shard]
}

func (s *BuildingSegment) AttributeWriter(attrID int32) *attribute.Writer {
	return s.attributes[attrID]
}

func (s *BuildingSegment) PackAttributeWriter(packID int32) *attribute.Writer {
	return s.packAttributes[packID]
}

func (s *BuildingSegment) SectionAttributeWriter(indexID int32) *attribute.Writer {
	return s.sectionAttributes[indexID]
}

func (s *BuildingSegment) SummaryWriter() *attribute.Writer {
	return s.summary
}

func (s *BuildingSegment) SourceWriter() *attribute.Writer {
	return s.source
}

// Delete marks docID deleted. It reports false for ids outside the segment.
func (s *BuildingSegment) Delete(docID int32) bool {
	if !s.Contains(docID) {
		return false
	}
	s.delMu.Lock()
	s.deleted.Add(uint32(s.LocalID(docID)))
	s.delMu.Unlock()
	return true
}

func (s *BuildingSegment) IsDeleted(docID int32) bool {
	if !s.Contains(docID) {
		return false
	}
	s.delMu.RLock()
	defer s.delMu.RUnlock()
	return s.deleted.Contains(uint32(s.LocalID(docID)))
}

func (s *BuildingSegment) DeletedCount() uint64 {
	s.delMu.RLock()
	defer s.delMu.RUnlock()
	return s.deleted.GetCardinality()
}

// DeletionMap returns a copy of the local-id deletion bitmap.
func (s *BuildingSegment) DeletionMap() *roaring.Bitmap {
	s.delMu.RLock()
	defer s.delMu.RUnlock()
	return s.deleted.Clone()
}

// MemoryUse estimates bytes held by the segment's writers.
func (s *BuildingSegment) MemoryUse() int64 {
	var total int64
	for _, shards := range s.indexes {
		for _, m := range shards {
			total += m.Size()
		}
	}
	for _, w := range s.attributes {
		total += w.DataSize()
	}
	for _, w := range s.packAttributes {
		total += w.DataSize()
	}
	for _, w := range s.sectionAttributes {
		total += w.DataSize()
	}
	if s.summary != nil {
		total += s.summary.DataSize()
	}
	if s.source != nil {
		total += s.source.DataSize()
	}
	return total
}

// SectionAttributeSource reads stored section attributes of a pack index by
// global doc id.
func (s *BuildingSegment) SectionAttributeSource(indexID int32) sectionattr.AttributeSource {
	w := s.sectionAttributes[indexID]
	if w == nil {
		return nil
	}
	return &localSource{seg: s, w: w}
}

type localSource struct {
	seg *BuildingSegment
	w   *attribute.Writer
}

func (l *localSource) Get(docID int32) ([]byte, bool, error) {
	if !l.seg.Contains(docID) {
		return nil, false, nil
	}
	data, ok := l.w.Get(l.seg.LocalID(docID))
	return data, ok, nil
}
