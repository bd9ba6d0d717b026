package build

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// State is the lifecycle stage of a work item.
type State int32

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Target is where a work item writes: the building segment for new doc ids
// and the modifier for doc ids of dumped segments.
type Target struct {
	Segment  *segment.BuildingSegment
	Modifier *segment.Modifier
}

// docBuilder applies one document to one field, attribute or shard.
type docBuilder interface {
	add(doc *document.Document) error
	update(doc *document.Document) error
}

// WorkItem builds one batch into one writer. It is not retried: on failure
// the error is returned to the pool and writes made so far remain.
type WorkItem struct {
	name    string
	docs    *DocumentCollector
	builder docBuilder
	state   atomic.Int32
	built   atomic.Int64
	logger  *slog.Logger
}

func newWorkItem(name string, docs *DocumentCollector, b docBuilder) *WorkItem {
	return &WorkItem{
		name:    name,
		docs:    docs,
		builder: b,
		logger:  slog.Default().With("component", "build_work_item", "work_item", name),
	}
}

func (w *WorkItem) Name() string {
	return w.name
}

func (w *WorkItem) State() State {
	return State(w.state.Load())
}

// Built is the number of documents applied.
func (w *WorkItem) Built() int64 {
	return w.built.Load()
}

func (w *WorkItem) markQueued() {
	w.state.CompareAndSwap(int32(StateCreated), int32(StateQueued))
}

func (w *WorkItem) Process() error {
	w.state.Store(int32(StateRunning))
	defer w.state.Store(int32(StateDone))
	for _, doc := range w.docs.Documents() {
		if doc == nil {
			continue
		}
		var err error
		switch doc.Op {
		case document.OpAdd:
			err = w.builder.add(doc)
		case document.OpUpdateField:
			err = w.builder.update(doc)
		default:
			continue
		}
		if err != nil {
			return sperrors.NewBuildError(doc.Op.String(), w.name,
				fmt.Errorf("doc %d (%s): %w", doc.DocID(), doc.PrimaryKey(), err))
		}
		w.built.Add(1)
	}
	return nil
}

func (w *WorkItem) Drop() {
	w.state.Store(int32(StateDone))
	w.logger.Debug("work item dropped")
}

type indexBuilder struct {
	target Target
	index  *schema.IndexConfig
	shard  int
	memory *index.MemoryIndex
	// shard 0 also stores the pack index section attribute
	sectionAttr *attribute.Writer
}

func (b *indexBuilder) add(doc *document.Document) error {
	docID := doc.DocID()
	if !b.target.Segment.Contains(docID) || doc.Index == nil {
		return nil
	}
	if err := b.memory.AddDocument(docID, doc.Index, b.index.FieldIDs()); err != nil {
		return err
	}
	if b.sectionAttr == nil {
		return nil
	}
	data := doc.Index.SectionAttribute(b.index.ID)
	if data == nil {
		return nil
	}
	return b.sectionAttr.Add(b.target.Segment.LocalID(docID), data)
}

// shardTokens keeps the modified tokens that belong to this index shard.
func (b *indexBuilder) shardTokens(tokens []document.ModifiedToken) []document.ModifiedToken {
	var out []document.ModifiedToken
	for _, mt := range tokens {
		if b.index.FieldIdxInPack(mt.FieldID) < 0 {
			continue
		}
		if index.ShardOf(mt.TermHash, b.index.Shards()) != b.shard {
			continue
		}
		out = append(out, mt)
	}
	return out
}

func (b *indexBuilder) update(doc *document.Document) error {
	if doc.Index == nil {
		return nil
	}
	docID := doc.DocID()
	switch {
	case b.target.Modifier != nil && b.target.Modifier.Covers(docID):
		b.target.Modifier.UpdateTokens(b.index.ID, docID, b.shardTokens(doc.Index.ModifiedTokens()))
	case b.target.Segment.Contains(docID):
		b.memory.UpdateTokens(docID, doc.Index.ModifiedTokens(), b.index.FieldIdxInPack)
	}
	return nil
}

// columnBuilder covers attributes and pack attributes.
type columnBuilder struct {
	target    Target
	name      string
	updatable bool
	writer    *attribute.Writer
	value     func(doc *document.Document) ([]byte, bool)
	convertor attribute.Convertor
}

func (b *columnBuilder) add(doc *document.Document) error {
	docID := doc.DocID()
	if !b.target.Segment.Contains(docID) {
		return nil
	}
	v, ok := b.value(doc)
	if !ok {
		return nil
	}
	return b.writer.Add(b.target.Segment.LocalID(docID), b.convertor.Encode(nil, v))
}

func (b *columnBuilder) update(doc *document.Document) error {
	if !b.updatable {
		return nil
	}
	v, ok := b.value(doc)
	if !ok {
		return nil
	}
	docID := doc.DocID()
	encoded := b.convertor.Encode(nil, v)
	switch {
	case b.target.Modifier != nil && b.target.Modifier.Covers(docID):
		return b.target.Modifier.UpdateAttribute(b.name, docID, encoded)
	case b.target.Segment.Contains(docID):
		local := b.target.Segment.LocalID(docID)
		if local < b.writer.DocCount() {
			return b.writer.Update(local, encoded)
		}
		return b.writer.Add(local, encoded)
	}
	return nil
}

func attributeValue(attr *schema.AttributeConfig) func(*document.Document) ([]byte, bool) {
	fieldID := attr.FieldID()
	return func(doc *document.Document) ([]byte, bool) {
		if doc.Attribute == nil {
			return nil, false
		}
		return doc.Attribute.Field(fieldID)
	}
}

func packAttributeValue(pack *schema.PackAttributeConfig) func(*document.Document) ([]byte, bool) {
	fieldIDs := pack.FieldIDs()
	return func(doc *document.Document) ([]byte, bool) {
		if doc.Attribute == nil {
			return nil, false
		}
		for _, id := range fieldIDs {
			if _, ok := doc.Attribute.Field(id); ok {
				return doc.Attribute.PackField(fieldIDs), true
			}
		}
		return nil, false
	}
}

// storedBuilder covers summary and source; neither is updatable.
type storedBuilder struct {
	target    Target
	writer    *attribute.Writer
	value     func(doc *document.Document) ([]byte, bool)
	convertor attribute.Convertor
}

func (b *storedBuilder) add(doc *document.Document) error {
	docID := doc.DocID()
	if !b.target.Segment.Contains(docID) {
		return nil
	}
	v, ok := b.value(doc)
	if !ok {
		return nil
	}
	return b.writer.Add(b.target.Segment.LocalID(docID), b.convertor.Encode(nil, v))
}

func (b *storedBuilder) update(*document.Document) error {
	return nil
}

func summaryValue(doc *document.Document) ([]byte, bool) {
	if doc.Summary == nil || doc.Summary.Len() == 0 {
		return nil, false
	}
	return doc.Summary.Encode(), true
}

func sourceValue(doc *document.Document) ([]byte, bool) {
	if doc.Source == nil {
		return nil, false
	}
	return doc.Source, true
}
