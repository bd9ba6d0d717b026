package indexer

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/tokenizer"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// TermHash normalizes term the way documents of idx were tokenized. String
// indexes keep the raw value; others take the first token.
func TermHash(idx *schema.IndexConfig, term string) (uint64, bool) {
	if idx.Type == schema.IndexTypeString {
		if term == "" {
			return 0, false
		}
		return document.TermHash(term), true
	}
	tokens := tokenizer.Tokenize(term)
	if len(tokens) == 0 {
		return 0, false
	}
	return document.TermHash(tokens[0].Term), true
}

type view struct {
	seg     *segment.BuildingSegment
	readers []*segment.Reader
}

func (b *Builder) view() view {
	b.mu.RLock()
	defer b.mu.RUnlock()
	readers := make([]*segment.Reader, len(b.readers))
	copy(readers, b.readers)
	return view{seg: b.seg, readers: readers}
}

// reader returns the dumped segment holding docID.
func (v view) reader(docID int32) *segment.Reader {
	i := sort.Search(len(v.readers), func(i int) bool {
		r := v.readers[i]
		return r.BaseDocID()+int32(r.DocCount()) > docID
	})
	if i == len(v.readers) || v.readers[i].BaseDocID() > docID {
		return nil
	}
	return v.readers[i]
}

// Search returns the live postings of term in indexName across the dumped
// segments and the building segment, with modifier patches applied.
func (b *Builder) Search(indexName string, term string) (index.PostingList, error) {
	idx := b.schema.Index(indexName)
	if idx == nil || idx.IsPrimaryKey() {
		return nil, fmt.Errorf("%w: unknown index %q", sperrors.ErrInvalidInput, indexName)
	}
	hash, ok := TermHash(idx, term)
	if !ok {
		return nil, nil
	}
	v := b.view()
	var all index.PostingList
	for _, r := range v.readers {
		postings, err := r.Search(indexName, hash)
		if err != nil {
			b.logger.Error("segment search failed",
				"segment", filepath.Base(r.Path()),
				"error", err,
			)
			continue
		}
		all = append(all, postings...)
	}
	if w := v.seg.IndexWriter(idx.ID, index.ShardOf(hash, idx.Shards())); w != nil {
		all = append(all, w.Search(hash)...)
	}
	all = applyTokenPatches(idx, hash, all, b.modifier.TokenPatches(idx.ID))

	live := all[:0]
	for _, p := range all {
		if !b.isDeleted(v, p.DocID) {
			live = append(live, p)
		}
	}
	return deduplicatePostings(live), nil
}

// applyTokenPatches replays UPDATE_FIELD token patches of built documents
// for one term, in the order they were recorded.
func applyTokenPatches(idx *schema.IndexConfig, hash uint64, postings index.PostingList, patches []segment.TokenPatch) index.PostingList {
	for _, patch := range patches {
		for _, mt := range patch.Tokens {
			if mt.TermHash != hash {
				continue
			}
			pos := idx.FieldIdxInPack(mt.FieldID)
			if pos < 0 {
				continue
			}
			switch mt.Op {
			case document.ModifyAdd:
				found := false
				for i := range postings {
					if postings[i].DocID == patch.DocID {
						postings[i].Frequency++
						postings[i].FieldMap |= 1 << uint(pos)
						found = true
						break
					}
				}
				if !found {
					postings = append(postings, index.Posting{DocID: patch.DocID, Frequency: 1, FieldMap: 1 << uint(pos)})
				}
			case document.ModifyRemove:
				kept := postings[:0]
				for _, p := range postings {
					if p.DocID != patch.DocID {
						kept = append(kept, p)
					}
				}
				postings = kept
			}
		}
	}
	return postings
}

func deduplicatePostings(postings index.PostingList) index.PostingList {
	if len(postings) <= 1 {
		return postings
	}
	seen := make(map[int32]int)
	result := make(index.PostingList, 0, len(postings))
	for _, p := range postings {
		if idx, exists := seen[p.DocID]; exists {
			if p.Frequency > result[idx].Frequency {
				result[idx] = p
			}
		} else {
			seen[p.DocID] = len(result)
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}

func (b *Builder) isDeleted(v view, docID int32) bool {
	if v.seg.Contains(docID) {
		return v.seg.IsDeleted(docID)
	}
	if b.modifier.IsDeleted(docID) {
		return true
	}
	r := v.reader(docID)
	if r == nil {
		return true
	}
	deleted, err := r.IsDeleted(docID)
	if err != nil {
		b.logger.Error("reading deletion map", "segment", filepath.Base(r.Path()), "error", err)
		return false
	}
	return deleted
}

// IsDeleted reports whether docID is unknown or deleted.
func (b *Builder) IsDeleted(docID int32) bool {
	return b.isDeleted(b.view(), docID)
}

// Lookup returns the live doc id of a primary key.
func (b *Builder) Lookup(primaryKey string) (int32, bool) {
	return b.pks.Lookup(primaryKey)
}

// Attribute returns the current value of a single-field attribute.
func (b *Builder) Attribute(name string, docID int32) ([]byte, bool, error) {
	attr := b.schema.Attribute(name)
	if attr == nil {
		return nil, false, fmt.Errorf("%w: unknown attribute %q", sperrors.ErrInvalidInput, name)
	}
	return b.column(name, docID,
		func(seg *segment.BuildingSegment) ([]byte, bool) {
			return seg.AttributeWriter(attr.ID).Get(seg.LocalID(docID))
		},
		func(r *segment.Reader) ([]byte, bool, error) { return r.Attribute(name, docID) },
	)
}

// PackAttribute returns the current packed value of a pack attribute.
func (b *Builder) PackAttribute(name string, docID int32) ([]byte, bool, error) {
	var pack *schema.PackAttributeConfig
	for _, p := range b.schema.PackAttributes {
		if p.Name == name {
			pack = p
			break
		}
	}
	if pack == nil {
		return nil, false, fmt.Errorf("%w: unknown pack attribute %q", sperrors.ErrInvalidInput, name)
	}
	return b.column(name, docID,
		func(seg *segment.BuildingSegment) ([]byte, bool) {
			return seg.PackAttributeWriter(pack.ID).Get(seg.LocalID(docID))
		},
		func(r *segment.Reader) ([]byte, bool, error) { return r.PackAttribute(name, docID) },
	)
}

// Summary returns the stored summary of docID.
func (b *Builder) Summary(docID int32) (*document.SummaryDocument, bool, error) {
	data, ok, err := b.column("", docID,
		func(seg *segment.BuildingSegment) ([]byte, bool) {
			w := seg.SummaryWriter()
			if w == nil {
				return nil, false
			}
			return w.Get(seg.LocalID(docID))
		},
		func(r *segment.Reader) ([]byte, bool, error) { return r.Summary(docID) },
	)
	if err != nil || !ok {
		return nil, false, err
	}
	summary, err := document.DecodeSummary(data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding summary of doc %d: %w", docID, err)
	}
	return summary, true, nil
}

// Source returns the stored source of docID.
func (b *Builder) Source(docID int32) ([]byte, bool, error) {
	return b.column("", docID,
		func(seg *segment.BuildingSegment) ([]byte, bool) {
			w := seg.SourceWriter()
			if w == nil {
				return nil, false
			}
			return w.Get(seg.LocalID(docID))
		},
		func(r *segment.Reader) ([]byte, bool, error) { return r.Source(docID) },
	)
}

// column reads docID from whichever segment holds it. A non-empty patchName
// consults modifier patches first.
func (b *Builder) column(patchName string, docID int32,
	building func(*segment.BuildingSegment) ([]byte, bool),
	dumped func(*segment.Reader) ([]byte, bool, error),
) ([]byte, bool, error) {
	v := b.view()
	if b.isDeleted(v, docID) {
		return nil, false, nil
	}
	if v.seg.Contains(docID) {
		data, ok := building(v.seg)
		return data, ok, nil
	}
	if patchName != "" {
		if data, ok := b.modifier.AttributePatch(patchName, docID); ok {
			return data, true, nil
		}
	}
	return dumped(v.reader(docID))
}

// SectionAttribute decodes the section attribute docID stored for a pack
// index.
func (b *Builder) SectionAttribute(indexName string, docID int32) (*sectionattr.InDocMultiSectionMeta, bool, error) {
	idx := b.schema.Index(indexName)
	if idx == nil {
		return nil, false, fmt.Errorf("%w: unknown index %q", sperrors.ErrInvalidInput, indexName)
	}
	v := b.view()
	if b.isDeleted(v, docID) {
		return nil, false, nil
	}
	var src sectionattr.AttributeSource
	if v.seg.Contains(docID) {
		src = v.seg.SectionAttributeSource(idx.ID)
	} else {
		src = v.reader(docID).SectionAttributeSource(indexName)
	}
	if src == nil {
		return nil, false, nil
	}
	reader, err := sectionattr.NewReader(idx, src)
	if err != nil {
		return nil, false, err
	}
	meta := reader.NewMeta()
	ok, err := reader.Read(docID, meta)
	if err != nil || !ok {
		return nil, false, err
	}
	return meta, true, nil
}
