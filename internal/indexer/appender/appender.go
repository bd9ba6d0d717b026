// Package appender encodes the section attribute of every pack index that
// declares one and attaches it to the document before it is built.
package appender

import (
	"log/slog"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

type indexMeta struct {
	index     *schema.IndexConfig
	formatter *sectionattr.Formatter
	convertor attribute.Convertor
}

// SectionAttributeAppender is not safe for concurrent use; give each
// goroutine its own Clone.
type SectionAttributeAppender struct {
	indexes []indexMeta
	logger  *slog.Logger

	// shared by clones
	overflows *atomic.Int64
	skipped   *atomic.Int64

	lengths []uint16
	fids    []uint8
	weights []uint16
	buf     []byte
}

func New() *SectionAttributeAppender {
	return &SectionAttributeAppender{
		logger:    slog.Default().With("component", "section_attribute_appender"),
		overflows: new(atomic.Int64),
		skipped:   new(atomic.Int64),
	}
}

// Init discovers the indexes needing section attributes. It returns false
// when there are none.
func (a *SectionAttributeAppender) Init(s *schema.Schema) bool {
	a.indexes = a.indexes[:0]
	for _, idx := range s.IndexesWithSectionAttribute() {
		a.indexes = append(a.indexes, indexMeta{
			index:     idx,
			formatter: sectionattr.NewFormatter(idx.SectionAttributeConfig()),
			convertor: attribute.NewConvertor(),
		})
	}
	return len(a.indexes) > 0
}

// Clone shares the index configs and counters. Formatters hold encoder
// scratch, so every clone builds its own.
func (a *SectionAttributeAppender) Clone() *SectionAttributeAppender {
	indexes := make([]indexMeta, len(a.indexes))
	for i, m := range a.indexes {
		indexes[i] = indexMeta{
			index:     m.index,
			formatter: sectionattr.NewFormatter(m.index.SectionAttributeConfig()),
			convertor: attribute.NewConvertor(),
		}
	}
	return &SectionAttributeAppender{
		indexes:   indexes,
		logger:    a.logger,
		overflows: a.overflows,
		skipped:   a.skipped,
	}
}

// OverflowCount is the number of documents truncated at
// sectionattr.MaxSectionCountPerDoc.
func (a *SectionAttributeAppender) OverflowCount() int64 {
	return a.overflows.Load()
}

// SkippedCount is the number of section attributes not stored because the
// encoded form did not fit sectionattr.DataSliceLen.
func (a *SectionAttributeAppender) SkippedCount() int64 {
	return a.skipped.Load()
}

// AppendSectionAttribute encodes and attaches section attributes to doc. It
// returns false without touching doc when they were already appended, and
// false when every index was skipped as too large. A pack field that is not a
// token field is an error.
func (a *SectionAttributeAppender) AppendSectionAttribute(doc *document.IndexDocument) (bool, error) {
	if doc.MaxIndexIDInSectionAttribute() != document.InvalidIndexID {
		return false, nil
	}
	if a.buf == nil {
		a.buf = make([]byte, sectionattr.DataSliceLen)
	}
	attached := false
	for i := range a.indexes {
		ok, err := a.appendIndex(&a.indexes[i], doc)
		if err != nil {
			return false, err
		}
		attached = attached || ok
	}
	return attached, nil
}

func (a *SectionAttributeAppender) appendIndex(m *indexMeta, doc *document.IndexDocument) (bool, error) {
	a.lengths = a.lengths[:0]
	a.fids = a.fids[:0]
	a.weights = a.weights[:0]

	lastPos := 0
	overflow := false
fields:
	for pos, fieldID := range m.index.FieldIDs() {
		f := doc.Field(fieldID)
		if f == nil || f.Tag() == document.TagNullField {
			continue
		}
		tf, err := document.AsTokenField(f)
		if err != nil {
			return false, sperrors.NewBuildError("append_section_attribute", m.index.Name, err)
		}
		for sid, s := range tf.Sections() {
			if len(a.lengths) == sectionattr.MaxSectionCountPerDoc {
				overflow = true
				break fields
			}
			var delta uint8
			if sid == 0 {
				delta = uint8(pos - lastPos)
				lastPos = pos
			}
			a.lengths = append(a.lengths, s.Length)
			a.fids = append(a.fids, delta)
			a.weights = append(a.weights, s.Weight)
		}
	}
	if overflow {
		a.overflows.Add(1)
		a.logger.Warn("section count overflow, dropping remaining sections",
			"index", m.index.Name,
			"primary_key", doc.PrimaryKey(),
			"section_count", len(a.lengths),
		)
	}

	n, err := m.formatter.EncodeToBuffer(a.lengths, a.fids, a.weights, a.buf)
	if err != nil {
		if sperrors.IsDataError(err) {
			a.skipped.Add(1)
			a.logger.Error("section attribute does not fit, skipping",
				"index", m.index.Name,
				"primary_key", doc.PrimaryKey(),
				"section_count", len(a.lengths),
				"error", err,
			)
			return false, nil
		}
		return false, err
	}
	doc.SetSectionAttribute(m.index.ID, m.convertor.Encode(nil, a.buf[:n]))
	return true, nil
}
