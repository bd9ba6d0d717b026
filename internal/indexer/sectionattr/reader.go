package sectionattr

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// AttributeSource yields the stored section attribute bytes of a document.
// A missing value is (nil, false, nil); unreadable storage is an error.
type AttributeSource interface {
	Get(docID int32) ([]byte, bool, error)
}

// Reader decodes stored section attributes of one pack index.
type Reader struct {
	index  *schema.IndexConfig
	source AttributeSource
}

func NewReader(index *schema.IndexConfig, source AttributeSource) (*Reader, error) {
	if !index.HasSectionAttribute() {
		return nil, fmt.Errorf("index %s has no section attribute: %w", index.Name, sperrors.ErrInvalidInput)
	}
	return &Reader{index: index, source: source}, nil
}

// NewMeta returns a reusable meta configured for this index.
func (r *Reader) NewMeta() *InDocMultiSectionMeta {
	return NewInDocMultiSectionMeta(r.index.SectionAttributeConfig(), r.index)
}

// Read unpacks docID's section attribute into meta. It reports false when
// the document has none.
func (r *Reader) Read(docID int32, meta *InDocMultiSectionMeta) (bool, error) {
	data, ok, err := r.source.Get(docID)
	if err != nil {
		return false, fmt.Errorf("reading section attribute of doc %d in %s: %w", docID, r.index.Name, err)
	}
	if !ok {
		return false, nil
	}
	if err := meta.Unpack(data); err != nil {
		return false, fmt.Errorf("reading section attribute of doc %d in %s: %w", docID, r.index.Name, err)
	}
	return true, nil
}
