// Package build turns a batch of documents into work items for the grouped
// thread pool: one per index shard, attribute, pack attribute, summary and
// source, plus the primary key stage that assigns doc ids.
package build

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
)

// DocumentCollector holds the documents of one build batch. Add and
// LogicalDelete are not safe for concurrent use; DestructDocumentsForParallel
// is, for disjoint parallelIdx values.
type DocumentCollector struct {
	docs      []*document.Document
	batchSize int
	nullCount int
}

func NewDocumentCollector(batchSize int) *DocumentCollector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &DocumentCollector{
		docs:      make([]*document.Document, 0, batchSize),
		batchSize: batchSize,
	}
}

func (c *DocumentCollector) Add(doc *document.Document) {
	if doc == nil {
		c.nullCount++
	}
	c.docs = append(c.docs, doc)
}

// LogicalDelete drops the document at idx from the batch, leaving a nil
// slot until RemoveNullDocuments.
func (c *DocumentCollector) LogicalDelete(idx int) {
	if idx < 0 || idx >= len(c.docs) || c.docs[idx] == nil {
		return
	}
	c.docs[idx] = nil
	c.nullCount++
}

// RemoveNullDocuments compacts nil slots and returns how many were removed.
func (c *DocumentCollector) RemoveNullDocuments() int {
	if c.nullCount == 0 {
		return 0
	}
	kept := c.docs[:0]
	for _, d := range c.docs {
		if d != nil {
			kept = append(kept, d)
		}
	}
	removed := len(c.docs) - len(kept)
	for i := len(kept); i < len(c.docs); i++ {
		c.docs[i] = nil
	}
	c.docs = kept
	c.nullCount = 0
	return removed
}

// ShouldTriggerBuild reports whether the batch is full.
func (c *DocumentCollector) ShouldTriggerBuild() bool {
	return len(c.docs) >= c.batchSize
}

func (c *DocumentCollector) Documents() []*document.Document {
	return c.docs
}

func (c *DocumentCollector) Len() int {
	return len(c.docs)
}

// Empty reports whether the batch has no live documents.
func (c *DocumentCollector) Empty() bool {
	return len(c.docs) == c.nullCount
}

// DestructDocumentsForParallel releases the documents whose index is
// congruent to parallelIdx modulo parallelNum.
func (c *DocumentCollector) DestructDocumentsForParallel(parallelNum int, parallelIdx int) {
	if parallelNum <= 0 {
		return
	}
	for i := parallelIdx; i < len(c.docs); i += parallelNum {
		if c.docs[i] != nil {
			c.docs[i].Release()
		}
	}
}

// DestructDocuments releases every document using parallelNum goroutines.
func (c *DocumentCollector) DestructDocuments(ctx context.Context, parallelNum int) error {
	if parallelNum <= 1 {
		c.DestructDocumentsForParallel(1, 0)
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for idx := 0; idx < parallelNum; idx++ {
		g.Go(func() error {
			c.DestructDocumentsForParallel(parallelNum, idx)
			return nil
		})
	}
	return g.Wait()
}
