package build

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/threadpool"
)

// Group names. Items of one group run in push order.
const (
	SummaryGroupName    = "_SUMMARY_"
	SourceGroupName     = "_SOURCE_"
	PrimaryKeyGroupName = "_PRIMARY_KEY_"
)

func IndexGroupName(indexName string, shard int) string {
	return fmt.Sprintf("_INVERTEDINDEX_%s_@_%d", indexName, shard)
}

func AttributeGroupName(attrName string) string {
	return "_ATTRIBUTE_" + attrName
}

func PackAttributeGroupName(packName string) string {
	return "_PACK_ATTRIBUTE_" + packName
}

// Batch modes. In the inconsistent mode primary keys are resolved on the
// caller before fan-out; in the consistent mode they run in the pool as
// the first group of the batch and fan-out waits for them.
const (
	ModeConsistent   = "consistent"
	ModeInconsistent = "inconsistent"
)

// Pool is the part of threadpool.GroupedThreadPool the generator drives.
type Pool interface {
	PushWorkItem(groupName string, item threadpool.WorkItem) error
	WaitCurrentBatchWorkItemsFinish()
}

// DocBuildWorkItemGenerator fans a batch out into per-writer work items.
type DocBuildWorkItemGenerator struct {
	schema *schema.Schema
	pks    *segment.PrimaryKeyIndex
	pool   Pool
	mode   string
	logger *slog.Logger
}

func NewDocBuildWorkItemGenerator(s *schema.Schema, pks *segment.PrimaryKeyIndex, pool Pool, mode string) *DocBuildWorkItemGenerator {
	if mode == "" {
		mode = ModeInconsistent
	}
	return &DocBuildWorkItemGenerator{
		schema: s,
		pks:    pks,
		pool:   pool,
		mode:   mode,
		logger: slog.Default().With("component", "work_item_generator"),
	}
}

// Generate resolves primary keys for docs and pushes one work item per
// index shard, attribute, pack attribute, summary and source into the
// current batch of the pool. ctx is only checked before primary keys are
// resolved; once doc ids are allocated every work item is pushed.
func (g *DocBuildWorkItemGenerator) Generate(ctx context.Context, target Target, docs *DocumentCollector) ([]*WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkItem := NewPrimaryKeyWorkItem(target, g.pks, docs)
	switch g.mode {
	case ModeInconsistent:
		if err := pkItem.Process(); err != nil {
			return nil, fmt.Errorf("resolving primary keys: %w", err)
		}
	default:
		if err := g.pool.PushWorkItem(PrimaryKeyGroupName, pkItem); err != nil {
			return nil, fmt.Errorf("pushing primary key work: %w", err)
		}
		g.pool.WaitCurrentBatchWorkItemsFinish()
	}

	items := g.createWorkItems(target, docs)
	for _, it := range items {
		it.item.markQueued()
		if err := g.pool.PushWorkItem(it.group, it.item); err != nil {
			return nil, fmt.Errorf("pushing %s: %w", it.item.Name(), err)
		}
	}
	out := make([]*WorkItem, len(items))
	for i, it := range items {
		out[i] = it.item
	}
	g.logger.Debug("work items generated",
		"doc_count", docs.Len(),
		"work_items", len(out),
	)
	return out, nil
}

type groupedItem struct {
	group string
	item  *WorkItem
}

// createWorkItems builds the per-writer work items without queueing them.
func (g *DocBuildWorkItemGenerator) createWorkItems(target Target, docs *DocumentCollector) []groupedItem {
	var items []groupedItem
	seg := target.Segment
	for _, idx := range g.schema.Indexes {
		if idx.IsPrimaryKey() {
			continue
		}
		for shard := 0; shard < idx.Shards(); shard++ {
			b := &indexBuilder{
				target: target,
				index:  idx,
				shard:  shard,
				memory: seg.IndexWriter(idx.ID, shard),
			}
			if shard == 0 {
				b.sectionAttr = seg.SectionAttributeWriter(idx.ID)
			}
			name := IndexGroupName(idx.Name, shard)
			items = append(items, groupedItem{name, newWorkItem(name, docs, b)})
		}
	}
	for _, attr := range g.schema.Attributes {
		name := AttributeGroupName(attr.Name)
		items = append(items, groupedItem{name, newWorkItem(name, docs, &columnBuilder{
			target:    target,
			name:      attr.Name,
			updatable: attr.Updatable,
			writer:    seg.AttributeWriter(attr.ID),
			value:     attributeValue(attr),
			convertor: attribute.NewConvertor(),
		})})
	}
	for _, pack := range g.schema.PackAttributes {
		name := PackAttributeGroupName(pack.Name)
		items = append(items, groupedItem{name, newWorkItem(name, docs, &columnBuilder{
			target:    target,
			name:      pack.Name,
			updatable: pack.Updatable,
			writer:    seg.PackAttributeWriter(pack.ID),
			value:     packAttributeValue(pack),
			convertor: attribute.NewConvertor(),
		})})
	}
	if w := seg.SummaryWriter(); w != nil {
		items = append(items, groupedItem{SummaryGroupName, newWorkItem(SummaryGroupName, docs, &storedBuilder{
			target:    target,
			writer:    w,
			value:     summaryValue,
			convertor: attribute.NewConvertor(),
		})})
	}
	if w := seg.SourceWriter(); w != nil {
		items = append(items, groupedItem{SourceGroupName, newWorkItem(SourceGroupName, docs, &storedBuilder{
			target:    target,
			writer:    w,
			value:     sourceValue,
			convertor: attribute.NewConvertor(),
		})})
	}
	return items
}
