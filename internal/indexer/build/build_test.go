package build

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/appender"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/threadpool"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/tokenizer"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const testSchema = `
fields: [{name: url}, {name: title}, {name: body}, {name: price}, {name: color}]
indexes:
  - {name: pk, type: primarykey, fields: [url]}
  - name: phrase
    type: pack
    fields: [title, body]
    shardCount: 2
    sectionAttribute: {hasFieldId: true, hasSectionWeight: true}
attributes:
  - {name: price, field: price, updatable: true}
  - {name: color, field: color}
packAttributes:
  - {name: props, attributes: [price, color], updatable: true}
summary:
  fields: [title]
source:
  enabled: true
`

func loadSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return s
}

func termHash(t *testing.T, word string) uint64 {
	t.Helper()
	toks := tokenizer.Tokenize(word)
	require.Len(t, toks, 1)
	return document.TermHash(toks[0].Term)
}

func newAddDoc(t *testing.T, s *schema.Schema, app *appender.SectionAttributeAppender, pk, title, price string) *document.Document {
	t.Helper()
	doc := document.New(document.OpAdd, pk)
	_, err := tokenizer.FillTokenField(doc.Index, s.FieldID("title"), title, 3)
	require.NoError(t, err)
	_, err = tokenizer.FillTokenField(doc.Index, s.FieldID("body"), "body of "+pk, 1)
	require.NoError(t, err)
	_, err = app.AppendSectionAttribute(doc.Index)
	require.NoError(t, err)
	doc.Attribute.SetField(s.FieldID("price"), []byte(price))
	doc.Attribute.SetField(s.FieldID("color"), []byte("red"))
	doc.Summary.SetField(s.FieldID("title"), []byte(title))
	doc.Source = []byte(`{"url":"` + pk + `"}`)
	return doc
}

func newPool(t *testing.T) *threadpool.GroupedThreadPool {
	t.Helper()
	gp := threadpool.NewGroupedThreadPool(threadpool.Config{ThreadNum: 4, QueueSize: 16, MaxBatchCount: 2})
	require.NoError(t, gp.Start())
	t.Cleanup(func() { _ = gp.Stop(threadpool.StopAndClearQueue) })
	return gp
}

func runBatch(t *testing.T, gp *threadpool.GroupedThreadPool, gen *DocBuildWorkItemGenerator, target Target, docs ...*document.Document) []*WorkItem {
	t.Helper()
	c := NewDocumentCollector(len(docs))
	for _, d := range docs {
		c.Add(d)
	}
	_, err := gp.StartNewBatch(context.Background())
	require.NoError(t, err)
	items, err := gen.Generate(context.Background(), target, c)
	require.NoError(t, err)
	gp.WaitFinish()
	require.NoError(t, gp.CheckException())
	return items
}

func TestDocumentCollector(t *testing.T) {
	c := NewDocumentCollector(3)
	assert.True(t, c.Empty())
	for _, pk := range []string{"a", "b", "c"} {
		c.Add(document.New(document.OpAdd, pk))
	}
	assert.True(t, c.ShouldTriggerBuild())

	c.LogicalDelete(1)
	c.LogicalDelete(1)
	c.LogicalDelete(9)
	assert.Equal(t, 1, c.RemoveNullDocuments())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "c", c.Documents()[1].PrimaryKey())
	assert.False(t, c.ShouldTriggerBuild())
	assert.Zero(t, c.RemoveNullDocuments())
}

func TestDocumentCollector_DestructForParallel(t *testing.T) {
	c := NewDocumentCollector(8)
	for i := 0; i < 7; i++ {
		c.Add(document.New(document.OpAdd, "k"))
	}
	c.DestructDocumentsForParallel(3, 1)
	for i, d := range c.Documents() {
		if i%3 == 1 {
			assert.Nil(t, d.Index, "slot %d", i)
		} else {
			assert.NotNil(t, d.Index, "slot %d", i)
		}
	}

	require.NoError(t, c.DestructDocuments(context.Background(), 3))
	for _, d := range c.Documents() {
		assert.Nil(t, d.Index)
		assert.Nil(t, d.Attribute)
	}
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "_INVERTEDINDEX_phrase_@_1", IndexGroupName("phrase", 1))
	assert.Equal(t, "_ATTRIBUTE_price", AttributeGroupName("price"))
	assert.Equal(t, "_PACK_ATTRIBUTE_props", PackAttributeGroupName("props"))
}

func TestGenerator_CreateWorkItems(t *testing.T) {
	s := loadSchema(t)
	target := Target{Segment: segment.NewBuildingSegment(s, 0)}
	gen := NewDocBuildWorkItemGenerator(s, segment.NewPrimaryKeyIndex(), nil, ModeInconsistent)

	var groups []string
	for _, it := range gen.createWorkItems(target, NewDocumentCollector(1)) {
		groups = append(groups, it.group)
		assert.Equal(t, StateCreated, it.item.State())
	}
	assert.Equal(t, []string{
		"_INVERTEDINDEX_phrase_@_0",
		"_INVERTEDINDEX_phrase_@_1",
		"_ATTRIBUTE_price",
		"_ATTRIBUTE_color",
		"_PACK_ATTRIBUTE_props",
		SummaryGroupName,
		SourceGroupName,
	}, groups)
}

func TestGenerator_BuildBatches(t *testing.T) {
	for _, mode := range []string{ModeInconsistent, ModeConsistent} {
		t.Run(mode, func(t *testing.T) {
			s := loadSchema(t)
			app := appender.New()
			require.True(t, app.Init(s))
			seg := segment.NewBuildingSegment(s, 0)
			target := Target{Segment: seg, Modifier: segment.NewModifier(0)}
			pks := segment.NewPrimaryKeyIndex()
			gp := newPool(t)
			gen := NewDocBuildWorkItemGenerator(s, pks, gp, mode)

			items := runBatch(t, gp, gen, target,
				newAddDoc(t, s, app, "u1", "fast search", "10"),
				newAddDoc(t, s, app, "u2", "slow engine", "20"),
			)
			for _, it := range items {
				assert.Equal(t, StateDone, it.State())
				assert.Equal(t, int64(2), it.Built(), it.Name())
			}
			assert.Equal(t, int32(2), seg.DocCount())

			phrase := s.Index("phrase")
			h := termHash(t, "search")
			postings := seg.IndexWriter(phrase.ID, index.ShardOf(h, 2)).Search(h)
			require.Len(t, postings, 1)
			assert.Equal(t, int32(0), postings[0].DocID)

			price := seg.AttributeWriter(s.Attribute("price").ID)
			v, ok := price.Get(1)
			require.True(t, ok)
			assert.Equal(t, []byte("20"), v)
			_, ok, err := seg.SectionAttributeSource(phrase.ID).Get(1)
			require.NoError(t, err)
			assert.True(t, ok)
			summary, ok := seg.SummaryWriter().Get(0)
			require.True(t, ok)
			decoded, err := document.DecodeSummary(summary)
			require.NoError(t, err)
			title, _ := decoded.Field(s.FieldID("title"))
			assert.Equal(t, []byte("fast search"), title)

			update := document.New(document.OpUpdateField, "u1")
			update.Attribute.SetField(s.FieldID("price"), []byte("11"))
			update.Attribute.SetField(s.FieldID("color"), []byte("blue"))
			update.Index.AddModifiedToken(s.FieldID("title"), h, document.ModifyRemove)
			del := document.New(document.OpDelete, "u2")
			replace := newAddDoc(t, s, app, "u1", "fast search again", "12")
			runBatch(t, gp, gen, target, update, del, replace)

			v, _ = price.Get(0)
			assert.Equal(t, []byte("11"), v)
			color, _ := seg.AttributeWriter(s.Attribute("color").ID).Get(0)
			assert.Equal(t, []byte("red"), color, "color is not updatable")
			props, _ := seg.PackAttributeWriter(s.PackAttributes[0].ID).Get(0)
			assert.Contains(t, string(props), "blue")

			assert.True(t, seg.IsDeleted(0), "replaced by a new add")
			assert.True(t, seg.IsDeleted(1))
			assert.False(t, seg.IsDeleted(2))
			id, ok := pks.Lookup("u1")
			require.True(t, ok)
			assert.Equal(t, int32(2), id)
			_, ok = pks.Lookup("u2")
			assert.False(t, ok)

			postings = seg.IndexWriter(phrase.ID, index.ShardOf(h, 2)).Search(h)
			require.Len(t, postings, 1)
			assert.Equal(t, int32(2), postings[0].DocID)
		})
	}
}

func TestGenerator_UpdateBuiltSegmentGoesToModifier(t *testing.T) {
	s := loadSchema(t)
	seg := segment.NewBuildingSegment(s, 10)
	mod := segment.NewModifier(10)
	target := Target{Segment: seg, Modifier: mod}
	pks := segment.NewPrimaryKeyIndex()
	pks.Insert("old", 3)
	gp := newPool(t)
	gen := NewDocBuildWorkItemGenerator(s, pks, gp, ModeInconsistent)

	h := termHash(t, "fresh")
	update := document.New(document.OpUpdateField, "old")
	update.Attribute.SetField(s.FieldID("price"), []byte("99"))
	update.Index.AddModifiedToken(s.FieldID("body"), h, document.ModifyAdd)
	update.Index.AddModifiedToken(s.FieldID("url"), h, document.ModifyAdd)
	missing := document.New(document.OpUpdateField, "nobody")
	missing.Attribute.SetField(s.FieldID("price"), []byte("1"))
	runBatch(t, gp, gen, target, update, missing)

	assert.Equal(t, document.InvalidDocID, missing.DocID())
	v, ok := mod.AttributePatch("price", 3)
	require.True(t, ok)
	assert.Equal(t, []byte("99"), v)
	patches := mod.TokenPatches(s.Index("phrase").ID)
	require.Len(t, patches, 1, "only the owning shard records the patch")
	assert.Equal(t, int32(3), patches[0].DocID)
	require.Len(t, patches[0].Tokens, 1, "url is not in the pack")
	assert.Equal(t, h, patches[0].Tokens[0].TermHash)
	assert.Zero(t, seg.DocCount())

	del := document.New(document.OpDelete, "old")
	runBatch(t, gp, gen, target, del)
	assert.True(t, mod.IsDeleted(3))
}

func TestGenerator_CancelledBeforePrimaryKeys(t *testing.T) {
	s := loadSchema(t)
	app := appender.New()
	app.Init(s)
	seg := segment.NewBuildingSegment(s, 0)
	pks := segment.NewPrimaryKeyIndex()
	gp := newPool(t)
	gen := NewDocBuildWorkItemGenerator(s, pks, gp, ModeInconsistent)

	doc := newAddDoc(t, s, app, "a", "title", "1")
	c := NewDocumentCollector(1)
	c.Add(doc)
	_, err := gp.StartNewBatch(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items, err := gen.Generate(ctx, Target{Segment: seg}, c)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, items)
	assert.Equal(t, document.InvalidDocID, doc.DocID())
	assert.Zero(t, seg.DocCount())
	_, ok := pks.Lookup("a")
	assert.False(t, ok)
}

func TestWorkItem_FailureIsBuildError(t *testing.T) {
	s := loadSchema(t)
	seg := segment.NewBuildingSegment(s, 0)
	gp := newPool(t)
	gen := NewDocBuildWorkItemGenerator(s, segment.NewPrimaryKeyIndex(), gp, ModeInconsistent)

	doc := document.New(document.OpAdd, "raw")
	_, err := doc.Index.CreateField(s.FieldID("title"), document.TagRawField)
	require.NoError(t, err)
	c := NewDocumentCollector(1)
	c.Add(doc)

	_, err = gp.StartNewBatch(context.Background())
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), Target{Segment: seg}, c)
	require.NoError(t, err)
	gp.WaitFinish()

	require.True(t, gp.HasException())
	var be *sperrors.BuildError
	require.True(t, errors.As(gp.CheckException(), &be))
	assert.Contains(t, be.Item, "_INVERTEDINDEX_phrase_@_")
	assert.ErrorIs(t, be, sperrors.ErrFieldVariant)
}
