package appender

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const testSchema = `
fields: [{name: title}, {name: abstract}, {name: body}, {name: tag}]
indexes:
  - {name: pk, type: primarykey, fields: [tag]}
  - name: phrase
    type: pack
    fields: [title, abstract, body]
    sectionAttribute: {hasFieldId: true, hasSectionWeight: true}
  - name: lite
    type: expack
    fields: [title, body]
    sectionAttribute: {}
  - {name: body_text, type: text, fields: [body]}
`

func loadSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return s
}

type section struct {
	length uint16
	weight uint16
}

func addField(t *testing.T, doc *document.IndexDocument, fieldID int32, sections ...section) {
	t.Helper()
	tf, err := doc.CreateTokenField(fieldID)
	require.NoError(t, err)
	for _, s := range sections {
		sec := tf.CreateSection()
		sec.Length = s.length
		sec.Weight = s.weight
	}
}

func decode(t *testing.T, s *schema.Schema, doc *document.IndexDocument, index string) *sectionattr.InDocMultiSectionMeta {
	t.Helper()
	idx := s.Index(index)
	raw := doc.SectionAttribute(idx.ID)
	require.NotNil(t, raw, "index %s", index)
	v, err := attribute.NewConvertor().Decode(raw)
	require.NoError(t, err)
	meta := sectionattr.NewInDocMultiSectionMeta(idx.SectionAttributeConfig(), idx)
	require.NoError(t, meta.Unpack(v.Data))
	return meta
}

func TestInit(t *testing.T) {
	a := New()
	assert.True(t, a.Init(loadSchema(t)))

	plain, err := schema.Parse([]byte(`
fields: [{name: body}]
indexes: [{name: body_text, type: text, fields: [body]}]
`))
	require.NoError(t, err)
	assert.False(t, New().Init(plain))
}

func TestAppendSectionAttribute_PackOrderAndDeltas(t *testing.T) {
	s := loadSchema(t)
	a := New()
	require.True(t, a.Init(s))

	doc := document.NewIndexDocument()
	// abstract is missing and title comes after body in insertion order
	addField(t, doc, s.FieldID("body"), section{length: 3}, section{length: 4, weight: 9})
	addField(t, doc, s.FieldID("title"), section{length: 5, weight: 1})
	_, err := doc.CreateField(s.FieldID("tag"), document.TagNullField)
	require.NoError(t, err)

	ok, err := a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Index("lite").ID, doc.MaxIndexIDInSectionAttribute())

	meta := decode(t, s, doc, "phrase")
	require.Equal(t, 3, meta.SectionCount())
	assert.Equal(t, uint8(0), meta.FieldID(0))
	assert.Equal(t, uint8(2), meta.FieldID(1))
	assert.Equal(t, uint8(2), meta.FieldID(2))
	assert.Equal(t, uint16(5), meta.SectionLenByFieldID(s.FieldID("title"), 0))
	assert.Equal(t, uint16(9), meta.SectionWeightByFieldID(s.FieldID("body"), 1))
	assert.Equal(t, 0, meta.SectionCountInField(1))
	assert.Equal(t, uint32(7), meta.FieldLenByFieldID(s.FieldID("body")))

	lite := decode(t, s, doc, "lite")
	require.Equal(t, 3, lite.SectionCount())
	assert.Zero(t, lite.FieldID(2), "no field id stream")
	assert.Zero(t, lite.MultiSectionMeta.SectionWeight(0), "no weight stream")
	assert.Equal(t, uint16(4), lite.MultiSectionMeta.SectionLen(2))
}

func TestAppendSectionAttribute_Idempotent(t *testing.T) {
	s := loadSchema(t)
	a := New()
	a.Init(s)

	doc := document.NewIndexDocument()
	addField(t, doc, s.FieldID("title"), section{length: 2})
	ok, err := a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	require.True(t, ok)
	first := append([]byte(nil), doc.SectionAttribute(s.Index("phrase").ID)...)

	addField(t, doc, s.FieldID("body"), section{length: 8})
	ok, err = a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, first, doc.SectionAttribute(s.Index("phrase").ID))
}

func TestAppendSectionAttribute_Overflow(t *testing.T) {
	s := loadSchema(t)
	a := New()
	a.Init(s)

	doc := document.NewIndexDocument()
	title := make([]section, sectionattr.MaxSectionCountPerDoc-1)
	for i := range title {
		title[i] = section{length: 1}
	}
	addField(t, doc, s.FieldID("title"), title...)
	addField(t, doc, s.FieldID("body"), section{length: 2}, section{length: 3})

	ok, err := a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), a.OverflowCount(), "both pack indexes truncate")

	meta := decode(t, s, doc, "phrase")
	require.Equal(t, sectionattr.MaxSectionCountPerDoc, meta.SectionCount())
	assert.Equal(t, 1, meta.SectionCountInField(2))
	assert.Equal(t, uint16(2), meta.SectionLen(2, 0))
}

func TestAppendSectionAttribute_TooLargeIsSkipped(t *testing.T) {
	s := loadSchema(t)
	a := New()
	a.Init(s)

	doc := document.NewIndexDocument()
	big := make([]section, sectionattr.MaxSectionCountPerDoc)
	for i := range big {
		big[i] = section{length: sectionattr.MaxSectionLength, weight: 60000}
	}
	addField(t, doc, s.FieldID("body"), big...)

	ok, err := a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, doc.SectionAttribute(s.Index("phrase").ID))
	assert.Equal(t, int64(1), a.SkippedCount())
	assert.NotNil(t, doc.SectionAttribute(s.Index("lite").ID), "lengths alone still fit")
}

func TestAppendSectionAttribute_FieldVariantMismatch(t *testing.T) {
	s := loadSchema(t)
	a := New()
	a.Init(s)

	doc := document.NewIndexDocument()
	_, err := doc.CreateField(s.FieldID("title"), document.TagRawField)
	require.NoError(t, err)
	_, err = a.AppendSectionAttribute(doc)
	require.ErrorIs(t, err, sperrors.ErrFieldVariant)
}

func TestAppendSectionAttribute_NothingAttached(t *testing.T) {
	s, err := schema.Parse([]byte(`
fields: [{name: title}, {name: body}]
indexes:
  - name: phrase
    type: pack
    fields: [title, body]
    sectionAttribute: {hasFieldId: true, hasSectionWeight: true}
`))
	require.NoError(t, err)
	a := New()
	require.True(t, a.Init(s))

	doc := document.NewIndexDocument()
	big := make([]section, sectionattr.MaxSectionCountPerDoc)
	for i := range big {
		big[i] = section{length: sectionattr.MaxSectionLength, weight: 60000}
	}
	addField(t, doc, s.FieldID("body"), big...)

	ok, err := a.AppendSectionAttribute(doc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, document.InvalidIndexID, doc.MaxIndexIDInSectionAttribute())
	assert.Equal(t, int64(1), a.SkippedCount())
}

func TestClone_Concurrent(t *testing.T) {
	s := loadSchema(t)
	base := New()
	base.Init(s)

	const workers, sections = 8, 700
	sectionLen := func(i, j int) uint16 { return uint16((i*31+j*7)%sectionattr.MaxSectionLength + 1) }
	docs := make([]*document.IndexDocument, 256)
	for i := range docs {
		docs[i] = document.NewIndexDocument()
		title := make([]section, sections)
		for j := range title {
			title[j] = section{length: sectionLen(i, j), weight: uint16(i + j)}
		}
		addField(t, docs[i], s.FieldID("title"), title...)
		addField(t, docs[i], s.FieldID("body"), section{length: 1, weight: uint16(i)})
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(a *SectionAttributeAppender, w int) {
			defer wg.Done()
			for i := w; i < len(docs); i += workers {
				_, err := a.AppendSectionAttribute(docs[i])
				assert.NoError(t, err)
			}
		}(base.Clone(), w)
	}
	wg.Wait()

	for i, doc := range docs {
		meta := decode(t, s, doc, "phrase")
		require.Equal(t, sections+1, meta.SectionCount(), "doc %d", i)
		for j := 0; j < sections; j++ {
			require.Equal(t, sectionLen(i, j), meta.SectionLen(0, j), "doc %d section %d", i, j)
			require.Equal(t, uint16(i+j), meta.SectionWeight(0, j), "doc %d section %d", i, j)
		}
		assert.Equal(t, uint16(i), meta.SectionWeight(2, 0))
	}
}
