package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/tokenizer"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const testSchema = `
fields: [{name: url}, {name: title}, {name: body}, {name: price}, {name: tag}]
indexes:
  - {name: pk, type: primarykey, fields: [url]}
  - {name: phrase, type: pack, fields: [title, body], sectionAttribute: {hasFieldId: true}}
  - {name: tag, type: string, fields: [tag]}
attributes:
  - {name: price, field: price, updatable: true}
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

type fakeAdder struct {
	docs []*document.Document
	err  error
}

func (f *fakeAdder) Add(_ context.Context, doc *document.Document) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

func tokenField(t *testing.T, doc *document.Document, fid int32) *document.TokenField {
	t.Helper()
	f := doc.Index.Field(fid)
	require.NotNil(t, f)
	tf, err := document.AsTokenField(f)
	require.NoError(t, err)
	return tf
}

func TestToDocument_Add(t *testing.T) {
	s := loadSchema(t)
	conv := NewConverter(s)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc, err := conv.ToDocument(&DocumentEvent{
		Op:         "add",
		PrimaryKey: "u1",
		Fields: map[string]string{
			"title": "distributed search",
			"body":  "",
			"price": "42",
			"tag":   "Go-Lang",
		},
		Weights:    map[string]uint16{"title": 3},
		Source:     []byte(`{"url":"u1"}`),
		IngestedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, document.OpAdd, doc.Op)
	assert.Equal(t, "u1", doc.PrimaryKey())
	assert.Equal(t, at.UnixMilli(), doc.Timestamp)

	title := tokenField(t, doc, s.FieldID("title"))
	require.Equal(t, 1, title.SectionCount())
	assert.Equal(t, uint16(3), title.Section(0).Weight)
	want := tokenizer.Tokenize("distributed search")
	require.Len(t, title.Section(0).Tokens(), len(want))
	assert.Equal(t, document.TermHash(want[len(want)-1].Term), title.Section(0).Tokens()[len(want)-1].HashKey)

	assert.Equal(t, document.TagNullField, doc.Index.Field(s.FieldID("body")).Tag())

	tag := tokenField(t, doc, s.FieldID("tag"))
	require.Equal(t, 1, tag.SectionCount())
	require.Len(t, tag.Section(0).Tokens(), 1)
	assert.Equal(t, document.TermHash("Go-Lang"), tag.Section(0).Tokens()[0].HashKey)
	assert.Equal(t, uint16(1), tag.Section(0).Weight)

	price, ok := doc.Attribute.Field(s.FieldID("price"))
	require.True(t, ok)
	assert.Equal(t, "42", string(price))
	summary, ok := doc.Summary.Field(s.FieldID("title"))
	require.True(t, ok)
	assert.Equal(t, "distributed search", string(summary))
	assert.JSONEq(t, `{"url":"u1"}`, string(doc.Source))
}

func TestToDocument_UpdateAndDelete(t *testing.T) {
	s := loadSchema(t)
	conv := NewConverter(s)

	doc, err := conv.ToDocument(&DocumentEvent{
		Op:         "update",
		PrimaryKey: "u1",
		Fields:     map[string]string{"price": "7", "title": "ignored"},
		ModifiedTerms: []ModifiedTerm{
			{Field: "title", Term: "Golang", Op: "add"},
			{Field: "tag", Term: "Go-Lang", Op: "remove"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, document.OpUpdateField, doc.Op)
	assert.Nil(t, doc.Index.Field(s.FieldID("title")))
	price, ok := doc.Attribute.Field(s.FieldID("price"))
	require.True(t, ok)
	assert.Equal(t, "7", string(price))
	assert.Equal(t, []document.ModifiedToken{
		{FieldID: s.FieldID("title"), TermHash: document.TermHash("golang"), Op: document.ModifyAdd},
		{FieldID: s.FieldID("tag"), TermHash: document.TermHash("Go-Lang"), Op: document.ModifyRemove},
	}, doc.Index.ModifiedTokens())

	doc, err = conv.ToDocument(&DocumentEvent{Op: "delete", PrimaryKey: "u1", Fields: map[string]string{"nope": "x"}})
	require.NoError(t, err)
	assert.Equal(t, document.OpDelete, doc.Op)
	assert.Zero(t, doc.Attribute.Len())
}

func TestToDocument_Malformed(t *testing.T) {
	conv := NewConverter(loadSchema(t))
	cases := map[string]*DocumentEvent{
		"unknown op":        {Op: "upsert", PrimaryKey: "u1"},
		"missing pk":        {Op: "add"},
		"unknown field":     {Op: "add", PrimaryKey: "u1", Fields: map[string]string{"nope": "x"}},
		"unindexed term":    {Op: "update", PrimaryKey: "u1", ModifiedTerms: []ModifiedTerm{{Field: "price", Term: "x"}}},
		"unknown modify op": {Op: "update", PrimaryKey: "u1", ModifiedTerms: []ModifiedTerm{{Field: "title", Term: "x", Op: "flip"}}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := conv.ToDocument(ev)
			require.ErrorIs(t, err, sperrors.ErrInvalidInput)
		})
	}
}

func TestHandleMessage(t *testing.T) {
	s := loadSchema(t)
	adder := &fakeAdder{}
	handle := HandleMessage(adder, s)
	ctx := context.Background()

	require.NoError(t, handle(ctx, []byte("u1"), []byte(`{"op":"add","primaryKey":"u1","fields":{"title":"kafka"}}`)))
	require.Len(t, adder.docs, 1)
	assert.Equal(t, "u1", adder.docs[0].PrimaryKey())

	err := handle(ctx, []byte("bad"), []byte(`{not json`))
	require.ErrorIs(t, err, sperrors.ErrInvalidInput)

	adder.err = errors.New("builder closed")
	err = handle(ctx, []byte("u2"), []byte(`{"op":"delete","primaryKey":"u2"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, sperrors.ErrInvalidInput)
}
