package segment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/quota"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const testSchema = `
fields: [{name: url}, {name: title}, {name: body}, {name: price}]
indexes:
  - {name: pk, type: primarykey, fields: [url]}
  - name: phrase
    type: pack
    fields: [title, body]
    shardCount: 2
    sectionAttribute: {hasFieldId: true, hasSectionWeight: true}
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

func encoded(v string) []byte {
	return attribute.NewConvertor().Encode(nil, []byte(v))
}

func TestCompressBlock(t *testing.T) {
	repetitive := bytes.Repeat([]byte("search index builder "), 200)
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		t.Run(string(codec), func(t *testing.T) {
			block, err := compressBlock(repetitive, codec)
			require.NoError(t, err)
			if codec != CodecNone {
				assert.Less(t, len(block), len(repetitive))
			}
			out, err := decompressBlock(block, codec)
			require.NoError(t, err)
			assert.Equal(t, repetitive, out)
		})
	}

	t.Run("tiny input stored raw", func(t *testing.T) {
		block, err := compressBlock([]byte("ab"), CodecZstd)
		require.NoError(t, err)
		assert.Len(t, block, blockHeaderSize+2)
		out, err := decompressBlock(block, CodecZstd)
		require.NoError(t, err)
		assert.Equal(t, []byte("ab"), out)
	})

	t.Run("truncated", func(t *testing.T) {
		block, err := compressBlock(repetitive, CodecLZ4)
		require.NoError(t, err)
		_, err = decompressBlock(block[:len(block)-1], CodecLZ4)
		assert.ErrorIs(t, err, sperrors.ErrCorruption)
		_, err = decompressBlock(block[:3], CodecLZ4)
		assert.ErrorIs(t, err, sperrors.ErrCorruption)
	})
}

func TestBuildingSegment_Writers(t *testing.T) {
	s := loadSchema(t)
	seg := NewBuildingSegment(s, 100)

	assert.Nil(t, seg.IndexWriter(s.PrimaryKeyIndex().ID, 0), "primary key has no inverted index")
	phrase := s.Index("phrase")
	assert.NotNil(t, seg.IndexWriter(phrase.ID, 1))
	assert.Nil(t, seg.IndexWriter(phrase.ID, 2))
	assert.NotNil(t, seg.SectionAttributeWriter(phrase.ID))
	assert.NotNil(t, seg.AttributeWriter(s.Attribute("price").ID))
	assert.NotNil(t, seg.SummaryWriter())
	assert.NotNil(t, seg.SourceWriter())

	assert.Equal(t, int32(100), seg.AllocateDocID())
	assert.Equal(t, int32(101), seg.AllocateDocID())
	assert.True(t, seg.Contains(101))
	assert.False(t, seg.Contains(102))
	assert.False(t, seg.Contains(99))
	assert.Equal(t, 1, seg.LocalID(101))

	assert.True(t, seg.Delete(101))
	assert.False(t, seg.Delete(5))
	assert.True(t, seg.IsDeleted(101))
	assert.False(t, seg.IsDeleted(100))
	assert.Equal(t, uint64(1), seg.DeletedCount())

	require.NoError(t, seg.SectionAttributeWriter(phrase.ID).Add(0, encoded("sa")))
	src := seg.SectionAttributeSource(phrase.ID)
	got, ok, err := src.Get(100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("sa"), got)
	_, ok, err = src.Get(102)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, seg.MemoryUse())
}

func TestPrimaryKeyIndex(t *testing.T) {
	pks := NewPrimaryKeyIndex()
	assert.Equal(t, document.InvalidDocID, pks.Insert("a", 1))
	assert.Equal(t, int32(1), pks.Insert("a", 7))
	pks.Insert("b", 3)

	id, ok := pks.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int32(7), id)
	assert.Len(t, pks.Range(0, 5), 1)

	id, ok = pks.Delete("b")
	require.True(t, ok)
	assert.Equal(t, int32(3), id)
	_, ok = pks.Lookup("b")
	assert.False(t, ok)

	other := NewPrimaryKeyIndex()
	other.Load(pks.Range(0, 10))
	assert.Equal(t, 1, other.Len())
}

func TestModifier(t *testing.T) {
	m := NewModifier(10)
	assert.True(t, m.Covers(9))
	assert.False(t, m.Covers(10))

	require.NoError(t, m.UpdateAttribute("price", 3, encoded("42")))
	require.Error(t, m.UpdateAttribute("price", 11, encoded("1")))
	require.Error(t, m.UpdateAttribute("price", 3, []byte{1}))
	data, ok := m.AttributePatch("price", 3)
	require.True(t, ok)
	assert.Equal(t, []byte("42"), data)

	tokens := []document.ModifiedToken{{FieldID: 1, TermHash: document.TermHash("x"), Op: document.ModifyAdd}}
	assert.Equal(t, 1, m.UpdateTokens(1, 4, tokens))
	assert.Zero(t, m.UpdateTokens(1, 40, tokens))
	assert.True(t, m.Delete(5))
	assert.False(t, m.Delete(50))

	updated := m.UpdatedDocs()
	assert.Equal(t, uint64(2), updated.GetCardinality())
	assert.True(t, updated.Contains(3))
	assert.True(t, updated.Contains(4))

	m.SetBuiltLimit(5)
	assert.Equal(t, int32(10), m.BuiltLimit(), "limit never shrinks")
	m.SetBuiltLimit(20)
	assert.True(t, m.Covers(15))

	path := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, m.WriteFile(path))
	loaded, err := LoadModifier(path)
	require.NoError(t, err)
	assert.Equal(t, int32(20), loaded.BuiltLimit())
	assert.True(t, loaded.IsDeleted(5))
	assert.Equal(t, uint64(1), loaded.DeletedCount())
	data, ok = loaded.AttributePatch("price", 3)
	require.True(t, ok)
	assert.Equal(t, []byte("42"), data)
	require.Len(t, loaded.TokenPatches(1), 1)
	assert.Equal(t, tokens, loaded.TokenPatches(1)[0].Tokens)
}

func fillSegment(t *testing.T, s *schema.Schema, seg *BuildingSegment, pks *PrimaryKeyIndex) {
	t.Helper()
	phrase := s.Index("phrase")
	formatter := sectionattr.NewFormatter(phrase.SectionAttributeConfig())
	buf := make([]byte, sectionattr.DataSliceLen)

	for i, text := range []string{"go search", "search engine"} {
		docID := seg.AllocateDocID()
		pks.Insert(text, docID)
		local := seg.LocalID(docID)

		doc := document.NewIndexDocument()
		tf, err := doc.CreateTokenField(s.FieldID("title"))
		require.NoError(t, err)
		sec := tf.CreateSection()
		for j, term := range bytes.Fields([]byte(text)) {
			inc := uint32(1)
			if j == 0 {
				inc = 0
			}
			sec.CreateToken(document.TermHash(string(term)), inc, 0)
			sec.Length++
		}
		for shard := 0; shard < phrase.Shards(); shard++ {
			require.NoError(t, seg.IndexWriter(phrase.ID, shard).AddDocument(docID, doc, phrase.FieldIDs()))
		}

		n, err := formatter.EncodeToBuffer([]uint16{sec.Length}, []uint8{0}, []uint16{uint16(i + 1)}, buf)
		require.NoError(t, err)
		require.NoError(t, seg.SectionAttributeWriter(phrase.ID).Add(local, encoded(string(buf[:n]))))
		require.NoError(t, seg.AttributeWriter(s.Attribute("price").ID).Add(local, encoded(string(rune('0'+i)))))
		require.NoError(t, seg.SummaryWriter().Add(local, encoded("summary of "+text)))
		require.NoError(t, seg.SourceWriter().Add(local, encoded(`{"text":"`+text+`"}`)))
	}
	seg.Delete(seg.BaseDocID() + 1)
}

func TestWriterReader_RoundTrip(t *testing.T) {
	s := loadSchema(t)
	seg := NewBuildingSegment(s, 10)
	pks := NewPrimaryKeyIndex()
	fillSegment(t, s, seg, pks)

	dir := t.TempDir()
	name, err := NewWriter(dir, quota.NewIOThrottle(1<<20)).Write(context.Background(), seg, pks)
	require.NoError(t, err)

	r, err := OpenReader(filepath.Join(dir, name))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(2), r.DocCount())
	assert.Equal(t, int32(10), r.BaseDocID())
	assert.Equal(t, 3, r.Terms())

	postings, err := r.Search("phrase", document.TermHash("search"))
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, int32(10), postings[0].DocID)
	assert.Equal(t, []int{1}, postings[0].Positions)
	assert.Equal(t, int32(11), postings[1].DocID)

	postings, err = r.Search("phrase", document.TermHash("absent"))
	require.NoError(t, err)
	assert.Nil(t, postings)
	postings, err = r.Search("nope", document.TermHash("search"))
	require.NoError(t, err)
	assert.Nil(t, postings)

	v, ok, err := r.Attribute("price", 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	v, ok, err = r.Summary(10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("summary of go search"), v)

	v, ok, err = r.Source(11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"text":"search engine"}`), v)

	_, ok, err = r.Source(12)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := r.IsDeleted(11)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = r.IsDeleted(10)
	require.NoError(t, err)
	assert.False(t, deleted)

	keys, err := r.PrimaryKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	sar, err := sectionattr.NewReader(s.Index("phrase"), r.SectionAttributeSource("phrase"))
	require.NoError(t, err)
	meta := sar.NewMeta()
	found, err := sar.Read(11, meta)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, meta.SectionCountInField(0))
	assert.Equal(t, uint16(2), meta.SectionLen(0, 0))
	assert.Equal(t, uint16(2), meta.SectionWeight(0, 0))
}

func TestWriter_EmptySegment(t *testing.T) {
	seg := NewBuildingSegment(loadSchema(t), 0)
	_, err := NewWriter(t.TempDir(), nil).Write(context.Background(), seg, nil)
	assert.ErrorIs(t, err, sperrors.ErrInvalidInput)
}

func TestOpenReader_Corruption(t *testing.T) {
	s := loadSchema(t)
	seg := NewBuildingSegment(s, 0)
	fillSegment(t, s, seg, NewPrimaryKeyIndex())
	dir := t.TempDir()
	name, err := NewWriter(dir, nil).Write(context.Background(), seg, nil)
	require.NoError(t, err)
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		p := filepath.Join(dir, "magic.spdx")
		require.NoError(t, os.WriteFile(p, bad, 0644))
		_, err := OpenReader(p)
		assert.ErrorIs(t, err, sperrors.ErrCorruption)
	})

	t.Run("dictionary checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		h := decodeHeader(bad[:HeaderSize])
		bad[h.DictOffset+1] ^= 0x01
		p := filepath.Join(dir, "crc.spdx")
		require.NoError(t, os.WriteFile(p, bad, 0644))
		_, err := OpenReader(p)
		assert.ErrorIs(t, err, sperrors.ErrCorruption)
	})

	t.Run("section attribute block", func(t *testing.T) {
		r, err := OpenReader(path)
		require.NoError(t, err)
		b, ok := r.block(BlockSectionAttribute, "phrase")
		require.True(t, ok)
		require.NoError(t, r.Close())

		bad := append([]byte(nil), data...)
		copy(bad[b.Offset+4:], []byte{0xff, 0xff, 0xff, 0x7f})
		p := filepath.Join(dir, "block.spdx")
		require.NoError(t, os.WriteFile(p, bad, 0644))
		r, err = OpenReader(p)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })

		sar, err := sectionattr.NewReader(s.Index("phrase"), r.SectionAttributeSource("phrase"))
		require.NoError(t, err)
		found, err := sar.Read(0, sar.NewMeta())
		assert.ErrorIs(t, err, sperrors.ErrCorruption)
		assert.False(t, found)
	})
}
