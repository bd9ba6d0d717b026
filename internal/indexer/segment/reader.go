package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/sectionattr"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

type Reader struct {
	file     *os.File
	filePath string
	header   SegmentHeader
	dict     Dictionary
	postBase int64

	mu      sync.Mutex
	columns map[string][][]byte
	deleted *roaring.Bitmap
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	header := decodeHeader(headerBytes)
	if header.Magic != MagicBytes {
		f.Close()
		return nil, sperrors.Corruptionf("invalid segment file: bad magic bytes %x", header.Magic)
	}
	if header.Version != FormatVersion {
		f.Close()
		return nil, sperrors.Corruptionf("unsupported segment version %d", header.Version)
	}
	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.DictOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, header.DictOffset+header.DictSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if sum := binary.LittleEndian.Uint32(footer[0:4]); sum != crc32.ChecksumIEEE(dictBytes) {
		f.Close()
		return nil, sperrors.Corruptionf("dictionary checksum mismatch in %s", path)
	}
	var dict Dictionary
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}
	for _, id := range dict.Indexes {
		if !sortedTerms(id.Terms) {
			f.Close()
			return nil, sperrors.Corruptionf("index %s shard %d: unsorted dictionary", id.Name, id.Shard)
		}
	}
	return &Reader{
		file:     f,
		filePath: path,
		header:   header,
		dict:     dict,
		postBase: header.PostOffset,
		columns:  make(map[string][][]byte),
	}, nil
}

func (r *Reader) indexDict(name string, termHash uint64) *IndexDict {
	for i := range r.dict.Indexes {
		id := &r.dict.Indexes[i]
		if id.Name == name && id.Shard == index.ShardOf(termHash, id.ShardCount) {
			return id
		}
	}
	return nil
}

// Search returns the postings of termHash in the named index.
func (r *Reader) Search(indexName string, termHash uint64) (index.PostingList, error) {
	id := r.indexDict(indexName, termHash)
	if id == nil {
		return nil, nil
	}
	idx := sort.Search(len(id.Terms), func(i int) bool {
		return id.Terms[i].Term >= termHash
	})
	if idx >= len(id.Terms) || id.Terms[idx].Term != termHash {
		return nil, nil
	}
	entry := id.Terms[idx]
	postingsBytes := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(postingsBytes, r.postBase+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	var postings index.PostingList
	if err := json.Unmarshal(postingsBytes, &postings); err != nil {
		return nil, fmt.Errorf("parsing postings: %w", err)
	}
	return postings, nil
}

func (r *Reader) block(kind, name string) (BlockEntry, bool) {
	for _, b := range r.dict.Blocks {
		if b.Kind == kind && b.Name == name {
			return b, true
		}
	}
	return BlockEntry{}, false
}

func (r *Reader) readBlock(b BlockEntry) ([]byte, error) {
	raw := make([]byte, b.Len)
	if _, err := r.file.ReadAt(raw, b.Offset); err != nil {
		return nil, fmt.Errorf("reading block %s: %w", b.Name, err)
	}
	data, err := decompressBlock(raw, b.Codec)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", b.Name, err)
	}
	return data, nil
}

func (r *Reader) column(kind, name string) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kind + "/" + name
	if col, ok := r.columns[key]; ok {
		return col, nil
	}
	b, ok := r.block(kind, name)
	if !ok {
		return nil, nil
	}
	data, err := r.readBlock(b)
	if err != nil {
		return nil, err
	}
	var col [][]byte
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, sperrors.Corruptionf("parsing column %s: %v", name, err)
	}
	r.columns[key] = col
	return col, nil
}

func (r *Reader) columnValue(kind, name string, docID int32) ([]byte, bool, error) {
	col, err := r.column(kind, name)
	if err != nil {
		return nil, false, err
	}
	local := int(docID - r.dict.BaseDocID)
	if local < 0 || local >= len(col) || col[local] == nil {
		return nil, false, nil
	}
	return col[local], true, nil
}

// Attribute returns the stored value of a single-field attribute.
func (r *Reader) Attribute(name string, docID int32) ([]byte, bool, error) {
	return r.columnValue(BlockAttribute, name, docID)
}

// PackAttribute returns the packed value of a pack attribute.
func (r *Reader) PackAttribute(name string, docID int32) ([]byte, bool, error) {
	return r.columnValue(BlockPackAttribute, name, docID)
}

// Summary returns the encoded summary of docID.
func (r *Reader) Summary(docID int32) ([]byte, bool, error) {
	return r.columnValue(BlockSummary, BlockSummary, docID)
}

// Source returns the raw source of docID.
func (r *Reader) Source(docID int32) ([]byte, bool, error) {
	return r.columnValue(BlockSource, BlockSource, docID)
}

// SectionAttributeSource serves the dumped section attributes of a pack
// index.
func (r *Reader) SectionAttributeSource(indexName string) sectionattr.AttributeSource {
	return &segmentSource{r: r, name: indexName}
}

type segmentSource struct {
	r    *Reader
	name string
}

func (s *segmentSource) Get(docID int32) ([]byte, bool, error) {
	return s.r.columnValue(BlockSectionAttribute, s.name, docID)
}

func (r *Reader) IsDeleted(docID int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted == nil {
		b, ok := r.block(BlockDeletion, BlockDeletion)
		bm := roaring.New()
		if ok {
			data, err := r.readBlock(b)
			if err != nil {
				return false, err
			}
			if err := bm.UnmarshalBinary(data); err != nil {
				return false, sperrors.Corruptionf("deletion map: %v", err)
			}
		}
		r.deleted = bm
	}
	local := docID - r.dict.BaseDocID
	if local < 0 {
		return false, nil
	}
	return r.deleted.Contains(uint32(local)), nil
}

// PrimaryKeys returns the hashed primary keys stored with the segment.
func (r *Reader) PrimaryKeys() (map[uint64]int32, error) {
	b, ok := r.block(BlockPrimaryKey, BlockPrimaryKey)
	if !ok {
		return nil, nil
	}
	data, err := r.readBlock(b)
	if err != nil {
		return nil, err
	}
	keys := make(map[uint64]int32)
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parsing primary keys: %w", err)
	}
	return keys, nil
}

func (r *Reader) Terms() int {
	return int(r.header.TermCount)
}

func (r *Reader) DocCount() uint32 {
	return r.header.DocCount
}

func (r *Reader) BaseDocID() int32 {
	return r.header.BaseDocID
}

func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) Path() string {
	return r.filePath
}
