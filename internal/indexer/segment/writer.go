package segment

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/quota"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// MagicBytes identifies a valid .spdx segment file.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 64
	FooterSize    int    = 32
)

// Block kinds.
const (
	BlockAttribute        = "attribute"
	BlockPackAttribute    = "pack_attribute"
	BlockSectionAttribute = "section_attribute"
	BlockSummary          = "summary"
	BlockSource           = "source"
	BlockDeletion         = "deletion"
	BlockPrimaryKey       = "primary_key"
)

// SegmentHeader is the 64-byte header written at the start of every segment.
type SegmentHeader struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	DictOffset int64
	DictSize   int64
	PostOffset int64
	PostSize   int64
	CreatedAt  int64
	BaseDocID  int32
}

func (h SegmentHeader) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.DictSize))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint32(b[56:60], uint32(h.BaseDocID))
	return b
}

func decodeHeader(b []byte) SegmentHeader {
	return SegmentHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		TermCount:  binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		DictOffset: int64(binary.LittleEndian.Uint64(b[16:24])),
		DictSize:   int64(binary.LittleEndian.Uint64(b[24:32])),
		PostOffset: int64(binary.LittleEndian.Uint64(b[32:40])),
		PostSize:   int64(binary.LittleEndian.Uint64(b[40:48])),
		CreatedAt:  int64(binary.LittleEndian.Uint64(b[48:56])),
		BaseDocID:  int32(binary.LittleEndian.Uint32(b[56:60])),
	}
}

// DictEntry maps a term hash to its postings offset, length, and document
// frequency relative to the postings region.
type DictEntry struct {
	Term       uint64 `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// IndexDict is the sorted term dictionary of one index shard.
type IndexDict struct {
	Name       string      `json:"name"`
	ID         int32       `json:"id"`
	Shard      int         `json:"shard"`
	ShardCount int         `json:"shardCount"`
	Terms      []DictEntry `json:"terms"`
}

// BlockEntry locates a framed data block by absolute file offset.
type BlockEntry struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset int64  `json:"o"`
	Len    int    `json:"l"`
	Codec  Codec  `json:"codec"`
}

// Dictionary is the JSON trailer describing every region of a segment.
type Dictionary struct {
	BaseDocID int32        `json:"baseDocId"`
	DocCount  int32        `json:"docCount"`
	Indexes   []IndexDict  `json:"indexes"`
	Blocks    []BlockEntry `json:"blocks"`
}

// Writer serialises building segments into new .spdx segment files.
type Writer struct {
	dataDir  string
	throttle *quota.IOThrottle
}

// NewWriter creates a Writer that writes segments into the given directory.
// A nil throttle writes unthrottled.
func NewWriter(dataDir string, throttle *quota.IOThrottle) *Writer {
	if throttle == nil {
		throttle = quota.NewIOThrottle(0)
	}
	return &Writer{dataDir: dataDir, throttle: throttle}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Write atomically creates a new segment file from seg. Primary keys that
// point into seg are stored alongside. It writes to a .tmp file first and
// renames on success.
func (w *Writer) Write(ctx context.Context, seg *BuildingSegment, pks *PrimaryKeyIndex) (string, error) {
	docCount := seg.DocCount()
	if docCount == 0 {
		return "", fmt.Errorf("cannot write empty segment: %w", sperrors.ErrInvalidInput)
	}
	segmentName := fmt.Sprintf("seg_%d_%d.spdx", seg.BaseDocID(), time.Now().UnixNano())
	finalPath := filepath.Join(w.dataDir, segmentName)
	tmpPath := finalPath + ".tmp"

	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return "", fmt.Errorf("creating segment directory: %w", err)
	}
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp segment file: %w", err)
	}
	defer f.Close()
	cw := &countingWriter{w: w.throttle.Writer(ctx, f)}

	header := SegmentHeader{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		DocCount:  uint32(docCount),
		CreatedAt: time.Now().Unix(),
		BaseDocID: seg.BaseDocID(),
	}
	if _, err := cw.Write(header.encode()); err != nil {
		return "", fmt.Errorf("writing header: %w", err)
	}

	dict := Dictionary{BaseDocID: seg.BaseDocID(), DocCount: docCount}
	postingsStart := cw.n
	for _, idx := range seg.Schema().Indexes {
		if idx.IsPrimaryKey() {
			continue
		}
		for shard := 0; shard < idx.Shards(); shard++ {
			entries := seg.IndexWriter(idx.ID, shard).Snapshot()
			id := IndexDict{Name: idx.Name, ID: idx.ID, Shard: shard, ShardCount: idx.Shards(), Terms: make([]DictEntry, 0, len(entries))}
			for _, entry := range entries {
				relativeOffset := cw.n - postingsStart
				postingsData, err := json.Marshal(entry.Postings)
				if err != nil {
					return "", fmt.Errorf("marshaling postings for term %x: %w", entry.Term, err)
				}
				if _, err := cw.Write(postingsData); err != nil {
					return "", fmt.Errorf("writing postings for term %x: %w", entry.Term, err)
				}
				id.Terms = append(id.Terms, DictEntry{
					Term:       entry.Term,
					PostOffset: relativeOffset,
					PostLen:    len(postingsData),
					DocFreq:    len(entry.Postings),
				})
				header.TermCount++
			}
			dict.Indexes = append(dict.Indexes, id)
		}
	}
	postingsSize := cw.n - postingsStart

	writeBlock := func(name, kind string, codec Codec, data []byte) error {
		block, err := compressBlock(data, codec)
		if err != nil {
			return fmt.Errorf("compressing block %s: %w", name, err)
		}
		offset := cw.n
		if _, err := cw.Write(block); err != nil {
			return fmt.Errorf("writing block %s: %w", name, err)
		}
		dict.Blocks = append(dict.Blocks, BlockEntry{Name: name, Kind: kind, Offset: offset, Len: len(block), Codec: codec})
		return nil
	}
	writeColumn := func(name, kind string, codec Codec, col *attribute.Writer) error {
		data, err := json.Marshal(col.Snapshot())
		if err != nil {
			return fmt.Errorf("marshaling column %s: %w", name, err)
		}
		return writeBlock(name, kind, codec, data)
	}

	s := seg.Schema()
	for _, attr := range s.Attributes {
		if err := writeColumn(attr.Name, BlockAttribute, CodecNone, seg.AttributeWriter(attr.ID)); err != nil {
			return "", err
		}
	}
	for _, pack := range s.PackAttributes {
		if err := writeColumn(pack.Name, BlockPackAttribute, CodecNone, seg.PackAttributeWriter(pack.ID)); err != nil {
			return "", err
		}
	}
	for _, idx := range s.IndexesWithSectionAttribute() {
		if err := writeColumn(idx.Name, BlockSectionAttribute, CodecLZ4, seg.SectionAttributeWriter(idx.ID)); err != nil {
			return "", err
		}
	}
	if col := seg.SummaryWriter(); col != nil {
		if err := writeColumn(BlockSummary, BlockSummary, CodecLZ4, col); err != nil {
			return "", err
		}
	}
	if col := seg.SourceWriter(); col != nil {
		if err := writeColumn(BlockSource, BlockSource, CodecZstd, col); err != nil {
			return "", err
		}
	}
	deletion, err := seg.DeletionMap().ToBytes()
	if err != nil {
		return "", fmt.Errorf("serializing deletion map: %w", err)
	}
	if err := writeBlock(BlockDeletion, BlockDeletion, CodecNone, deletion); err != nil {
		return "", err
	}
	if pks != nil {
		keys, err := json.Marshal(pks.Range(seg.BaseDocID(), docCount))
		if err != nil {
			return "", fmt.Errorf("marshaling primary keys: %w", err)
		}
		if err := writeBlock(BlockPrimaryKey, BlockPrimaryKey, CodecZstd, keys); err != nil {
			return "", err
		}
	}

	dictStart := cw.n
	dictData, err := json.Marshal(dict)
	if err != nil {
		return "", fmt.Errorf("marshaling dictionary: %w", err)
	}
	if _, err := cw.Write(dictData); err != nil {
		return "", fmt.Errorf("writing dictionary: %w", err)
	}
	dictSize := cw.n - dictStart
	checksum := crc32.ChecksumIEEE(dictData)
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], checksum)
	binary.LittleEndian.PutUint32(footer[4:8], uint32(docCount))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dictStart))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(dictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(postingsSize))
	if _, err := cw.Write(footer); err != nil {
		return "", fmt.Errorf("writing footer: %w", err)
	}

	header.DictOffset = dictStart
	header.DictSize = dictSize
	header.PostOffset = postingsStart
	header.PostSize = postingsSize
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		return "", fmt.Errorf("updating header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("syncing segment file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming segment file: %w", err)
	}
	return segmentName, nil
}

// sortedTerms reports whether a dictionary shard is ordered for binary
// search.
func sortedTerms(terms []DictEntry) bool {
	return sort.SliceIsSorted(terms, func(i, j int) bool {
		return terms[i].Term < terms[j].Term
	})
}
