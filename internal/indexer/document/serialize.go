package document

import (
	"encoding/binary"
	"fmt"
	"sort"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// DocVersion is the current serialization version. Versions below
// firstTaggedVersion wrote no field tag byte; every field was a token field.
const (
	DocVersion         uint32 = 3
	firstTaggedVersion uint32 = 3
)

func errNegativeField(fieldID int32) error {
	return fmt.Errorf("field id %d: %w", fieldID, sperrors.ErrInvalidInput)
}

// Serialize appends the binary form of d to dst.
func (d *IndexDocument) Serialize(dst []byte) []byte {
	return d.serialize(dst, DocVersion)
}

func (d *IndexDocument) serialize(dst []byte, version uint32) []byte {
	w := writer{buf: dst}
	w.uvarint(uint64(version))
	w.varint(int64(d.docID))
	w.bytes([]byte(d.primaryKey))

	w.uvarint(uint64(len(d.fields)))
	for _, f := range d.fields {
		if f == nil {
			w.byte(0)
			continue
		}
		w.byte(1)
		if version >= firstTaggedVersion {
			w.byte(byte(f.Tag()))
		}
		w.varint(int64(f.FieldID()))
		switch v := f.(type) {
		case *TokenField:
			w.uvarint(uint64(v.SectionCount()))
			for _, s := range v.Sections() {
				w.uvarint(uint64(s.Length))
				w.uvarint(uint64(s.Weight))
				w.uvarint(uint64(len(s.tokens)))
				for _, tok := range s.tokens {
					w.uint64(tok.HashKey)
					w.uvarint(uint64(tok.PosIncrement))
					w.byte(tok.PosPayload)
				}
			}
		case *RawField:
			w.bytes(v.Data)
		case *NullField:
		}
	}

	writePayloads(&w, d.termPayloads, func(v uint32) uint64 { return uint64(v) })
	writePayloads(&w, d.docPayloads, func(v uint16) uint64 { return uint64(v) })

	w.uvarint(uint64(len(d.sectionAttributes)))
	for _, attr := range d.sectionAttributes {
		if attr == nil {
			w.byte(0)
			continue
		}
		w.byte(1)
		w.bytes(attr)
	}

	w.uvarint(uint64(len(d.modifiedTokens)))
	for _, mt := range d.modifiedTokens {
		w.varint(int64(mt.FieldID))
		w.uint64(mt.TermHash)
		w.byte(byte(mt.Op))
	}
	return w.buf
}

// writePayloads emits entries in hash order so equal documents serialize to
// equal bytes.
func writePayloads[V uint16 | uint32](w *writer, m map[uint64]V, widen func(V) uint64) {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	w.uvarint(uint64(len(keys)))
	for _, k := range keys {
		w.uint64(k)
		w.uvarint(widen(m[k]))
	}
}

// Deserialize replaces the contents of d with the document encoded in data.
func (d *IndexDocument) Deserialize(data []byte) error {
	d.Reset()
	r := reader{buf: data}
	version := uint32(r.uvarint())
	if r.err == nil && version > DocVersion {
		return sperrors.Corruptionf("unsupported document version %d", version)
	}
	d.docID = int32(r.varint())
	d.primaryKey = string(r.bytes())

	slots := r.count()
	for i := 0; i < slots && r.err == nil; i++ {
		if r.byte() == 0 {
			continue
		}
		tag := TagTokenField
		if version >= firstTaggedVersion {
			tag = FieldTag(r.byte())
		}
		rawID := r.varint()
		if r.err != nil {
			break
		}
		if rawID < 0 || rawID >= int64(slots) {
			return sperrors.Corruptionf("field id %d outside %d slots", rawID, slots)
		}
		fieldID := int32(rawID)
		f, err := d.CreateField(fieldID, tag)
		if err != nil {
			return fmt.Errorf("deserializing field slot %d: %w", i, err)
		}
		switch v := f.(type) {
		case *TokenField:
			sections := r.count()
			for j := 0; j < sections && r.err == nil; j++ {
				s := v.CreateSection()
				s.Length = uint16(r.uvarint())
				s.Weight = uint16(r.uvarint())
				tokens := r.count()
				for k := 0; k < tokens && r.err == nil; k++ {
					hash := r.uint64()
					inc := uint32(r.uvarint())
					s.CreateToken(hash, inc, r.byte())
				}
			}
		case *RawField:
			v.Data = append(v.Data[:0], r.bytes()...)
		case *NullField:
		}
	}

	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		k := r.uint64()
		d.SetTermPayloadByHash(k, uint32(r.uvarint()))
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		k := r.uint64()
		d.SetDocPayloadByHash(k, uint16(r.uvarint()))
	}

	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		if r.byte() == 0 {
			continue
		}
		d.SetSectionAttribute(int32(i), append([]byte(nil), r.bytes()...))
	}

	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		fid := int32(r.varint())
		hash := r.uint64()
		d.AddModifiedToken(fid, hash, ModifyOp(r.byte()))
	}

	if r.err != nil {
		return fmt.Errorf("deserializing index document: %w", r.err)
	}
	if r.off != len(r.buf) {
		return sperrors.Corruptionf("%d trailing bytes after index document", len(r.buf)-r.off)
	}
	return nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte)      { w.buf = append(w.buf, b) }
func (w *writer) uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }
func (w *writer) varint(v int64)   { w.buf = binary.AppendVarint(w.buf, v) }
func (w *writer) uint64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// reader records the first decode failure and returns zero values after it.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = sperrors.Corruptionf("truncated %s at offset %d", what, r.off)
	}
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("byte")
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("uvarint")
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("varint")
		return 0
	}
	r.off += n
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < 8 {
		r.fail("uint64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// count reads a length prefix and rejects counts the remaining input cannot
// possibly hold.
func (r *reader) count() int {
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.buf)-r.off) {
		r.fail("count")
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.count()
	if r.err != nil {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}
