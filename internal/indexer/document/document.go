// Package document holds the build-side document model: the tokenized
// IndexDocument plus the attribute, summary and source payloads that travel
// with it through a build batch.
package document

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// OpType is the operation a document applies to the index.
type OpType uint8

const (
	OpUnknown OpType = iota
	OpAdd
	OpUpdateField
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpAdd:
		return "ADD_DOC"
	case OpUpdateField:
		return "UPDATE_FIELD"
	case OpDelete:
		return "DELETE_DOC"
	default:
		return "UNKNOWN"
	}
}

// ParseOpType maps the wire names used on the ingest topic.
func ParseOpType(s string) (OpType, error) {
	switch s {
	case "add", "ADD_DOC", "":
		return OpAdd, nil
	case "update", "UPDATE_FIELD":
		return OpUpdateField, nil
	case "delete", "DELETE_DOC":
		return OpDelete, nil
	default:
		return OpUnknown, fmt.Errorf("unknown op %q", s)
	}
}

// Document is one record in a build batch.
type Document struct {
	Op        OpType
	Index     *IndexDocument
	Attribute *AttributeDocument
	Summary   *SummaryDocument
	Source    []byte
	// Timestamp is the ingest time in unix milliseconds.
	Timestamp int64
}

func New(op OpType, primaryKey string) *Document {
	idx := NewIndexDocument()
	idx.SetPrimaryKey(primaryKey)
	return &Document{
		Op:        op,
		Index:     idx,
		Attribute: NewAttributeDocument(),
		Summary:   NewSummaryDocument(),
	}
}

func (d *Document) DocID() int32 {
	if d.Index == nil {
		return InvalidDocID
	}
	return d.Index.DocID()
}

func (d *Document) SetDocID(id int32) {
	if d.Index == nil {
		d.Index = NewIndexDocument()
	}
	d.Index.SetDocID(id)
}

func (d *Document) PrimaryKey() string {
	if d.Index == nil {
		return ""
	}
	return d.Index.PrimaryKey()
}

// Release drops every payload so the garbage collector can reclaim it.
func (d *Document) Release() {
	d.Index = nil
	d.Attribute = nil
	d.Summary = nil
	d.Source = nil
}

// AttributeDocument carries raw attribute values keyed by schema field id.
type AttributeDocument struct {
	values map[int32][]byte
}

func NewAttributeDocument() *AttributeDocument {
	return &AttributeDocument{values: make(map[int32][]byte)}
}

func (a *AttributeDocument) SetField(fieldID int32, value []byte) {
	a.values[fieldID] = value
}

func (a *AttributeDocument) Field(fieldID int32) ([]byte, bool) {
	v, ok := a.values[fieldID]
	return v, ok
}

func (a *AttributeDocument) Len() int {
	return len(a.values)
}

// PackField concatenates the values of fieldIDs as [uvarint len][data]
// records. Missing members encode as empty values.
func (a *AttributeDocument) PackField(fieldIDs []int32) []byte {
	var out []byte
	for _, id := range fieldIDs {
		v := a.values[id]
		out = binary.AppendUvarint(out, uint64(len(v)))
		out = append(out, v...)
	}
	return out
}

// SummaryDocument carries stored field values keyed by schema field id.
type SummaryDocument struct {
	fields map[int32][]byte
}

func NewSummaryDocument() *SummaryDocument {
	return &SummaryDocument{fields: make(map[int32][]byte)}
}

func (s *SummaryDocument) SetField(fieldID int32, value []byte) {
	s.fields[fieldID] = value
}

func (s *SummaryDocument) Field(fieldID int32) ([]byte, bool) {
	v, ok := s.fields[fieldID]
	return v, ok
}

func (s *SummaryDocument) Len() int {
	return len(s.fields)
}

// Encode serializes the summary as [uvarint count]([varint fieldID][uvarint
// len][data])* in field id order.
func (s *SummaryDocument) Encode() []byte {
	ids := make([]int32, 0, len(s.fields))
	for id := range s.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := binary.AppendUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		out = binary.AppendVarint(out, int64(id))
		out = binary.AppendUvarint(out, uint64(len(s.fields[id])))
		out = append(out, s.fields[id]...)
	}
	return out
}

// DecodeSummary is the inverse of SummaryDocument.Encode.
func DecodeSummary(data []byte) (*SummaryDocument, error) {
	r := reader{buf: data}
	s := NewSummaryDocument()
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		id := int32(r.varint())
		v := r.bytes()
		if r.err == nil {
			s.fields[id] = append([]byte(nil), v...)
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding summary: %w", r.err)
	}
	return s, nil
}
