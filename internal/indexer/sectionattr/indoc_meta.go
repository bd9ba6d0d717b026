package sectionattr

import (
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// InDocSectionMeta is the field-aware, per-document section view used at
// query time. Section ids are 0-based within their field.
type InDocSectionMeta interface {
	SectionCount() int
	SectionMeta(idx int) SectionMeta
	SectionCountInField(fieldPosition int) int
	SectionLen(fieldPosition int, sectionID int) uint16
	SectionLenByFieldID(fieldID int32, sectionID int) uint16
	SectionWeight(fieldPosition int, sectionID int) uint16
	SectionWeightByFieldID(fieldID int32, sectionID int) uint16
	FieldLen(fieldPosition int) uint32
	FieldLenByFieldID(fieldID int32) uint32
}

// FieldPositionResolver maps a schema field id to its position in a pack
// index. *schema.IndexConfig satisfies it.
type FieldPositionResolver interface {
	FieldIdxInPack(fieldID int32) int
}

var _ FieldPositionResolver = (*schema.IndexConfig)(nil)

const fieldSlots = MaxFieldPosition + 1

// InDocMultiSectionMeta copies an encoded attribute into private scratch,
// decodes it and indexes sections by field position. Every Unpack rebuilds
// the field index, so one instance can be reused across documents.
type InDocMultiSectionMeta struct {
	MultiSectionMeta

	formatter *Formatter
	resolver  FieldPositionResolver
	data      [DataSliceLen]byte
	buf       *DecodeBuffer

	fieldOffset [fieldSlots]int
	fieldCount  [fieldSlots]int
	fieldLen    [fieldSlots]uint32
}

var _ InDocSectionMeta = (*InDocMultiSectionMeta)(nil)

func NewInDocMultiSectionMeta(cfg schema.SectionAttributeConfig, resolver FieldPositionResolver) *InDocMultiSectionMeta {
	return &InDocMultiSectionMeta{
		formatter: NewFormatter(cfg),
		resolver:  resolver,
		buf:       NewDecodeBuffer(MaxSectionCountPerDoc),
	}
}

// Unpack decodes data and builds the field index.
func (m *InDocMultiSectionMeta) Unpack(data []byte) error {
	if len(data) > DataSliceLen {
		return sperrors.Overflowf("section attribute of %d bytes exceeds %d", len(data), DataSliceLen)
	}
	n := copy(m.data[:], data)
	if err := m.Init(m.data[:n], m.formatter, m.buf); err != nil {
		return err
	}
	m.buildFieldIndex()
	return nil
}

func (m *InDocMultiSectionMeta) buildFieldIndex() {
	m.fieldOffset = [fieldSlots]int{}
	m.fieldCount = [fieldSlots]int{}
	m.fieldLen = [fieldSlots]uint32{}
	for i := 0; i < m.count; i++ {
		pos := int(m.FieldID(i))
		if pos >= fieldSlots {
			continue
		}
		if m.fieldCount[pos] == 0 {
			m.fieldOffset[pos] = i
		}
		m.fieldCount[pos]++
		m.fieldLen[pos] += uint32(m.lengths[i])
	}
}

func (m *InDocMultiSectionMeta) sectionIndex(fieldPosition int, sectionID int) (int, bool) {
	if fieldPosition < 0 || fieldPosition >= fieldSlots {
		return 0, false
	}
	if sectionID < 0 || sectionID >= m.fieldCount[fieldPosition] {
		return 0, false
	}
	return m.fieldOffset[fieldPosition] + sectionID, true
}

func (m *InDocMultiSectionMeta) position(fieldID int32) int {
	if m.resolver == nil {
		return -1
	}
	return m.resolver.FieldIdxInPack(fieldID)
}

func (m *InDocMultiSectionMeta) SectionCountInField(fieldPosition int) int {
	if fieldPosition < 0 || fieldPosition >= fieldSlots {
		return 0
	}
	return m.fieldCount[fieldPosition]
}

func (m *InDocMultiSectionMeta) SectionLen(fieldPosition int, sectionID int) uint16 {
	idx, ok := m.sectionIndex(fieldPosition, sectionID)
	if !ok {
		return 0
	}
	return m.lengths[idx]
}

func (m *InDocMultiSectionMeta) SectionLenByFieldID(fieldID int32, sectionID int) uint16 {
	return m.SectionLen(m.position(fieldID), sectionID)
}

func (m *InDocMultiSectionMeta) SectionWeight(fieldPosition int, sectionID int) uint16 {
	idx, ok := m.sectionIndex(fieldPosition, sectionID)
	if !ok {
		return 0
	}
	return m.MultiSectionMeta.SectionWeight(idx)
}

func (m *InDocMultiSectionMeta) SectionWeightByFieldID(fieldID int32, sectionID int) uint16 {
	return m.SectionWeight(m.position(fieldID), sectionID)
}

func (m *InDocMultiSectionMeta) FieldLen(fieldPosition int) uint32 {
	if fieldPosition < 0 || fieldPosition >= fieldSlots {
		return 0
	}
	return m.fieldLen[fieldPosition]
}

func (m *InDocMultiSectionMeta) FieldLenByFieldID(fieldID int32) uint32 {
	return m.FieldLen(m.position(fieldID))
}
