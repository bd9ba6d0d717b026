// Package sectionattr encodes and decodes section attributes: the compact
// per-document arrays of (section length, field position, section weight)
// stored for pack and expack indexes and read back for field and section
// aware scoring.
//
// An encoded buffer is self-describing given the index's
// SectionAttributeConfig:
//
//	S16 units: section count, length_1 .. length_N
//	S16 units: field position deltas      (HasFieldID only)
//	weight units of 4 values: flag byte + 0/1/2 bytes each (HasSectionWeight only)
//	zero padding to a 4-byte boundary
package sectionattr

// Section attribute limits.
const (
	MaxSectionCountPerDoc = 255 * 32
	MaxSectionLength      = 1<<11 - 1
	MaxFieldPosition      = 1<<5 - 1
	DataSliceLen          = 16 * 1024
)

// SectionMeta is one decoded section. FieldID is the position of the field
// within its pack index, not the schema field id.
type SectionMeta struct {
	Weight  uint16
	FieldID uint8
	Length  uint16
}

// Packed returns the field position and length in their 5+11 bit form.
func (m SectionMeta) Packed() uint16 {
	return uint16(m.FieldID&MaxFieldPosition)<<11 | m.Length&MaxSectionLength
}

// UnpackSectionMeta rebuilds a SectionMeta from its packed field/length word.
func UnpackSectionMeta(packed uint16, weight uint16) SectionMeta {
	return SectionMeta{
		Weight:  weight,
		FieldID: uint8(packed >> 11),
		Length:  packed & MaxSectionLength,
	}
}
