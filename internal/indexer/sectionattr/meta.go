package sectionattr

// MultiSectionMeta is a typed view over one decoded section attribute.
type MultiSectionMeta struct {
	count   int
	lengths []uint16
	fids    []uint8
	weights []uint16
}

// Init decodes data with f into buf and points the view at it.
func (m *MultiSectionMeta) Init(data []byte, f *Formatter, buf *DecodeBuffer) error {
	if err := f.Decode(data, buf); err != nil {
		return err
	}
	cfg := f.Config()
	m.count, m.lengths, m.fids, m.weights = UnpackBuffer(buf, cfg.HasFieldID, cfg.HasSectionWeight)
	return nil
}

func (m *MultiSectionMeta) SectionCount() int {
	return m.count
}

func (m *MultiSectionMeta) SectionLen(idx int) uint16 {
	return m.lengths[idx]
}

// FieldID returns the field position of section idx. Without a field id
// stream every section belongs to the first field.
func (m *MultiSectionMeta) FieldID(idx int) uint8 {
	if m.fids == nil {
		return 0
	}
	return m.fids[idx]
}

// SectionWeight returns 0 when no weight stream is stored.
func (m *MultiSectionMeta) SectionWeight(idx int) uint16 {
	if m.weights == nil {
		return 0
	}
	return m.weights[idx]
}

func (m *MultiSectionMeta) SectionMeta(idx int) SectionMeta {
	return SectionMeta{
		Weight:  m.SectionWeight(idx),
		FieldID: m.FieldID(idx),
		Length:  m.SectionLen(idx),
	}
}
