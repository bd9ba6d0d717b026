package document

import (
	"github.com/cespare/xxhash/v2"
)

const (
	InvalidDocID   int32 = -1
	InvalidIndexID int32 = -1
)

// ModifyOp says whether an UPDATE_FIELD token patch adds or removes a term.
type ModifyOp uint8

const (
	ModifyAdd    ModifyOp = 1
	ModifyRemove ModifyOp = 2
)

// ModifiedToken is one inverted index patch carried by an UPDATE_FIELD doc.
type ModifiedToken struct {
	FieldID  int32
	TermHash uint64
	Op       ModifyOp
}

// TermHash is the hash key used for tokens and payload maps.
func TermHash(term string) uint64 {
	return xxhash.Sum64String(term)
}

// IndexDocument is the inverted-index view of one input record. Fields are
// stored sparsely by schema field id.
type IndexDocument struct {
	docID                        int32
	primaryKey                   string
	fields                       []Field
	termPayloads                 map[uint64]uint32
	docPayloads                  map[uint64]uint16
	sectionAttributes            [][]byte
	maxIndexIDInSectionAttribute int32
	modifiedTokens               []ModifiedToken
}

func NewIndexDocument() *IndexDocument {
	return &IndexDocument{
		docID:                        InvalidDocID,
		maxIndexIDInSectionAttribute: InvalidIndexID,
	}
}

func (d *IndexDocument) DocID() int32            { return d.docID }
func (d *IndexDocument) SetDocID(id int32)       { d.docID = id }
func (d *IndexDocument) PrimaryKey() string      { return d.primaryKey }
func (d *IndexDocument) SetPrimaryKey(pk string) { d.primaryKey = pk }

// CreateField returns an empty field of the given variant at fieldID. A
// previous field of the same variant is reset and reused.
func (d *IndexDocument) CreateField(fieldID int32, tag FieldTag) (Field, error) {
	if fieldID < 0 {
		return nil, errNegativeField(fieldID)
	}
	if existing := d.Field(fieldID); existing != nil && existing.Tag() == tag {
		existing.Reset()
		return existing, nil
	}
	f, err := newField(fieldID, tag)
	if err != nil {
		return nil, err
	}
	d.place(f)
	return f, nil
}

// CreateTokenField is CreateField for the common token variant.
func (d *IndexDocument) CreateTokenField(fieldID int32) (*TokenField, error) {
	f, err := d.CreateField(fieldID, TagTokenField)
	if err != nil {
		return nil, err
	}
	return f.(*TokenField), nil
}

// Field returns the field at fieldID or nil.
func (d *IndexDocument) Field(fieldID int32) Field {
	if fieldID < 0 || int(fieldID) >= len(d.fields) {
		return nil
	}
	return d.fields[fieldID]
}

// SetField stores f under its own field id, replacing any previous field.
func (d *IndexDocument) SetField(f Field) error {
	if f.FieldID() < 0 {
		return errNegativeField(f.FieldID())
	}
	d.place(f)
	return nil
}

func (d *IndexDocument) ClearField(fieldID int32) {
	if fieldID >= 0 && int(fieldID) < len(d.fields) {
		d.fields[fieldID] = nil
	}
}

func (d *IndexDocument) place(f Field) {
	id := int(f.FieldID())
	if id >= len(d.fields) {
		grown := make([]Field, id+1)
		copy(grown, d.fields)
		d.fields = grown
	}
	d.fields[id] = f
}

// FieldSlots returns the sparse field vector; unset slots are nil.
func (d *IndexDocument) FieldSlots() []Field {
	return d.fields
}

// FieldCount counts set fields.
func (d *IndexDocument) FieldCount() int {
	n := 0
	for _, f := range d.fields {
		if f != nil {
			n++
		}
	}
	return n
}

func (d *IndexDocument) SetTermPayload(term string, payload uint32) {
	d.SetTermPayloadByHash(TermHash(term), payload)
}

func (d *IndexDocument) SetTermPayloadByHash(hash uint64, payload uint32) {
	if d.termPayloads == nil {
		d.termPayloads = make(map[uint64]uint32)
	}
	d.termPayloads[hash] = payload
}

// TermPayload returns 0 for terms without a payload.
func (d *IndexDocument) TermPayload(term string) uint32 {
	return d.termPayloads[TermHash(term)]
}

func (d *IndexDocument) TermPayloadByHash(hash uint64) uint32 {
	return d.termPayloads[hash]
}

func (d *IndexDocument) SetDocPayload(term string, payload uint16) {
	d.SetDocPayloadByHash(TermHash(term), payload)
}

func (d *IndexDocument) SetDocPayloadByHash(hash uint64, payload uint16) {
	if d.docPayloads == nil {
		d.docPayloads = make(map[uint64]uint16)
	}
	d.docPayloads[hash] = payload
}

func (d *IndexDocument) DocPayload(term string) uint16 {
	return d.docPayloads[TermHash(term)]
}

func (d *IndexDocument) DocPayloadByHash(hash uint64) uint16 {
	return d.docPayloads[hash]
}

// SetSectionAttribute stores the encoded section attribute of a pack index.
func (d *IndexDocument) SetSectionAttribute(indexID int32, data []byte) {
	if indexID < 0 {
		return
	}
	for int(indexID) >= len(d.sectionAttributes) {
		d.sectionAttributes = append(d.sectionAttributes, nil)
	}
	d.sectionAttributes[indexID] = data
	if indexID > d.maxIndexIDInSectionAttribute {
		d.maxIndexIDInSectionAttribute = indexID
	}
}

func (d *IndexDocument) SectionAttribute(indexID int32) []byte {
	if indexID < 0 || int(indexID) >= len(d.sectionAttributes) {
		return nil
	}
	return d.sectionAttributes[indexID]
}

// MaxIndexIDInSectionAttribute is InvalidIndexID until a section attribute
// has been set.
func (d *IndexDocument) MaxIndexIDInSectionAttribute() int32 {
	return d.maxIndexIDInSectionAttribute
}

func (d *IndexDocument) AddModifiedToken(fieldID int32, termHash uint64, op ModifyOp) {
	d.modifiedTokens = append(d.modifiedTokens, ModifiedToken{FieldID: fieldID, TermHash: termHash, Op: op})
}

func (d *IndexDocument) ModifiedTokens() []ModifiedToken {
	return d.modifiedTokens
}

// Reset clears the document for reuse.
func (d *IndexDocument) Reset() {
	d.docID = InvalidDocID
	d.primaryKey = ""
	clear(d.fields)
	d.fields = d.fields[:0]
	clear(d.termPayloads)
	clear(d.docPayloads)
	d.sectionAttributes = d.sectionAttributes[:0]
	d.maxIndexIDInSectionAttribute = InvalidIndexID
	d.modifiedTokens = d.modifiedTokens[:0]
}
