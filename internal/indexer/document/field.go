package document

import (
	"fmt"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// FieldTag identifies the Field variant on the wire.
type FieldTag uint8

const (
	TagTokenField FieldTag = 0
	TagRawField   FieldTag = 1
	TagNullField  FieldTag = 2
)

func (t FieldTag) String() string {
	switch t {
	case TagTokenField:
		return "token"
	case TagRawField:
		return "raw"
	case TagNullField:
		return "null"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Field is one of *TokenField, *RawField or *NullField.
type Field interface {
	FieldID() int32
	Tag() FieldTag
	Reset()
	isField()
}

// Token is one indexed term occurrence.
type Token struct {
	HashKey      uint64
	PosIncrement uint32
	PosPayload   uint8
}

// Section is a contiguous span of tokens inside a token field.
type Section struct {
	id     uint32
	Length uint16
	Weight uint16
	tokens []Token
}

func (s *Section) ID() uint32 {
	return s.id
}

// CreateToken appends a token, reusing capacity left by a previous Reset.
func (s *Section) CreateToken(hashKey uint64, posIncrement uint32, posPayload uint8) *Token {
	s.tokens = append(s.tokens, Token{HashKey: hashKey, PosIncrement: posIncrement, PosPayload: posPayload})
	return &s.tokens[len(s.tokens)-1]
}

func (s *Section) Tokens() []Token {
	return s.tokens
}

func (s *Section) TokenCount() int {
	return len(s.tokens)
}

func (s *Section) reset(id uint32) {
	s.id = id
	s.Length = 0
	s.Weight = 0
	s.tokens = s.tokens[:0]
}

// TokenField owns an ordered run of sections. Sections live in a slice that
// survives Reset; used marks how many are live.
type TokenField struct {
	id       int32
	sections []Section
	used     int
}

func NewTokenField(fieldID int32) *TokenField {
	return &TokenField{id: fieldID}
}

func (f *TokenField) FieldID() int32 { return f.id }
func (f *TokenField) Tag() FieldTag  { return TagTokenField }
func (f *TokenField) isField()       {}

func (f *TokenField) Reset() {
	f.used = 0
}

// CreateSection returns the next section, recycling a previously released
// slot when one exists. The pointer is valid until the next CreateSection.
func (f *TokenField) CreateSection() *Section {
	if f.used == len(f.sections) {
		f.sections = append(f.sections, Section{})
	}
	s := &f.sections[f.used]
	s.reset(uint32(f.used))
	f.used++
	return s
}

// Sections returns the live sections in field order.
func (f *TokenField) Sections() []Section {
	return f.sections[:f.used]
}

func (f *TokenField) SectionCount() int {
	return f.used
}

func (f *TokenField) Section(i int) *Section {
	if i < 0 || i >= f.used {
		return nil
	}
	return &f.sections[i]
}

// RawField carries opaque bytes.
type RawField struct {
	id   int32
	Data []byte
}

func NewRawField(fieldID int32) *RawField {
	return &RawField{id: fieldID}
}

func (f *RawField) FieldID() int32 { return f.id }
func (f *RawField) Tag() FieldTag  { return TagRawField }
func (f *RawField) isField()       {}
func (f *RawField) Reset()         { f.Data = f.Data[:0] }

// NullField marks a field explicitly set to null.
type NullField struct {
	id int32
}

func NewNullField(fieldID int32) *NullField {
	return &NullField{id: fieldID}
}

func (f *NullField) FieldID() int32 { return f.id }
func (f *NullField) Tag() FieldTag  { return TagNullField }
func (f *NullField) isField()       {}
func (f *NullField) Reset()         {}

func newField(fieldID int32, tag FieldTag) (Field, error) {
	switch tag {
	case TagTokenField:
		return NewTokenField(fieldID), nil
	case TagRawField:
		return NewRawField(fieldID), nil
	case TagNullField:
		return NewNullField(fieldID), nil
	default:
		return nil, fmt.Errorf("field %d: %w: %s", fieldID, sperrors.ErrFieldVariant, tag)
	}
}

// AsTokenField returns f as a token field or ErrFieldVariant.
func AsTokenField(f Field) (*TokenField, error) {
	tf, ok := f.(*TokenField)
	if !ok {
		return nil, fmt.Errorf("field %d: %w: want token, got %s", f.FieldID(), sperrors.ErrFieldVariant, f.Tag())
	}
	return tf, nil
}
