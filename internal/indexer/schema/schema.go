// Package schema describes the index partition layout consumed by the build
// pipeline: fields, inverted indexes (including pack and expack indexes with
// section attributes), attributes, pack attributes, summary and source.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxFieldCountInPack bounds the number of fields a pack index may
// aggregate; a field position is stored in 5 bits.
const MaxFieldCountInPack = 32

// InvalidFieldID marks an unknown field.
const InvalidFieldID int32 = -1

// Index types.
const (
	IndexTypePrimaryKey = "primarykey"
	IndexTypeText       = "text"
	IndexTypeString     = "string"
	IndexTypePack       = "pack"
	IndexTypeExpack     = "expack"
)

// FieldConfig declares one schema field. IDs are assigned in declaration
// order.
type FieldConfig struct {
	ID   int32  `yaml:"-"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// SectionAttributeConfig selects the optional streams of a section
// attribute. Reader and writer must be configured identically.
type SectionAttributeConfig struct {
	Disabled         bool `yaml:"disabled"`
	HasFieldID       bool `yaml:"hasFieldId"`
	HasSectionWeight bool `yaml:"hasSectionWeight"`
}

// DefaultSectionAttributeConfig stores every stream.
func DefaultSectionAttributeConfig() SectionAttributeConfig {
	return SectionAttributeConfig{HasFieldID: true, HasSectionWeight: true}
}

// IndexConfig declares an inverted index.
type IndexConfig struct {
	ID               int32                   `yaml:"-"`
	Name             string                  `yaml:"name"`
	Type             string                  `yaml:"type"`
	Fields           []string                `yaml:"fields"`
	ShardCount       int                     `yaml:"shardCount"`
	SectionAttribute *SectionAttributeConfig `yaml:"sectionAttribute"`

	fieldIDs    []int32
	fieldToPack map[int32]int
}

// FieldIDs returns the index fields in pack order.
func (c *IndexConfig) FieldIDs() []int32 {
	return c.fieldIDs
}

// FieldIdxInPack returns the 0-based position of fieldID within this index,
// or -1 when the field does not belong to it.
func (c *IndexConfig) FieldIdxInPack(fieldID int32) int {
	if pos, ok := c.fieldToPack[fieldID]; ok {
		return pos
	}
	return -1
}

func (c *IndexConfig) IsPrimaryKey() bool {
	return c.Type == IndexTypePrimaryKey
}

func (c *IndexConfig) IsPack() bool {
	return c.Type == IndexTypePack || c.Type == IndexTypeExpack
}

// HasSectionAttribute reports whether documents need an encoded section
// attribute for this index.
func (c *IndexConfig) HasSectionAttribute() bool {
	return c.IsPack() && c.SectionAttribute != nil && !c.SectionAttribute.Disabled
}

// SectionAttributeConfig returns the stream flags, or the zero config when
// the index has no section attribute.
func (c *IndexConfig) SectionAttributeConfig() SectionAttributeConfig {
	if !c.HasSectionAttribute() {
		return SectionAttributeConfig{}
	}
	return *c.SectionAttribute
}

// Shards returns the shard count, at least 1.
func (c *IndexConfig) Shards() int {
	if c.ShardCount <= 0 {
		return 1
	}
	return c.ShardCount
}

// AttributeConfig declares a single-field attribute.
type AttributeConfig struct {
	ID        int32  `yaml:"-"`
	Name      string `yaml:"name"`
	Field     string `yaml:"field"`
	Updatable bool   `yaml:"updatable"`

	fieldID int32
}

func (c *AttributeConfig) FieldID() int32 {
	return c.fieldID
}

// PackAttributeConfig groups several attributes stored together.
type PackAttributeConfig struct {
	ID         int32    `yaml:"-"`
	Name       string   `yaml:"name"`
	Attributes []string `yaml:"attributes"`
	Updatable  bool     `yaml:"updatable"`

	fieldIDs []int32
}

func (c *PackAttributeConfig) FieldIDs() []int32 {
	return c.fieldIDs
}

// SummaryConfig lists the stored summary fields.
type SummaryConfig struct {
	Fields   []string `yaml:"fields"`
	Compress bool     `yaml:"compress"`

	fieldIDs []int32
}

func (c *SummaryConfig) FieldIDs() []int32 {
	return c.fieldIDs
}

// SourceConfig enables storing the raw source document.
type SourceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Schema is the resolved index partition schema.
type Schema struct {
	Name           string                 `yaml:"name"`
	Fields         []*FieldConfig         `yaml:"fields"`
	Indexes        []*IndexConfig         `yaml:"indexes"`
	Attributes     []*AttributeConfig     `yaml:"attributes"`
	PackAttributes []*PackAttributeConfig `yaml:"packAttributes"`
	Summary        *SummaryConfig         `yaml:"summary"`
	Source         *SourceConfig          `yaml:"source"`

	fieldsByName map[string]*FieldConfig
	indexByName  map[string]*IndexConfig
	attrByName   map[string]*AttributeConfig
}

// Load reads and resolves a YAML schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a YAML schema and resolves field references.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := s.resolve(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) resolve() error {
	s.fieldsByName = make(map[string]*FieldConfig, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if _, dup := s.fieldsByName[f.Name]; dup {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		f.ID = int32(i)
		s.fieldsByName[f.Name] = f
	}

	s.indexByName = make(map[string]*IndexConfig, len(s.Indexes))
	pkCount := 0
	for i, idx := range s.Indexes {
		idx.ID = int32(i)
		if _, dup := s.indexByName[idx.Name]; dup {
			return fmt.Errorf("duplicate index %q", idx.Name)
		}
		s.indexByName[idx.Name] = idx
		if len(idx.Fields) == 0 {
			return fmt.Errorf("index %q has no fields", idx.Name)
		}
		if idx.IsPack() && len(idx.Fields) > MaxFieldCountInPack {
			return fmt.Errorf("index %q has %d fields, pack indexes allow at most %d",
				idx.Name, len(idx.Fields), MaxFieldCountInPack)
		}
		if !idx.IsPack() && len(idx.Fields) != 1 {
			return fmt.Errorf("index %q of type %s must have exactly one field", idx.Name, idx.Type)
		}
		if idx.IsPrimaryKey() {
			pkCount++
		}
		idx.fieldIDs = make([]int32, 0, len(idx.Fields))
		idx.fieldToPack = make(map[int32]int, len(idx.Fields))
		for pos, name := range idx.Fields {
			f, ok := s.fieldsByName[name]
			if !ok {
				return fmt.Errorf("index %q references unknown field %q", idx.Name, name)
			}
			if _, dup := idx.fieldToPack[f.ID]; dup {
				return fmt.Errorf("index %q lists field %q twice", idx.Name, name)
			}
			idx.fieldIDs = append(idx.fieldIDs, f.ID)
			idx.fieldToPack[f.ID] = pos
		}
	}
	if pkCount > 1 {
		return fmt.Errorf("schema declares %d primary key indexes, at most one is allowed", pkCount)
	}

	s.attrByName = make(map[string]*AttributeConfig, len(s.Attributes))
	for i, attr := range s.Attributes {
		attr.ID = int32(i)
		f, ok := s.fieldsByName[attr.Field]
		if !ok {
			return fmt.Errorf("attribute %q references unknown field %q", attr.Name, attr.Field)
		}
		attr.fieldID = f.ID
		s.attrByName[attr.Name] = attr
	}
	for i, pack := range s.PackAttributes {
		pack.ID = int32(i)
		pack.fieldIDs = make([]int32, 0, len(pack.Attributes))
		for _, name := range pack.Attributes {
			attr, ok := s.attrByName[name]
			if !ok {
				return fmt.Errorf("pack attribute %q references unknown attribute %q", pack.Name, name)
			}
			pack.fieldIDs = append(pack.fieldIDs, attr.fieldID)
		}
	}
	if s.Summary != nil {
		s.Summary.fieldIDs = make([]int32, 0, len(s.Summary.Fields))
		for _, name := range s.Summary.Fields {
			f, ok := s.fieldsByName[name]
			if !ok {
				return fmt.Errorf("summary references unknown field %q", name)
			}
			s.Summary.fieldIDs = append(s.Summary.fieldIDs, f.ID)
		}
	}
	return nil
}

// FieldID returns the id of the named field, or InvalidFieldID.
func (s *Schema) FieldID(name string) int32 {
	if f, ok := s.fieldsByName[name]; ok {
		return f.ID
	}
	return InvalidFieldID
}

// Field returns the field config for id, or nil.
func (s *Schema) Field(id int32) *FieldConfig {
	if id < 0 || int(id) >= len(s.Fields) {
		return nil
	}
	return s.Fields[id]
}

// Index returns the named index config, or nil.
func (s *Schema) Index(name string) *IndexConfig {
	return s.indexByName[name]
}

// IndexByID returns the index config for id, or nil.
func (s *Schema) IndexByID(id int32) *IndexConfig {
	if id < 0 || int(id) >= len(s.Indexes) {
		return nil
	}
	return s.Indexes[id]
}

// PrimaryKeyIndex returns the primary key index, or nil.
func (s *Schema) PrimaryKeyIndex() *IndexConfig {
	for _, idx := range s.Indexes {
		if idx.IsPrimaryKey() {
			return idx
		}
	}
	return nil
}

// IndexesWithSectionAttribute returns the pack and expack indexes that carry
// section attributes, in schema order.
func (s *Schema) IndexesWithSectionAttribute() []*IndexConfig {
	var out []*IndexConfig
	for _, idx := range s.Indexes {
		if idx.HasSectionAttribute() {
			out = append(out, idx)
		}
	}
	return out
}

// Attribute returns the named attribute config, or nil.
func (s *Schema) Attribute(name string) *AttributeConfig {
	return s.attrByName[name]
}

func (s *Schema) HasSummary() bool {
	return s.Summary != nil && len(s.Summary.Fields) > 0
}

func (s *Schema) HasSource() bool {
	return s.Source != nil && s.Source.Enabled
}
