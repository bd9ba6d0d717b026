package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/attribute"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
)

// TokenPatch is an UPDATE_FIELD index change for one built document.
type TokenPatch struct {
	DocID  int32                    `json:"d"`
	Tokens []document.ModifiedToken `json:"t"`
}

// Modifier collects updates and deletions aimed at documents of already
// dumped segments, i.e. doc ids below the building segment's base.
type Modifier struct {
	mu         sync.RWMutex
	builtLimit int32
	deleted    *roaring.Bitmap
	updated    *roaring.Bitmap
	attributes map[string]map[int32][]byte
	tokens     map[int32][]TokenPatch
	convertor  attribute.Convertor
}

func NewModifier(builtLimit int32) *Modifier {
	return &Modifier{
		builtLimit: builtLimit,
		deleted:    roaring.New(),
		updated:    roaring.New(),
		attributes: make(map[string]map[int32][]byte),
		tokens:     make(map[int32][]TokenPatch),
		convertor:  attribute.NewConvertor(),
	}
}

// Covers reports whether docID lives in a built segment.
func (m *Modifier) Covers(docID int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return docID >= 0 && docID < m.builtLimit
}

func (m *Modifier) BuiltLimit() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.builtLimit
}

// SetBuiltLimit moves the boundary after a dump turned the building segment
// into a built one.
func (m *Modifier) SetBuiltLimit(limit int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > m.builtLimit {
		m.builtLimit = limit
	}
}

func (m *Modifier) Delete(docID int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if docID < 0 || docID >= m.builtLimit {
		return false
	}
	m.deleted.Add(uint32(docID))
	return true
}

func (m *Modifier) IsDeleted(docID int32) bool {
	if docID < 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted.Contains(uint32(docID))
}

func (m *Modifier) DeletedCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted.GetCardinality()
}

// UpdateAttribute records a new convertor-encoded value of attribute name
// for a built document.
func (m *Modifier) UpdateAttribute(name string, docID int32, encoded []byte) error {
	v, err := m.convertor.Decode(encoded)
	if err != nil {
		return fmt.Errorf("decoding update of %s for doc %d: %w", name, docID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if docID < 0 || docID >= m.builtLimit {
		return fmt.Errorf("doc %d is not in a built segment (limit %d)", docID, m.builtLimit)
	}
	patches, ok := m.attributes[name]
	if !ok {
		patches = make(map[int32][]byte)
		m.attributes[name] = patches
	}
	patches[docID] = append([]byte(nil), v.Data...)
	m.updated.Add(uint32(docID))
	return nil
}

// AttributePatch returns the latest patched value of name for docID.
func (m *Modifier) AttributePatch(name string, docID int32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.attributes[name][docID]
	return data, ok
}

// UpdateTokens records index patches of indexID for a built document.
func (m *Modifier) UpdateTokens(indexID int32, docID int32, tokens []document.ModifiedToken) int {
	if len(tokens) == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if docID < 0 || docID >= m.builtLimit {
		return 0
	}
	m.tokens[indexID] = append(m.tokens[indexID], TokenPatch{
		DocID:  docID,
		Tokens: append([]document.ModifiedToken(nil), tokens...),
	})
	m.updated.Add(uint32(docID))
	return len(tokens)
}

func (m *Modifier) TokenPatches(indexID int32) []TokenPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TokenPatch(nil), m.tokens[indexID]...)
}

// UpdatedDocs returns a copy of the set of built docs with patches.
func (m *Modifier) UpdatedDocs() *roaring.Bitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated.Clone()
}

type patchFile struct {
	BuiltLimit int32                       `json:"builtLimit"`
	Deleted    []byte                      `json:"deleted"`
	Updated    []byte                      `json:"updated"`
	Attributes map[string]map[int32][]byte `json:"attributes,omitempty"`
	Tokens     map[int32][]TokenPatch      `json:"tokens,omitempty"`
}

// WriteFile persists the collected patches as JSON, replacing path
// atomically.
func (m *Modifier) WriteFile(path string) error {
	m.mu.RLock()
	deleted, err := m.deleted.ToBytes()
	if err != nil {
		m.mu.RUnlock()
		return fmt.Errorf("serializing deletion map: %w", err)
	}
	updated, err := m.updated.ToBytes()
	if err != nil {
		m.mu.RUnlock()
		return fmt.Errorf("serializing updated docs: %w", err)
	}
	data, err := json.Marshal(patchFile{
		BuiltLimit: m.builtLimit,
		Deleted:    deleted,
		Updated:    updated,
		Attributes: m.attributes,
		Tokens:     m.tokens,
	})
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling patches: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing patch file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming patch file: %w", err)
	}
	return nil
}

// LoadModifier reads patches written by WriteFile.
func LoadModifier(path string) (*Modifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patch file: %w", err)
	}
	var pf patchFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing patch file: %w", err)
	}
	m := NewModifier(pf.BuiltLimit)
	if err := m.deleted.UnmarshalBinary(pf.Deleted); err != nil {
		return nil, fmt.Errorf("parsing deletion map: %w", err)
	}
	if err := m.updated.UnmarshalBinary(pf.Updated); err != nil {
		return nil, fmt.Errorf("parsing updated docs: %w", err)
	}
	if pf.Attributes != nil {
		m.attributes = pf.Attributes
	}
	if pf.Tokens != nil {
		m.tokens = pf.Tokens
	}
	return m, nil
}
