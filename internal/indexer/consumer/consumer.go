// Package consumer turns raw document events read from Kafka into build
// documents and feeds them to the index builder.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/tokenizer"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/logger"
)

const defaultSectionWeight uint16 = 1

// DocumentEvent is one record on the document ingest topic.
type DocumentEvent struct {
	Op         string            `json:"op"`
	PrimaryKey string            `json:"primaryKey"`
	Fields     map[string]string `json:"fields"`
	// Weights sets the section weight of a token field; the default is 1.
	Weights       map[string]uint16 `json:"weights,omitempty"`
	Source        json.RawMessage   `json:"source,omitempty"`
	IngestedAt    time.Time         `json:"ingestedAt"`
	ModifiedTerms []ModifiedTerm    `json:"modifiedTerms,omitempty"`
	TermPayloads  map[string]uint32 `json:"termPayloads,omitempty"`
}

// ModifiedTerm is an inverted index patch of an update event.
type ModifiedTerm struct {
	Field string `json:"field"`
	Term  string `json:"term"`
	// Op is "add" or "remove".
	Op string `json:"op"`
}

// Adder accepts build documents.
type Adder interface {
	Add(ctx context.Context, doc *document.Document) error
}

type fieldRoute struct {
	indexed bool
	raw     bool // string index: the whole value is one term
	attrs   bool
	summary bool
}

// Converter maps ingest events onto the document model of one schema.
type Converter struct {
	schema *schema.Schema
	routes map[int32]fieldRoute
}

func NewConverter(s *schema.Schema) *Converter {
	routes := make(map[int32]fieldRoute, len(s.Fields))
	for _, f := range s.Fields {
		routes[f.ID] = fieldRoute{}
	}
	for _, idx := range s.Indexes {
		if idx.IsPrimaryKey() {
			continue
		}
		for _, fid := range idx.FieldIDs() {
			r := routes[fid]
			r.indexed = true
			r.raw = r.raw || idx.Type == schema.IndexTypeString
			routes[fid] = r
		}
	}
	for _, a := range s.Attributes {
		r := routes[a.FieldID()]
		r.attrs = true
		routes[a.FieldID()] = r
	}
	if s.Summary != nil {
		for _, fid := range s.Summary.FieldIDs() {
			r := routes[fid]
			r.summary = true
			routes[fid] = r
		}
	}
	return &Converter{schema: s, routes: routes}
}

// ToDocument builds a document from ev. Malformed events wrap
// errors.ErrInvalidInput.
func (c *Converter) ToDocument(ev *DocumentEvent) (*document.Document, error) {
	op, err := document.ParseOpType(ev.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sperrors.ErrInvalidInput, err)
	}
	if ev.PrimaryKey == "" {
		return nil, fmt.Errorf("%w: event without primary key", sperrors.ErrInvalidInput)
	}
	doc := document.New(op, ev.PrimaryKey)
	if !ev.IngestedAt.IsZero() {
		doc.Timestamp = ev.IngestedAt.UnixMilli()
	}
	if op == document.OpDelete {
		return doc, nil
	}

	for name, value := range ev.Fields {
		fid := c.schema.FieldID(name)
		route, ok := c.routes[fid]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", sperrors.ErrInvalidInput, name)
		}
		if route.attrs {
			doc.Attribute.SetField(fid, []byte(value))
		}
		if op != document.OpAdd {
			continue
		}
		if route.summary {
			doc.Summary.SetField(fid, []byte(value))
		}
		if route.indexed {
			if err := c.fillIndexField(doc.Index, fid, route, value, ev.Weights[name]); err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
		}
	}

	for _, mt := range ev.ModifiedTerms {
		fid := c.schema.FieldID(mt.Field)
		if fid == schema.InvalidFieldID || !c.routes[fid].indexed {
			return nil, fmt.Errorf("%w: modified term on unindexed field %q", sperrors.ErrInvalidInput, mt.Field)
		}
		mop, err := parseModifyOp(mt.Op)
		if err != nil {
			return nil, err
		}
		doc.Index.AddModifiedToken(fid, c.termHash(c.routes[fid], mt.Term), mop)
	}
	for term, payload := range ev.TermPayloads {
		doc.Index.SetTermPayload(term, payload)
	}
	if op == document.OpAdd && c.schema.HasSource() && len(ev.Source) > 0 {
		doc.Source = []byte(ev.Source)
	}
	return doc, nil
}

func (c *Converter) fillIndexField(idx *document.IndexDocument, fid int32, route fieldRoute, value string, weight uint16) error {
	if value == "" {
		_, err := idx.CreateField(fid, document.TagNullField)
		return err
	}
	if weight == 0 {
		weight = defaultSectionWeight
	}
	if !route.raw {
		_, err := tokenizer.FillTokenField(idx, fid, value, weight)
		return err
	}
	field, err := idx.CreateTokenField(fid)
	if err != nil {
		return err
	}
	section := field.CreateSection()
	section.Weight = weight
	section.CreateToken(document.TermHash(value), 0, 0)
	section.Length = 1
	return nil
}

func (c *Converter) termHash(route fieldRoute, term string) uint64 {
	if route.raw {
		return document.TermHash(term)
	}
	if tokens := tokenizer.Tokenize(term); len(tokens) > 0 {
		return document.TermHash(tokens[0].Term)
	}
	return document.TermHash(term)
}

func parseModifyOp(s string) (document.ModifyOp, error) {
	switch s {
	case "add", "":
		return document.ModifyAdd, nil
	case "remove":
		return document.ModifyRemove, nil
	default:
		return 0, fmt.Errorf("%w: unknown modify op %q", sperrors.ErrInvalidInput, s)
	}
}

// HandleMessage returns a Kafka MessageHandler that converts each event and
// adds it to the builder. Add blocks while the memory quota is exhausted,
// which back-pressures the consumer.
func HandleMessage(b Adder, s *schema.Schema) kafka.MessageHandler {
	conv := NewConverter(s)
	log := logger.WithComponent("index_consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[DocumentEvent](value)
		if err != nil {
			return err
		}
		doc, err := conv.ToDocument(&ev)
		if err != nil {
			return fmt.Errorf("converting event %s: %w", string(key), err)
		}
		if err := b.Add(ctx, doc); err != nil {
			return fmt.Errorf("adding document %s: %w", ev.PrimaryKey, err)
		}
		log.Debug("document queued",
			"primary_key", ev.PrimaryKey,
			"op", doc.Op.String(),
		)
		return nil
	}
}
