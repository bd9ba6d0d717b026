package sectionattr

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// Formatter drives the Encoder and Decoder for one index's
// SectionAttributeConfig. It holds scratch state and must not be shared
// between goroutines.
type Formatter struct {
	cfg schema.SectionAttributeConfig
	enc *Encoder
	dec *Decoder
}

func NewFormatter(cfg schema.SectionAttributeConfig) *Formatter {
	return &Formatter{
		cfg: cfg,
		enc: NewEncoder(),
		dec: NewDecoder(),
	}
}

func (f *Formatter) Config() schema.SectionAttributeConfig {
	return f.cfg
}

// EncodeToBuffer encodes the enabled streams into buf and zero-pads the
// result to a multiple of 4 bytes. fids and weights may be nil when the
// corresponding stream is disabled.
func (f *Formatter) EncodeToBuffer(lengths []uint16, fids []uint8, weights []uint16, buf []byte) (int, error) {
	n, err := f.enc.EncodeLengths(lengths, buf)
	if err != nil {
		return 0, fmt.Errorf("encoding section lengths: %w", err)
	}
	if f.cfg.HasFieldID {
		if len(fids) != len(lengths) {
			return 0, sperrors.Corruptionf("got %d field ids for %d sections", len(fids), len(lengths))
		}
		m, err := f.enc.EncodeFieldIDs(fids, buf[n:])
		if err != nil {
			return 0, fmt.Errorf("encoding section field ids: %w", err)
		}
		n += m
	}
	if f.cfg.HasSectionWeight {
		if len(weights) != len(lengths) {
			return 0, sperrors.Corruptionf("got %d weights for %d sections", len(weights), len(lengths))
		}
		m, err := f.enc.EncodeWeights(weights, buf[n:])
		if err != nil {
			return 0, fmt.Errorf("encoding section weights: %w", err)
		}
		n += m
	}
	padded := (n + 3) &^ 3
	if padded > len(buf) {
		return 0, sperrors.Overflowf("padded length %d exceeds buffer of %d bytes", padded, len(buf))
	}
	for i := n; i < padded; i++ {
		buf[i] = 0
	}
	return padded, nil
}

// Decode expands data into buf.
func (f *Formatter) Decode(data []byte, buf *DecodeBuffer) error {
	count, n, err := f.dec.DecodeLengths(data, buf.lengths)
	if err != nil {
		return fmt.Errorf("decoding section lengths: %w", err)
	}
	buf.count = count
	if f.cfg.HasFieldID {
		m, err := f.dec.DecodeFieldIDs(data[n:], count, buf.fids)
		if err != nil {
			return fmt.Errorf("decoding section field ids: %w", err)
		}
		n += m
	}
	if f.cfg.HasSectionWeight {
		if _, err := f.dec.DecodeWeights(data[n:], count, buf.weights); err != nil {
			return fmt.Errorf("decoding section weights: %w", err)
		}
	}
	return nil
}

// DecodeBuffer is caller-owned storage for one decoded document.
type DecodeBuffer struct {
	count   int
	lengths []uint16
	fids    []uint8
	weights []uint16
}

// NewDecodeBuffer allocates room for capacity sections.
func NewDecodeBuffer(capacity int) *DecodeBuffer {
	return &DecodeBuffer{
		lengths: make([]uint16, capacity),
		fids:    make([]uint8, capacity),
		weights: make([]uint16, capacity),
	}
}

// UnpackBuffer returns views into buf. Streams absent from the config come
// back nil.
func UnpackBuffer(buf *DecodeBuffer, hasFieldID bool, hasSectionWeight bool) (count int, lengths []uint16, fids []uint8, weights []uint16) {
	count = buf.count
	lengths = buf.lengths[:count]
	if hasFieldID {
		fids = buf.fids[:count]
	}
	if hasSectionWeight {
		weights = buf.weights[:count]
	}
	return count, lengths, fids, weights
}
