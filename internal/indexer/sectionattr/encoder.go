package sectionattr

import (
	"encoding/binary"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// weightUnitItems is the number of weights sharing one flag byte.
const weightUnitItems = 4

// Encoder packs section arrays. It keeps a scratch slice between calls and
// must not be shared between goroutines.
type Encoder struct {
	scratch []uint32
}

func NewEncoder() *Encoder {
	return &Encoder{scratch: make([]uint32, 0, MaxSectionCountPerDoc+1)}
}

func checkCount(count int) error {
	if count > MaxSectionCountPerDoc {
		return sperrors.Overflowf("section count %d exceeds %d", count, MaxSectionCountPerDoc)
	}
	return nil
}

// EncodeLengths writes the section count followed by every length.
func (e *Encoder) EncodeLengths(lengths []uint16, dst []byte) (int, error) {
	if err := checkCount(len(lengths)); err != nil {
		return 0, err
	}
	e.scratch = append(e.scratch[:0], uint32(len(lengths)))
	for _, l := range lengths {
		e.scratch = append(e.scratch, uint32(l))
	}
	return packValues(e.scratch, dst)
}

// EncodeFieldIDs writes field position deltas. The caller supplies deltas:
// non-zero only on the first section of a field.
func (e *Encoder) EncodeFieldIDs(fids []uint8, dst []byte) (int, error) {
	if err := checkCount(len(fids)); err != nil {
		return 0, err
	}
	e.scratch = e.scratch[:0]
	for _, f := range fids {
		e.scratch = append(e.scratch, uint32(f))
	}
	return packValues(e.scratch, dst)
}

// EncodeWeights writes weights in units of four. A zero weight costs no
// payload bytes.
func (e *Encoder) EncodeWeights(weights []uint16, dst []byte) (int, error) {
	if err := checkCount(len(weights)); err != nil {
		return 0, err
	}
	written := 0
	for base := 0; base < len(weights); base += weightUnitItems {
		end := base + weightUnitItems
		if end > len(weights) {
			end = len(weights)
		}
		var flag byte
		size := 1
		for j, w := range weights[base:end] {
			code := weightByteWidth(w)
			flag |= code << (2 * j)
			size += int(code)
		}
		if len(dst)-written < size {
			return written, sperrors.Overflowf("need %d bytes for weight unit, %d left", size, len(dst)-written)
		}
		dst[written] = flag
		written++
		for _, w := range weights[base:end] {
			switch weightByteWidth(w) {
			case 1:
				dst[written] = byte(w)
				written++
			case 2:
				binary.LittleEndian.PutUint16(dst[written:], w)
				written += 2
			}
		}
	}
	return written, nil
}

func weightByteWidth(w uint16) byte {
	switch {
	case w == 0:
		return 0
	case w <= 0xff:
		return 1
	default:
		return 2
	}
}

// Encode writes all three streams back to back without padding.
func (e *Encoder) Encode(lengths []uint16, fids []uint8, weights []uint16, dst []byte) (int, error) {
	if len(fids) != len(lengths) || len(weights) != len(lengths) {
		return 0, sperrors.Corruptionf("section arrays differ in length: %d lengths, %d fids, %d weights",
			len(lengths), len(fids), len(weights))
	}
	n, err := e.EncodeLengths(lengths, dst)
	if err != nil {
		return n, err
	}
	m, err := e.EncodeFieldIDs(fids, dst[n:])
	if err != nil {
		return n + m, err
	}
	n += m
	m, err = e.EncodeWeights(weights, dst[n:])
	return n + m, err
}
