package sectionattr

import (
	"encoding/binary"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// Decoder is the inverse of Encoder. It keeps scratch space and must not be
// shared between goroutines.
type Decoder struct {
	unit    [maxSlots]uint32
	scratch []uint32
}

func NewDecoder() *Decoder {
	return &Decoder{scratch: make([]uint32, MaxSectionCountPerDoc)}
}

// DecodeLengths reads the section count and the lengths into dst. It
// returns the count and the number of source bytes consumed.
func (d *Decoder) DecodeLengths(src []byte, dst []uint16) (count int, consumed int, err error) {
	if len(src) < unitSize {
		return 0, 0, sperrors.Corruptionf("section length stream shorter than one unit")
	}
	n := unpackUnit(binary.LittleEndian.Uint32(src), &d.unit)
	consumed = unitSize
	count = int(d.unit[0])
	if count > MaxSectionCountPerDoc {
		return 0, consumed, sperrors.Corruptionf("section count %d exceeds %d", count, MaxSectionCountPerDoc)
	}
	if count > len(dst) {
		return 0, consumed, sperrors.Overflowf("section count %d exceeds destination capacity %d", count, len(dst))
	}
	head := n - 1
	if head > count {
		head = count
	}
	for j := 0; j < head; j++ {
		dst[j] = uint16(d.unit[1+j])
	}
	if head == count {
		return count, consumed, nil
	}
	rest := d.scratch[:count-head]
	m, err := unpackValues(src[consumed:], rest)
	consumed += m
	if err != nil {
		return 0, consumed, err
	}
	for j, v := range rest {
		dst[head+j] = uint16(v)
	}
	return count, consumed, nil
}

// DecodeFieldIDs reads count field position deltas and turns them into
// positions with a running sum over the whole document.
func (d *Decoder) DecodeFieldIDs(src []byte, count int, dst []uint8) (int, error) {
	if count > len(dst) {
		return 0, sperrors.Overflowf("section count %d exceeds field id capacity %d", count, len(dst))
	}
	if count > len(d.scratch) {
		return 0, sperrors.Corruptionf("section count %d exceeds %d", count, MaxSectionCountPerDoc)
	}
	deltas := d.scratch[:count]
	consumed, err := unpackValues(src, deltas)
	if err != nil {
		return consumed, err
	}
	var fid uint32
	for j, delta := range deltas {
		fid += delta
		dst[j] = uint8(fid)
	}
	return consumed, nil
}

// DecodeWeights reads count weights. Slots flagged zero-width decode as 0.
func (d *Decoder) DecodeWeights(src []byte, count int, dst []uint16) (int, error) {
	if count > len(dst) {
		return 0, sperrors.Overflowf("section count %d exceeds weight capacity %d", count, len(dst))
	}
	consumed := 0
	for base := 0; base < count; base += weightUnitItems {
		if consumed >= len(src) {
			return consumed, sperrors.Corruptionf("weight stream truncated at section %d", base)
		}
		flag := src[consumed]
		consumed++
		end := base + weightUnitItems
		if end > count {
			end = count
		}
		for j := base; j < end; j++ {
			switch flag >> (2 * (j - base)) & 0x3 {
			case 0:
				dst[j] = 0
			case 1:
				if consumed+1 > len(src) {
					return consumed, sperrors.Corruptionf("weight stream truncated at section %d", j)
				}
				dst[j] = uint16(src[consumed])
				consumed++
			case 2:
				if consumed+2 > len(src) {
					return consumed, sperrors.Corruptionf("weight stream truncated at section %d", j)
				}
				dst[j] = binary.LittleEndian.Uint16(src[consumed:])
				consumed += 2
			default:
				return consumed, sperrors.Corruptionf("invalid weight width flag at section %d", j)
			}
		}
	}
	return consumed, nil
}
