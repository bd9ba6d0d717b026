package sectionattr

import (
	"encoding/binary"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// A packed unit is one little-endian uint32: the selector lives in the top
// 4 bits and the low 28 bits hold the slots, lowest slot first.
const (
	unitSize     = 4
	selectorBits = 28
	payloadMask  = 1<<selectorBits - 1
	maxSlots     = 28
)

// itemNumPerUnit is the number of values a unit holds for each selector.
var itemNumPerUnit = [16]int{28, 21, 21, 21, 14, 9, 8, 7, 6, 6, 5, 5, 4, 3, 2, 1}

// slotBits lists the width of every slot per selector. Widths always sum to
// 28 bits.
var slotBits = [16][]uint8{
	repeatBits(28, 1),
	concatBits(repeatBits(7, 2), repeatBits(14, 1)),
	concatBits(repeatBits(7, 1), repeatBits(7, 2), repeatBits(7, 1)),
	concatBits(repeatBits(14, 1), repeatBits(7, 2)),
	repeatBits(14, 2),
	concatBits(repeatBits(1, 4), repeatBits(8, 3)),
	concatBits(repeatBits(1, 3), repeatBits(4, 4), repeatBits(3, 3)),
	repeatBits(7, 4),
	concatBits(repeatBits(4, 5), repeatBits(2, 4)),
	concatBits(repeatBits(2, 4), repeatBits(4, 5)),
	concatBits(repeatBits(3, 6), repeatBits(2, 5)),
	concatBits(repeatBits(2, 5), repeatBits(3, 6)),
	repeatBits(4, 7),
	concatBits(repeatBits(1, 10), repeatBits(2, 9)),
	repeatBits(2, 14),
	repeatBits(1, 28),
}

// MaxPackedValue is the largest value a single slot can carry.
const MaxPackedValue = payloadMask

func repeatBits(n int, width uint8) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = width
	}
	return out
}

func concatBits(parts ...[]uint8) []uint8 {
	var out []uint8
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// chooseSelector picks the densest selector whose slots fit the next values.
// It always consumes at least one value unless the head value exceeds 28
// bits.
func chooseSelector(values []uint32) (sel int, consumed int, err error) {
	for k := 0; k < len(itemNumPerUnit); k++ {
		n := itemNumPerUnit[k]
		if n > len(values) {
			n = len(values)
		}
		bits := slotBits[k]
		fits := true
		for j := 0; j < n; j++ {
			if values[j]>>bits[j] != 0 {
				fits = false
				break
			}
		}
		if fits {
			return k, n, nil
		}
	}
	return 0, 0, sperrors.Corruptionf("value %d does not fit in %d bits", values[0], selectorBits)
}

// packValues writes values as S16 units into dst and returns the number of
// bytes written. Capacity is checked before every unit.
func packValues(values []uint32, dst []byte) (int, error) {
	written := 0
	for pos := 0; pos < len(values); {
		sel, n, err := chooseSelector(values[pos:])
		if err != nil {
			return written, err
		}
		if len(dst)-written < unitSize {
			return written, sperrors.Overflowf("need %d bytes for packed unit, %d left", unitSize, len(dst)-written)
		}
		unit := uint32(sel) << selectorBits
		shift := uint8(0)
		bits := slotBits[sel]
		for j := 0; j < n; j++ {
			unit |= values[pos+j] << shift
			shift += bits[j]
		}
		binary.LittleEndian.PutUint32(dst[written:], unit)
		written += unitSize
		pos += n
	}
	return written, nil
}

// unpackUnit expands one unit into out and returns the number of slots it
// holds. Uniform selectors take a fixed-width fast path.
func unpackUnit(unit uint32, out *[maxSlots]uint32) int {
	sel := unit >> selectorBits
	payload := unit & payloadMask
	switch sel {
	case 0:
		for j := 0; j < 28; j++ {
			out[j] = payload >> uint(j) & 0x1
		}
		return 28
	case 4:
		for j := 0; j < 14; j++ {
			out[j] = payload >> uint(2*j) & 0x3
		}
		return 14
	case 7:
		for j := 0; j < 7; j++ {
			out[j] = payload >> uint(4*j) & 0xf
		}
		return 7
	case 12:
		out[0] = payload & 0x7f
		out[1] = payload >> 7 & 0x7f
		out[2] = payload >> 14 & 0x7f
		out[3] = payload >> 21 & 0x7f
		return 4
	case 14:
		out[0] = payload & 0x3fff
		out[1] = payload >> 14 & 0x3fff
		return 2
	case 15:
		out[0] = payload
		return 1
	}
	bits := slotBits[sel]
	shift := uint8(0)
	for j, w := range bits {
		out[j] = payload >> shift & (1<<w - 1)
		shift += w
	}
	return len(bits)
}

// unpackValues decodes exactly len(dst) values from src and returns the
// number of source bytes consumed. Slots left over in the final unit are
// ignored.
func unpackValues(src []byte, dst []uint32) (int, error) {
	var scratch [maxSlots]uint32
	consumed := 0
	for filled := 0; filled < len(dst); {
		if len(src)-consumed < unitSize {
			return consumed, sperrors.Corruptionf("packed stream truncated after %d of %d values", filled, len(dst))
		}
		n := unpackUnit(binary.LittleEndian.Uint32(src[consumed:]), &scratch)
		consumed += unitSize
		take := len(dst) - filled
		if take > n {
			take = n
		}
		copy(dst[filled:filled+take], scratch[:take])
		filled += take
	}
	return consumed, nil
}
