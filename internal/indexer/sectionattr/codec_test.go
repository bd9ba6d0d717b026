package sectionattr

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

func TestSlotBitsTable(t *testing.T) {
	for sel, bits := range slotBits {
		total := 0
		for _, b := range bits {
			total += int(b)
		}
		require.Equal(t, selectorBits, total, "selector %d", sel)
		require.Len(t, bits, itemNumPerUnit[sel], "selector %d", sel)
	}
}

func TestPackValues_EveryWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for width := 1; width <= 28; width++ {
		values := make([]uint32, 100)
		for i := range values {
			values[i] = uint32(rng.Int63n(1 << width))
		}
		buf := make([]byte, 4*len(values))
		n, err := packValues(values, buf)
		require.NoError(t, err, "width %d", width)

		got := make([]uint32, len(values))
		consumed, err := unpackValues(buf[:n], got)
		require.NoError(t, err, "width %d", width)
		assert.Equal(t, n, consumed)
		assert.Equal(t, values, got, "width %d", width)
	}
}

func TestPackValues_DensestSelector(t *testing.T) {
	ones := make([]uint32, 28)
	for i := range ones {
		ones[i] = 1
	}
	buf := make([]byte, 64)
	n, err := packValues(ones, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "28 one-bit values fit one unit")

	n, err = packValues([]uint32{1 << 27}, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPackValues_Errors(t *testing.T) {
	_, err := packValues([]uint32{1 << 28}, make([]byte, 8))
	require.ErrorIs(t, err, sperrors.ErrCorruption)

	_, err = packValues([]uint32{1, 1 << 20, 1 << 20}, make([]byte, 4))
	require.ErrorIs(t, err, sperrors.ErrBufferOverflow)

	_, err = unpackValues([]byte{0, 0}, make([]uint32, 1))
	require.ErrorIs(t, err, sperrors.ErrCorruption)
}

func TestEncoder_WeightUnits(t *testing.T) {
	enc := NewEncoder()
	buf := make([]byte, 32)

	n, err := enc.EncodeWeights([]uint16{0, 7, 0}, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, byte(1<<2), buf[0])
	assert.Equal(t, byte(7), buf[1])

	n, err = enc.EncodeWeights(make([]uint16, 8), buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "all-zero weights cost one flag byte per four")

	n, err = enc.EncodeWeights([]uint16{300}, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = enc.EncodeWeights([]uint16{300, 300}, buf[:3])
	require.ErrorIs(t, err, sperrors.ErrBufferOverflow)
}

func TestEncoder_TooManySections(t *testing.T) {
	enc := NewEncoder()
	_, err := enc.EncodeLengths(make([]uint16, MaxSectionCountPerDoc+1), make([]byte, DataSliceLen))
	require.ErrorIs(t, err, sperrors.ErrBufferOverflow)
}

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	enc := NewEncoder()
	dec := NewDecoder()
	for _, count := range []int{0, 1, 3, 4, 5, 27, 28, 29, 100, 1000} {
		lengths := make([]uint16, count)
		deltas := make([]uint8, count)
		weights := make([]uint16, count)
		for i := 0; i < count; i++ {
			lengths[i] = uint16(rng.Intn(MaxSectionLength + 1))
			if rng.Intn(4) == 0 {
				deltas[i] = uint8(rng.Intn(2))
			}
			switch rng.Intn(3) {
			case 1:
				weights[i] = uint16(rng.Intn(256))
			case 2:
				weights[i] = uint16(rng.Intn(65536))
			}
		}
		buf := make([]byte, DataSliceLen)
		n, err := enc.Encode(lengths, deltas, weights, buf)
		require.NoError(t, err, "count %d", count)

		gotLens := make([]uint16, count)
		gotFids := make([]uint8, count)
		gotWeights := make([]uint16, count)
		c, off, err := dec.DecodeLengths(buf[:n], gotLens)
		require.NoError(t, err)
		require.Equal(t, count, c)
		m, err := dec.DecodeFieldIDs(buf[off:n], count, gotFids)
		require.NoError(t, err)
		off += m
		m, err = dec.DecodeWeights(buf[off:n], count, gotWeights)
		require.NoError(t, err)
		assert.Equal(t, n, off+m, "count %d consumed everything", count)

		var fid uint8
		for i := 0; i < count; i++ {
			fid += deltas[i]
			require.Equal(t, fid, gotFids[i], "cumulative field id at %d", i)
		}
		assert.Equal(t, lengths, gotLens)
		assert.Equal(t, weights, gotWeights)
	}
}

func TestDecoder_Errors(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()
	buf := make([]byte, 64)
	n, err := enc.EncodeLengths([]uint16{1, 2, 3}, buf)
	require.NoError(t, err)

	_, _, err = dec.DecodeLengths(buf[:n], make([]uint16, 2))
	require.ErrorIs(t, err, sperrors.ErrBufferOverflow)

	_, _, err = dec.DecodeLengths(buf[:2], make([]uint16, 3))
	require.ErrorIs(t, err, sperrors.ErrCorruption)

	_, err = dec.DecodeWeights([]byte{0x2}, 1, make([]uint16, 1))
	require.ErrorIs(t, err, sperrors.ErrCorruption)

	_, err = dec.DecodeWeights([]byte{0x3}, 1, make([]uint16, 1))
	require.ErrorIs(t, err, sperrors.ErrCorruption)

	_, err = dec.DecodeFieldIDs(nil, 2, make([]uint8, 1))
	require.ErrorIs(t, err, sperrors.ErrBufferOverflow)
}

func TestSectionMeta_Packed(t *testing.T) {
	m := SectionMeta{Weight: 9, FieldID: 31, Length: MaxSectionLength}
	assert.Equal(t, m, UnpackSectionMeta(m.Packed(), 9))

	m = SectionMeta{FieldID: 2, Length: 100}
	assert.Equal(t, m, UnpackSectionMeta(m.Packed(), 0))
}

func fullConfig() schema.SectionAttributeConfig {
	return schema.SectionAttributeConfig{HasFieldID: true, HasSectionWeight: true}
}
