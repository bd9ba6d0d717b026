// Package attribute stores per-document attribute values for the building
// segment. Values pass through a string convertor that prefixes each value
// with its xxhash so writers can keep one copy of repeated values.
package attribute

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

const hashSize = 8

// Value is a decoded convertor payload.
type Value struct {
	Hash uint64
	Data []byte
}

// Convertor wraps raw attribute bytes as [xxhash u64][uvarint len][data].
type Convertor struct{}

func NewConvertor() Convertor {
	return Convertor{}
}

// Encode appends the encoded form of value to dst.
func (Convertor) Encode(dst []byte, value []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(value))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	return append(dst, value...)
}

// Decode splits an encoded value. Data aliases encoded.
func (Convertor) Decode(encoded []byte) (Value, error) {
	if len(encoded) < hashSize+1 {
		return Value{}, sperrors.Corruptionf("encoded attribute of %d bytes is too short", len(encoded))
	}
	hash := binary.LittleEndian.Uint64(encoded)
	n, w := binary.Uvarint(encoded[hashSize:])
	if w <= 0 {
		return Value{}, sperrors.Corruptionf("bad attribute length prefix")
	}
	start := hashSize + w
	if uint64(len(encoded)-start) < n {
		return Value{}, sperrors.Corruptionf("attribute data truncated: want %d bytes, have %d", n, len(encoded)-start)
	}
	return Value{Hash: hash, Data: encoded[start : start+int(n)]}, nil
}
