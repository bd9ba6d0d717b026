package attribute

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

func TestConvertor_RoundTrip(t *testing.T) {
	c := NewConvertor()
	enc := c.Encode(nil, []byte("section-bytes"))

	v, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64String("section-bytes"), v.Hash)
	assert.Equal(t, []byte("section-bytes"), v.Data)

	empty, err := c.Decode(c.Encode(nil, nil))
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
}

func TestConvertor_Truncated(t *testing.T) {
	c := NewConvertor()
	enc := c.Encode(nil, []byte("abcdef"))

	_, err := c.Decode(enc[:len(enc)-2])
	require.ErrorIs(t, err, sperrors.ErrCorruption)

	_, err = c.Decode(enc[:4])
	require.ErrorIs(t, err, sperrors.ErrCorruption)
}

func TestWriter_Uniq(t *testing.T) {
	c := NewConvertor()
	w := NewWriter("price", true)

	require.NoError(t, w.Add(0, c.Encode(nil, []byte("10"))))
	require.NoError(t, w.Add(1, c.Encode(nil, []byte("10"))))
	require.NoError(t, w.Add(3, c.Encode(nil, []byte("20"))))

	assert.Equal(t, 4, w.DocCount())
	assert.Equal(t, 2, w.UniqValueCount())

	v, ok := w.Get(1)
	require.True(t, ok)
	assert.Equal(t, "10", string(v))

	_, ok = w.Get(2)
	assert.False(t, ok, "gap doc has no value")

	require.NoError(t, w.Update(1, c.Encode(nil, []byte("30"))))
	v, _ = w.Get(1)
	assert.Equal(t, "30", string(v))
	v, _ = w.Get(0)
	assert.Equal(t, "10", string(v), "shared slot untouched by update")

	require.Error(t, w.Update(10, c.Encode(nil, []byte("x"))))

	snap := w.Snapshot()
	require.Len(t, snap, 4)
	assert.Nil(t, snap[2])
	assert.Equal(t, "20", string(snap[3]))
}

func TestWriter_NoUniq(t *testing.T) {
	c := NewConvertor()
	w := NewWriter("tag", false)
	require.NoError(t, w.Add(0, c.Encode(nil, []byte("a"))))
	require.NoError(t, w.Add(1, c.Encode(nil, []byte("a"))))
	assert.Equal(t, 2, w.UniqValueCount())
	assert.Equal(t, int64(2), w.DataSize())
}
