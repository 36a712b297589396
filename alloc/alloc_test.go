package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/shapeinfer"
)

func TestNanPattern_UnsignedAndSignedIntegers(t *testing.T) {
	u8, err := nanPattern(kir.Uint8, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, u8)

	i8, err := nanPattern(kir.Int8, 3)
	require.NoError(t, err)
	for _, b := range i8 {
		assert.Equal(t, byte(0x7F), b)
	}
}

func TestNanPattern_Float32IsNaN(t *testing.T) {
	out, err := nanPattern(kir.Float32, 4)
	require.NoError(t, err)
	v := *(*float32)(unsafe.Pointer(&out[0]))
	assert.True(t, v != v) // NaN != NaN
}

func TestNanPattern_UnknownDtypeErrors(t *testing.T) {
	_, err := nanPattern(kir.DataType(999), 8)
	require.Error(t, err)
}

func TestNanPattern_ZeroBytesIsNoop(t *testing.T) {
	out, err := nanPattern(kir.Float32, 0)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestShapeBytes(t *testing.T) {
	s := shapeinfer.Shape{Sizes: []int64{3, 4}}
	assert.Equal(t, int64(3*4*4), shapeBytes(s, kir.Float32))
}
