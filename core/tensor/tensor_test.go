package tensor

import (
	"encoding/json"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("x=f32[64, 64]")
	require.NoError(t, err)
	assert.Equal(t, "x", spec.Name)
	assert.Equal(t, dtypes.Float32, spec.DType)
	assert.Equal(t, []int{64, 64}, spec.Shape)
	assert.Equal(t, 64*64*4, spec.ByteSize())
	assert.Equal(t, "x=f32[64,64]", spec.String())

	spec, err = ParseSpec("u8[3]")
	require.NoError(t, err)
	assert.Empty(t, spec.Name)
	assert.Equal(t, 3, spec.ByteSize())

	for _, bad := range []string{"x=f32", "x=q7[3]", "x=f32[a]", "[3]"} {
		_, err := ParseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, MakeSpec("ok", dtypes.Float16, 2, 3).Validate())
	assert.Error(t, MakeSpec("scalar", dtypes.Float32).Validate())
	assert.Error(t, MakeSpec("zero", dtypes.Float32, 4, 0).Validate())
	assert.Error(t, MakeSpec("negative", dtypes.Float32, -1).Validate())
	assert.Error(t, MakeSpec("invalid", dtypes.InvalidDType, 4).Validate())

	// Products that wrap around int must not pass as small or negative sizes.
	for _, shape := range [][]int{
		{1 << 32, 1 << 32},
		{3037000500, 3037000500},
		{1 << 31, 1 << 31, 4},
	} {
		err := MakeSpec("huge", dtypes.Float32, shape...).Validate()
		assert.ErrorContains(t, err, "exceeds", "shape %v", shape)
	}
	require.NoError(t, MakeSpec("large", dtypes.Uint8, 1<<20, 1<<10).Validate())
}

func TestSpecJSON(t *testing.T) {
	in := MakeSpec("mask", dtypes.Bool, 8, 8)
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"mask","dtype":"bool","shape":[8,8]}`, string(data))

	var out Spec
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Equal(out))
	assert.Equal(t, "mask", out.Name)
}

func TestHostTensorViews(t *testing.T) {
	values := []float32{0, 1.5, -2, 1024}
	f32 := must.M1(FromFloat32s("a", values, 2, 2))
	assert.Equal(t, 16, f32.Len())
	assert.Equal(t, values, must.M1(f32.Float32s()))
	_, err := f32.Int32s()
	assert.Error(t, err)

	f16 := must.M1(FromFloat16s("h", values))
	assert.Equal(t, 8, f16.Len())
	assert.Equal(t, values, must.M1(f16.AsFloat32s()))

	i32 := must.M1(FromInt32s("i", []int32{-1, 7}))
	assert.Equal(t, []int32{-1, 7}, must.M1(i32.Int32s()))

	mask := must.M1(FromBytes(MakeSpec("m", dtypes.Uint8, 3), []byte{0, 1, 2}))
	assert.Equal(t, []bool{false, true, true}, must.M1(mask.Bools()))

	_, err = FromBytes(MakeSpec("m", dtypes.Uint8, 3), []byte{0})
	assert.Error(t, err)
}

func TestBytesIsACopy(t *testing.T) {
	h := Zeros(MakeSpec("z", dtypes.Uint8, 4))
	b := h.Bytes()
	b[0] = 9
	assert.Equal(t, byte(0), h.Data()[0])
}
