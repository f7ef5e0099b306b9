package tensor

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// HostTensor is a tensor held in host memory, laid out row-major little-endian.
type HostTensor struct {
	Spec Spec
	data []byte
}

// Zeros returns a zero-filled tensor for spec.
func Zeros(spec Spec) HostTensor {
	return HostTensor{Spec: spec.Clone(), data: make([]byte, spec.ByteSize())}
}

// FromBytes copies data into a new tensor. len(data) must equal spec.ByteSize().
func FromBytes(spec Spec, data []byte) (HostTensor, error) {
	if err := spec.Validate(); err != nil {
		return HostTensor{}, err
	}
	if len(data) != spec.ByteSize() {
		return HostTensor{}, errors.Errorf("tensor %q: got %d bytes, shape %v of %s needs %d",
			spec.Name, len(data), spec.Shape, ShortName(spec.DType), spec.ByteSize())
	}
	return HostTensor{Spec: spec.Clone(), data: append([]byte(nil), data...)}, nil
}

// FromFloat32s builds a Float32 tensor. dims defaults to [len(values)].
func FromFloat32s(name string, values []float32, dims ...int) (HostTensor, error) {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	spec := MakeSpec(name, dtypes.Float32, dims...)
	if spec.Elements() != len(values) {
		return HostTensor{}, errors.Errorf("tensor %q: %d values for shape %v", name, len(values), dims)
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return HostTensor{Spec: spec, data: data}, nil
}

// FromFloat16s builds a Float16 tensor from float32 values.
func FromFloat16s(name string, values []float32, dims ...int) (HostTensor, error) {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	spec := MakeSpec(name, dtypes.Float16, dims...)
	if spec.Elements() != len(values) {
		return HostTensor{}, errors.Errorf("tensor %q: %d values for shape %v", name, len(values), dims)
	}
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return HostTensor{Spec: spec, data: data}, nil
}

// FromInt32s builds an Int32 tensor.
func FromInt32s(name string, values []int32, dims ...int) (HostTensor, error) {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	spec := MakeSpec(name, dtypes.Int32, dims...)
	if spec.Elements() != len(values) {
		return HostTensor{}, errors.Errorf("tensor %q: %d values for shape %v", name, len(values), dims)
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return HostTensor{Spec: spec, data: data}, nil
}

// Name is a shortcut for Spec.Name.
func (t HostTensor) Name() string { return t.Spec.Name }

// Len is the size of the tensor in bytes.
func (t HostTensor) Len() int { return len(t.data) }

// Data returns the backing bytes. Callers must not retain it past the tensor's lifetime if they
// mutate it.
func (t HostTensor) Data() []byte { return t.data }

// Bytes returns a copy of the tensor bytes.
func (t HostTensor) Bytes() []byte { return append([]byte(nil), t.data...) }

func (t HostTensor) checkDType(want dtypes.DType) error {
	if t.Spec.DType != want {
		return errors.Errorf("tensor %q is %s, not %s", t.Spec.Name, ShortName(t.Spec.DType), ShortName(want))
	}
	return nil
}

// Float32s decodes a Float32 tensor.
func (t HostTensor) Float32s() ([]float32, error) {
	if err := t.checkDType(dtypes.Float32); err != nil {
		return nil, err
	}
	out := make([]float32, len(t.data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
	}
	return out, nil
}

// Float16s decodes a Float16 tensor.
func (t HostTensor) Float16s() ([]float16.Float16, error) {
	if err := t.checkDType(dtypes.Float16); err != nil {
		return nil, err
	}
	out := make([]float16.Float16, len(t.data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:]))
	}
	return out, nil
}

// Int32s decodes an Int32 tensor.
func (t HostTensor) Int32s() ([]int32, error) {
	if err := t.checkDType(dtypes.Int32); err != nil {
		return nil, err
	}
	out := make([]int32, len(t.data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.data[4*i:]))
	}
	return out, nil
}

// Bools decodes a Bool or Uint8 tensor; any non-zero byte is true.
func (t HostTensor) Bools() ([]bool, error) {
	if t.Spec.DType != dtypes.Bool && t.Spec.DType != dtypes.Uint8 {
		return nil, errors.Errorf("tensor %q is %s, not bool", t.Spec.Name, ShortName(t.Spec.DType))
	}
	out := make([]bool, len(t.data))
	for i, b := range t.data {
		out[i] = b != 0
	}
	return out, nil
}

// AsFloat32s converts Float32, Float16 and BFloat16 tensors to float32 values.
func (t HostTensor) AsFloat32s() ([]float32, error) {
	switch t.Spec.DType {
	case dtypes.Float32:
		return t.Float32s()
	case dtypes.Float16:
		halves, err := t.Float16s()
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(halves))
		for i, h := range halves {
			out[i] = h.Float32()
		}
		return out, nil
	case dtypes.BFloat16:
		out := make([]float32, len(t.data)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.data[2*i:])) << 16)
		}
		return out, nil
	}
	return nil, errors.Errorf("tensor %q is %s, not a floating point type", t.Spec.Name, ShortName(t.Spec.DType))
}

// EncodeFloat32s writes values into a tensor of element type dt (Float32, Float16 or BFloat16).
func EncodeFloat32s(spec Spec, values []float32) (HostTensor, error) {
	if spec.Elements() != len(values) {
		return HostTensor{}, errors.Errorf("tensor %q: %d values for shape %v", spec.Name, len(values), spec.Shape)
	}
	switch spec.DType {
	case dtypes.Float32:
		return FromFloat32s(spec.Name, values, spec.Shape...)
	case dtypes.Float16:
		return FromFloat16s(spec.Name, values, spec.Shape...)
	case dtypes.BFloat16:
		data := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*i:], uint16(math.Float32bits(v)>>16))
		}
		return HostTensor{Spec: spec.Clone(), data: data}, nil
	}
	return HostTensor{}, errors.Errorf("tensor %q: cannot encode floats as %s", spec.Name, ShortName(spec.DType))
}
